package rtsp

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/google/uuid"
)

// credentials is a parsed Authorization header
type credentials struct {
	digest   bool
	user     string
	password string // basic only
	realm    string
	nonce    string
	uri      string
	response string
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func newNonce() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// challenge builds the 401 answer offering digest auth, and basic auth
// when allowed
func challenge(realm, nonce string, basic bool) *base.Response {
	offers := base.HeaderValue{`Digest realm="` + realm + `", nonce="` + nonce + `"`}
	if basic {
		offers = append(offers, `Basic realm="`+realm+`"`)
	}
	return &base.Response{
		StatusCode: base.StatusUnauthorized,
		Header:     base.Header{"WWW-Authenticate": offers},
	}
}

// parseAuthorization reads the first Authorization value. Basic
// credentials are refused unless basic is set.
func parseAuthorization(values base.HeaderValue, basic bool) (credentials, bool) {
	if len(values) == 0 {
		return credentials{}, false
	}
	v := strings.TrimSpace(values[0])

	switch {
	case strings.HasPrefix(v, "Basic "):
		if !basic {
			return credentials{}, false
		}
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(v[len("Basic "):]))
		if err != nil {
			return credentials{}, false
		}
		user, pass, ok := strings.Cut(string(raw), ":")
		if !ok {
			return credentials{}, false
		}
		return credentials{user: user, password: pass}, true

	case strings.HasPrefix(v, "Digest "):
		c := credentials{digest: true}
		for _, part := range splitParams(v[len("Digest "):]) {
			key, val, ok := strings.Cut(part, "=")
			if !ok {
				continue
			}
			val = strings.Trim(strings.TrimSpace(val), `"`)
			switch strings.TrimSpace(key) {
			case "username":
				c.user = val
			case "realm":
				c.realm = val
			case "nonce":
				c.nonce = val
			case "uri":
				c.uri = val
			case "response":
				c.response = val
			}
		}
		return c, c.user != "" && c.response != ""
	}
	return credentials{}, false
}

// splitParams splits on commas outside quotes
func splitParams(s string) []string {
	var (
		parts  []string
		quoted bool
		start  int
	)
	for i, r := range s {
		switch r {
		case '"':
			quoted = !quoted
		case ',':
			if !quoted {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:])
}

// verify checks c against the password returned by the auth hook. When
// encrypted is set pwd is md5(user:realm:password).
func (c credentials) verify(method base.Method, realm, nonce string, encrypted bool, pwd string) bool {
	if !c.digest {
		return !encrypted && c.password == pwd
	}
	if c.nonce != nonce || c.realm != realm {
		return false
	}
	ha1 := pwd
	if !encrypted {
		ha1 = md5Hex(c.user + ":" + realm + ":" + pwd)
	}
	ha2 := md5Hex(string(method) + ":" + c.uri)
	return strings.EqualFold(c.response, md5Hex(ha1+":"+nonce+":"+ha2))
}
