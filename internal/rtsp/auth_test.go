package rtsp

import (
	"encoding/base64"
	"fmt"
	"strings"
	"testing"

	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediakit/internal/ini"
)

func digestHeader(user, realm, nonce, uri, response string) base.HeaderValue {
	return base.HeaderValue{fmt.Sprintf(
		`Digest username="%s", realm="%s", nonce="%s", uri="%s", response="%s"`,
		user, realm, nonce, uri, response)}
}

func TestParseBasic(t *testing.T) {
	raw := base64.StdEncoding.EncodeToString([]byte("admin:s3cret:x"))
	c, ok := parseAuthorization(base.HeaderValue{"Basic " + raw}, true)
	require.True(t, ok)
	assert.False(t, c.digest)
	assert.Equal(t, "admin", c.user)
	assert.Equal(t, "s3cret:x", c.password)

	_, ok = parseAuthorization(base.HeaderValue{"Basic !!!"}, true)
	assert.False(t, ok)
	_, ok = parseAuthorization(nil, true)
	assert.False(t, ok)
}

func TestParseDigestKeepsQuotedCommas(t *testing.T) {
	c, ok := parseAuthorization(digestHeader("admin", "media, kit", "abc", "rtsp://h/live/cam", "ff"), false)
	require.True(t, ok)
	assert.True(t, c.digest)
	assert.Equal(t, "media, kit", c.realm)
	assert.Equal(t, "rtsp://h/live/cam", c.uri)
	assert.Equal(t, "ff", c.response)
}

func TestVerifyDigest(t *testing.T) {
	const (
		realm = "mediakit"
		nonce = "0123456789abcdef"
		uri   = "rtsp://127.0.0.1/live/cam"
	)
	ha1 := md5Hex("admin:" + realm + ":s3cret")
	ha2 := md5Hex("DESCRIBE:" + uri)
	response := md5Hex(ha1 + ":" + nonce + ":" + ha2)

	c, ok := parseAuthorization(digestHeader("admin", realm, nonce, uri, response), false)
	require.True(t, ok)

	assert.True(t, c.verify(base.Describe, realm, nonce, false, "s3cret"))
	assert.True(t, c.verify(base.Describe, realm, nonce, true, ha1), "an md5 password is used as HA1")
	assert.False(t, c.verify(base.Describe, realm, nonce, false, "wrong"))
	assert.False(t, c.verify(base.Describe, realm, "stale", false, "s3cret"))
	assert.False(t, c.verify(base.Setup, realm, nonce, false, "s3cret"))
}

func TestVerifyBasic(t *testing.T) {
	c := credentials{user: "admin", password: "s3cret"}
	assert.True(t, c.verify(base.Describe, "r", "n", false, "s3cret"))
	assert.False(t, c.verify(base.Describe, "r", "n", true, md5Hex("admin:r:s3cret")), "basic auth cannot check an md5 password")
}

func TestChallengeOffersBasicOnlyWhenEnabled(t *testing.T) {
	res := challenge("mediakit", "n1", true)
	assert.Equal(t, base.StatusUnauthorized, res.StatusCode)
	require.Len(t, res.Header["WWW-Authenticate"], 2)
	assert.Contains(t, res.Header["WWW-Authenticate"][0], `nonce="n1"`)
	assert.Contains(t, res.Header["WWW-Authenticate"][1], "Basic")

	res = challenge("mediakit", "n1", false)
	require.Len(t, res.Header["WWW-Authenticate"], 1)
	assert.True(t, strings.HasPrefix(res.Header["WWW-Authenticate"][0], "Digest "))
	assert.Len(t, newNonce(), 32)
}

func TestBasicRejectedByDefault(t *testing.T) {
	cfg := ini.New()
	cfg.ApplyDefaults()
	basic := cfg.GetBool(ini.KeyRTSPAuthBasic)
	assert.False(t, basic)

	raw := base64.StdEncoding.EncodeToString([]byte("admin:s3cret"))
	_, ok := parseAuthorization(base.HeaderValue{"Basic " + raw}, basic)
	assert.False(t, ok)

	cfg.Set(ini.KeyRTSPAuthBasic, "1")
	c, ok := parseAuthorization(base.HeaderValue{"Basic " + raw}, cfg.GetBool(ini.KeyRTSPAuthBasic))
	require.True(t, ok)
	assert.Equal(t, "admin", c.user)
}
