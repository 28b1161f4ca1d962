package srt

import (
	"errors"
	"strings"

	"mediakit/pkg/models"
)

var ErrBadStreamID = errors.New("malformed SRT stream id")

// request is a parsed SRT stream id
type request struct {
	info    models.MediaInfo
	publish bool
}

// parseStreamID reads the access control syntax
// "#!::h=vhost,r=app/stream?query,m=publish". A bare "app/stream" is a
// play request.
func parseStreamID(id string) (request, error) {
	var (
		resource string
		vhost    string
		mode     = "request"
	)
	if rest, ok := strings.CutPrefix(id, "#!::"); ok {
		for _, pair := range strings.Split(rest, ",") {
			key, value, _ := strings.Cut(pair, "=")
			switch strings.TrimSpace(key) {
			case "r":
				resource = value
			case "h":
				vhost = value
			case "m":
				mode = value
			}
		}
	} else {
		resource = id
	}
	if resource == "" {
		return request{}, ErrBadStreamID
	}

	info, err := models.ParseMediaInfo(models.SchemaSRT, "/"+strings.TrimPrefix(resource, "/"))
	if err != nil {
		return request{}, errors.Join(ErrBadStreamID, err)
	}
	if vhost != "" && info.Param("vhost") == "" {
		info.Vhost = vhost
	}

	switch mode {
	case "publish":
		return request{info: info, publish: true}, nil
	case "request", "":
		return request{info: info}, nil
	}
	return request{}, ErrBadStreamID
}
