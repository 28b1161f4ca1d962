package srt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediakit/pkg/models"
)

func TestParseStreamID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		key     models.StreamKey
		publish bool
		params  string
	}{
		{"bare path plays", "live/cam", models.NewStreamKey("", "live", "cam"), false, ""},
		{"publish mode", "#!::r=live/cam,m=publish", models.NewStreamKey("", "live", "cam"), true, ""},
		{"vhost and query", "#!::h=example.com,r=live/cam?token=abc,m=request",
			models.NewStreamKey("example.com", "live", "cam"), false, "token=abc"},
		{"default mode", "#!::r=/app/s", models.NewStreamKey("", "app", "s"), false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := parseStreamID(tt.id)
			require.NoError(t, err)
			assert.Equal(t, tt.key, r.info.Key())
			assert.Equal(t, tt.publish, r.publish)
			assert.Equal(t, tt.params, r.info.Params)
			assert.Equal(t, models.SchemaSRT, r.info.Schema)
		})
	}
}

func TestParseStreamIDRejects(t *testing.T) {
	for _, id := range []string{"", "#!::m=publish", "live", "#!::r=live/cam,m=bogus"} {
		_, err := parseStreamID(id)
		assert.ErrorIs(t, err, ErrBadStreamID, id)
	}
}
