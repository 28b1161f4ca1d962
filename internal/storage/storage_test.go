package storage

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClean(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"live/cam/hls.m3u8", "live/cam/hls.m3u8", true},
		{"live//cam/./0.ts", "live/cam/0.ts", true},
		{"", "", false},
		{"/etc/passwd", "", false},
		{"../secret", "", false},
		{"live/../../secret", "", false},
		{"..", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Clean(tt.in)
			if !tt.ok {
				assert.ErrorIs(t, err, ErrInvalidPath)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLocalStorage(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Write(ctx, "live/cam/hls.m3u8", []byte("#EXTM3U\n")))
	w, err := s.Create(ctx, "live/cam/0.ts")
	require.NoError(t, err)
	_, err = w.Write([]byte{0x47, 0x40})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	names, err := s.List(ctx, "live/cam")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"hls.m3u8", "0.ts"}, names)

	size, err := s.Size(ctx, "live/cam/0.ts")
	require.NoError(t, err)
	assert.Equal(t, int64(2), size)

	r, err := s.Open(ctx, "live/cam/hls.m3u8")
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "#EXTM3U\n", string(data))

	require.NoError(t, s.Delete(ctx, "live/cam/0.ts"))
	require.NoError(t, s.Delete(ctx, "live/cam/0.ts"), "deleting a missing file is fine")
	ok, err := s.Exists(ctx, "live/cam/0.ts")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Read(ctx, "live/cam/0.ts")
	assert.ErrorIs(t, err, ErrNotExist)
	_, err = s.Read(ctx, "../escape")
	assert.ErrorIs(t, err, ErrInvalidPath)
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "application/vnd.apple.mpegurl", ContentType("a/hls.m3u8"))
	assert.Equal(t, "video/mp2t", ContentType("a/1.ts"))
	assert.Equal(t, "video/mp4", ContentType("a/1.mp4"))
	assert.Equal(t, "video/x-flv", ContentType("a/1.flv"))
	assert.Equal(t, "no-cache, no-store, must-revalidate", CacheControl("a/hls.m3u8"))
}
