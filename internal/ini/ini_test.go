package ini

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetIntGetRemove(t *testing.T) {
	i := New()
	i.SetInt("k", 5)
	require.Equal(t, "5", i.Get("k"))
	require.True(t, i.Remove("k"))
	require.Equal(t, "", i.Get("k"))
	require.False(t, i.Remove("k"))
}

func TestTypedGetters(t *testing.T) {
	i := New()
	i.Set("protocol.hls_demand", "1")
	i.Set("protocol.enable_mp4", "off")
	i.Set("general.maxStreamWaitMS", "bogus")

	assert.True(t, i.GetBool("protocol.hls_demand"))
	assert.False(t, i.GetBool("protocol.enable_mp4"))
	assert.False(t, i.GetBool("missing"))
	assert.Equal(t, 42, i.GetInt("general.maxStreamWaitMS", 42))
}

func TestDefaultSeeded(t *testing.T) {
	d := Default()
	require.Same(t, d, Default())
	assert.Equal(t, "1", d.Get(KeyEnableHLS))
	assert.Equal(t, 3000, d.GetInt(KeyWaitAddTrackMS, 0))
}

func TestApplyDefaultsKeepsExisting(t *testing.T) {
	i := New()
	i.Set(KeyEnableHLS, "0")
	i.ApplyDefaults()
	assert.Equal(t, "0", i.Get(KeyEnableHLS))
	assert.Equal(t, "3", i.Get(KeyHLSSegNum))
}

func TestDumpAndLoad(t *testing.T) {
	i := New()
	i.Set("protocol.hls_demand", "1")
	i.Set("rtsp.authBasic", "0")
	i.Set("plain", "v")

	dump := i.Dump()
	assert.Contains(t, dump, "[protocol]")
	assert.Contains(t, dump, "[rtsp]")
	assert.Contains(t, dump, "hls_demand")

	loaded := New()
	require.NoError(t, loaded.LoadString(dump))
	assert.Equal(t, "1", loaded.Get("protocol.hls_demand"))
	assert.Equal(t, "0", loaded.Get("rtsp.authBasic"))
	assert.Equal(t, "v", loaded.Get("plain"))
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.ini")
	require.NoError(t, os.WriteFile(path, []byte("[hls]\nsegNum=7\n"), 0644))

	i := New()
	require.NoError(t, i.LoadFile(path))
	assert.Equal(t, 7, i.GetInt("hls.segNum", 0))

	require.Error(t, i.LoadFile(filepath.Join(t.TempDir(), "missing.ini")))
}

func TestCloneIsIndependent(t *testing.T) {
	i := New()
	i.Set("a.b", "1")
	c := i.Clone()
	c.Set("a.b", "2")
	assert.Equal(t, "1", i.Get("a.b"))
	assert.Equal(t, "2", c.Get("a.b"))
}

func TestConcurrentAccess(t *testing.T) {
	i := New()
	var wg sync.WaitGroup
	for n := 0; n < 8; n++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				i.SetInt("general.counter", j)
			}
		}(n)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_ = i.Get("general.counter")
				_ = i.Dump()
			}
		}()
	}
	wg.Wait()
	assert.NotEmpty(t, i.Get("general.counter"))
}
