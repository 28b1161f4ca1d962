// Package ini holds the engine's key/value tuning store. Keys are written as
// "section.key"; a key without a dot lives in the default section.
package ini

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	goini "gopkg.in/ini.v1"
)

// Well-known engine keys
const (
	KeyMaxStreamWaitMS   = "general.maxStreamWaitMS"
	KeyNoneReaderDelayMS = "general.streamNoneReaderDelayMS"
	KeyWaitAddTrackMS    = "general.wait_add_track_ms"
	KeyFlowThreshold     = "general.flowThreshold"

	KeyEnableHLS  = "protocol.enable_hls"
	KeyEnableMP4  = "protocol.enable_mp4"
	KeyEnableRTSP = "protocol.enable_rtsp"
	KeyEnableRTMP = "protocol.enable_rtmp"
	KeyEnableTS   = "protocol.enable_ts"
	KeyHLSDemand  = "protocol.hls_demand"
	KeyRTSPDemand = "protocol.rtsp_demand"
	KeyRTMPDemand = "protocol.rtmp_demand"
	KeyTSDemand   = "protocol.ts_demand"

	KeyHLSSegDur = "hls.segDur"
	KeyHLSSegNum = "hls.segNum"

	KeyRecordFileSecond = "record.fileSecond"
	KeyRecordAppName    = "record.appName"

	KeyRTSPAuthBasic = "rtsp.authBasic"
	KeyRTPProxyApp   = "rtp_proxy.app"
	KeyRTPTimeoutSec = "rtp_proxy.timeoutSec"
	KeyRTCExternIP   = "rtc.externIP"
)

var defaults = map[string]string{
	KeyMaxStreamWaitMS:   "15000",
	KeyNoneReaderDelayMS: "20000",
	KeyWaitAddTrackMS:    "3000",
	KeyFlowThreshold:     "1024",

	KeyEnableHLS:  "1",
	KeyEnableMP4:  "0",
	KeyEnableRTSP: "1",
	KeyEnableRTMP: "1",
	KeyEnableTS:   "1",
	KeyHLSDemand:  "0",
	KeyRTSPDemand: "0",
	KeyRTMPDemand: "0",
	KeyTSDemand:   "0",

	KeyHLSSegDur: "2",
	KeyHLSSegNum: "3",

	KeyRecordFileSecond: "3600",
	KeyRecordAppName:    "record",

	KeyRTSPAuthBasic: "0",
	KeyRTPProxyApp:   "rtp",
	KeyRTPTimeoutSec: "15",
}

// Ini is a concurrency-safe key/value store
type Ini struct {
	mu     sync.RWMutex
	values map[string]string
}

var (
	defaultOnce sync.Once
	defaultIni  *Ini
)

// New creates an empty store, e.g. for options scoped to one session
func New() *Ini {
	return &Ini{values: make(map[string]string)}
}

// Default returns the process-wide store, seeded with engine defaults
func Default() *Ini {
	defaultOnce.Do(func() {
		defaultIni = New()
		defaultIni.ApplyDefaults()
	})
	return defaultIni
}

// ApplyDefaults sets every engine default that is not already present
func (i *Ini) ApplyDefaults() {
	i.mu.Lock()
	defer i.mu.Unlock()
	for k, v := range defaults {
		if _, ok := i.values[k]; !ok {
			i.values[k] = v
		}
	}
}

// Set stores value under key
func (i *Ini) Set(key, value string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.values[key] = value
}

// SetInt stores the decimal form of value under key
func (i *Ini) SetInt(key string, value int) {
	i.Set(key, strconv.Itoa(value))
}

// Get returns the value for key, or "" when missing
func (i *Ini) Get(key string) string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.values[key]
}

// Has reports whether key is present
func (i *Ini) Has(key string) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	_, ok := i.values[key]
	return ok
}

// GetInt parses the value for key, returning def when missing or malformed
func (i *Ini) GetInt(key string, def int) int {
	v, err := strconv.Atoi(strings.TrimSpace(i.Get(key)))
	if err != nil {
		return def
	}
	return v
}

// GetBool treats "1", "true", "yes" and "on" as true
func (i *Ini) GetBool(key string) bool {
	switch strings.ToLower(strings.TrimSpace(i.Get(key))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Remove deletes key and reports whether it existed
func (i *Ini) Remove(key string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.values[key]; !ok {
		return false
	}
	delete(i.values, key)
	return true
}

// Keys returns all keys in sorted order
func (i *Ini) Keys() []string {
	i.mu.RLock()
	keys := make([]string, 0, len(i.values))
	for k := range i.values {
		keys = append(keys, k)
	}
	i.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Clone returns an independent copy of the store
func (i *Ini) Clone() *Ini {
	i.mu.RLock()
	defer i.mu.RUnlock()
	c := New()
	for k, v := range i.values {
		c.values[k] = v
	}
	return c
}

// Dump renders the store as ini text
func (i *Ini) Dump() string {
	f := goini.Empty()
	for _, k := range i.Keys() {
		section, name := splitKey(k)
		f.Section(section).Key(name).SetValue(i.Get(k))
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return ""
	}
	return buf.String()
}

// LoadString merges ini text into the store
func (i *Ini) LoadString(text string) error {
	f, err := goini.Load([]byte(text))
	if err != nil {
		return fmt.Errorf("failed to parse ini: %w", err)
	}
	i.merge(f)
	return nil
}

// LoadFile merges an ini file into the store
func (i *Ini) LoadFile(path string) error {
	f, err := goini.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load ini file %s: %w", path, err)
	}
	i.merge(f)
	return nil
}

func (i *Ini) merge(f *goini.File) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, sec := range f.Sections() {
		for _, key := range sec.Keys() {
			name := key.Name()
			if sec.Name() != goini.DefaultSection {
				name = sec.Name() + "." + name
			}
			i.values[name] = key.String()
		}
	}
}

func splitKey(key string) (section, name string) {
	idx := strings.Index(key, ".")
	if idx <= 0 {
		return goini.DefaultSection, key
	}
	return key[:idx], key[idx+1:]
}
