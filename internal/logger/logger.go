// Package logger configures the process-wide logrus logger.
package logger

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Output mask bits
const (
	MaskConsole  = 1 << 0
	MaskFile     = 1 << 1
	MaskCallback = 1 << 2
)

// Options mirror the engine's log initialisation parameters
type Options struct {
	// Level ranges from 0 (trace) to 4 (error)
	Level    int
	Mask     int
	FilePath string
	FileDays int
	// Callback receives every entry when MaskCallback is set
	Callback func(Entry)
}

// Entry is one forwarded log line
type Entry struct {
	Level    int
	File     string
	Line     int
	Function string
	Message  string
}

var levels = []logrus.Level{
	logrus.TraceLevel,
	logrus.DebugLevel,
	logrus.InfoLevel,
	logrus.WarnLevel,
	logrus.ErrorLevel,
}

// Level converts an engine level to a logrus level
func Level(level int) logrus.Level {
	if level < 0 {
		level = 0
	}
	if level >= len(levels) {
		level = len(levels) - 1
	}
	return levels[level]
}

func fromLogrus(l logrus.Level) int {
	for i, lv := range levels {
		if lv == l {
			return i
		}
	}
	if l < logrus.ErrorLevel {
		return len(levels) - 1
	}
	return 0
}

var (
	mu      sync.Mutex
	rotator *lumberjack.Logger
)

// Setup applies opts to the standard logrus logger and returns it
func Setup(opts Options) *logrus.Logger {
	mu.Lock()
	defer mu.Unlock()

	log := logrus.StandardLogger()
	log.SetLevel(Level(opts.Level))
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log.ReplaceHooks(make(logrus.LevelHooks))

	var writers []io.Writer
	if opts.Mask&MaskConsole != 0 {
		writers = append(writers, os.Stderr)
	}

	if rotator != nil {
		rotator.Close()
		rotator = nil
	}
	if opts.Mask&MaskFile != 0 {
		path := opts.FilePath
		if path == "" {
			path = "./log"
		}
		rotator = &lumberjack.Logger{
			Filename: filepath.Join(path, "mediakit.log"),
			MaxAge:   opts.FileDays,
			MaxSize:  100,
		}
		writers = append(writers, rotator)
	}

	switch len(writers) {
	case 0:
		log.SetOutput(io.Discard)
	case 1:
		log.SetOutput(writers[0])
	default:
		log.SetOutput(io.MultiWriter(writers...))
	}

	if opts.Mask&MaskCallback != 0 && opts.Callback != nil {
		log.SetReportCaller(true)
		log.AddHook(&CallbackHook{fn: opts.Callback})
	} else {
		log.SetReportCaller(false)
	}

	return log
}

// CallbackHook forwards log entries to a function
type CallbackHook struct {
	fn func(Entry)
}

// NewCallbackHook creates a hook that calls fn for every entry
func NewCallbackHook(fn func(Entry)) *CallbackHook {
	return &CallbackHook{fn: fn}
}

// Levels implements logrus.Hook
func (h *CallbackHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire implements logrus.Hook
func (h *CallbackHook) Fire(e *logrus.Entry) error {
	entry := Entry{
		Level:   fromLogrus(e.Level),
		Message: e.Message,
	}
	if e.Caller != nil {
		entry.File = e.Caller.File
		entry.Line = e.Caller.Line
		entry.Function = e.Caller.Function
	}
	h.fn(entry)
	return nil
}
