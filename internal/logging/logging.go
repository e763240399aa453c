package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects where log lines go and how verbose each sink is.
type Options struct {
	Level        string
	ConsoleLevel string
	FileLevel    string

	// File is the rotated log file path; empty disables the file sink.
	File       string
	MaxSizeMB  int
	MaxBackups int

	// Console overrides stdout, mostly for tests.
	Console io.Writer
}

var (
	mu      sync.Mutex
	root    *logrus.Logger
	logFile *lumberjack.Logger
)

// Init configures the process logger. Subsystem loggers created with Named
// before Init keep writing to the previous logger.
func Init(opts Options) error {
	mu.Lock()
	defer mu.Unlock()

	console := opts.Console
	if console == nil {
		console = os.Stdout
	}

	logger := logrus.New()
	logger.SetLevel(ParseLevel(opts.Level, logrus.InfoLevel))
	logger.SetOutput(io.Discard)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	logger.AddHook(&writerHook{Writer: console, LogLevels: availableLevels(ParseLevel(opts.ConsoleLevel, logrus.TraceLevel))})

	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}
	if opts.File != "" {
		maxSize := opts.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 100
		}
		logFile = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    maxSize, // megabytes
			MaxBackups: opts.MaxBackups,
		}
		logger.AddHook(&writerHook{Writer: logFile, LogLevels: availableLevels(ParseLevel(opts.FileLevel, logrus.TraceLevel))})
	}

	root = logger
	return nil
}

// Close flushes and closes the log file.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}
}

// Named returns a logger for one subsystem.
func Named(name string) *logrus.Entry {
	mu.Lock()
	defer mu.Unlock()
	if root == nil {
		root = logrus.New()
		root.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	}
	return root.WithField("name", name)
}

// Discard returns a logger that drops everything.
func Discard() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// ParseLevel maps a level name to a logrus level. "off" silences the sink.
func ParseLevel(s string, def logrus.Level) logrus.Level {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "":
		return def
	case "off", "none":
		return logrus.PanicLevel
	}
	lvl, err := logrus.ParseLevel(s)
	if err != nil {
		return def
	}
	return lvl
}

// writerHook writes entries at the given levels to Writer.
type writerHook struct {
	Writer    io.Writer
	LogLevels []logrus.Level
}

func (h *writerHook) Fire(e *logrus.Entry) error {
	line, err := e.String()
	if err != nil {
		return err
	}
	_, err = h.Writer.Write([]byte(line))
	return err
}

func (h *writerHook) Levels() []logrus.Level {
	return h.LogLevels
}

func availableLevels(min logrus.Level) []logrus.Level {
	levels := []logrus.Level{}
	for _, l := range logrus.AllLevels {
		if l <= min {
			levels = append(levels, l)
		}
	}
	return levels
}
