package logx

import (
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects the level and sinks of a Service.
type Config struct {
	Level   string
	Console bool
	File    FileConfig
}

// FileConfig configures the rotating JSON file sink.
type FileConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

const defaultLogPath = "./warden.log"

// Service owns the active sinks and swaps them on Apply.
type Service struct {
	mu   sync.Mutex
	cfg  Config
	file *lumberjack.Logger

	// extra is an optional additional sink (tests, embedding).
	extra io.Writer

	root atomic.Value // zerolog.Logger
}

// New creates the logging service, applies cfg immediately and returns both
// the Service and a live root Logger.
func New(cfg Config) (*Service, Logger) {
	setGlobals()
	s := &Service{}
	s.root.Store(zerolog.New(newConsoleWriter(Stdout())).
		Level(ParseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger())
	s.Apply(cfg)
	return s, Logger{svc: s}
}

// NewWithWriter is New with an extra JSON sink attached.
func NewWithWriter(cfg Config, w io.Writer) (*Service, Logger) {
	setGlobals()
	s := &Service{extra: w}
	s.root.Store(zerolog.Nop())
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	zl, ok := s.root.Load().(zerolog.Logger)
	if !ok {
		return zerolog.Nop()
	}
	return zl
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// Config returns the last applied config.
func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply swaps outputs and level at runtime. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Reuse the rotator when the target file did not change so an in-progress
	// segment is not reopened on every reload.
	path := strings.TrimSpace(cfg.File.Path)
	if path == "" {
		path = defaultLogPath
	}
	if s.file != nil && (!cfg.File.Enabled || s.file.Filename != path) {
		_ = s.file.Close()
		s.file = nil
	}

	writers := make([]io.Writer, 0, 3)
	if cfg.Console {
		writers = append(writers, newConsoleWriter(Stdout()))
	}
	if cfg.File.Enabled {
		if s.file == nil {
			s.file = &lumberjack.Logger{Filename: path}
		}
		s.file.MaxSize = cfg.File.MaxSizeMB
		s.file.MaxBackups = cfg.File.MaxBackups
		s.file.MaxAge = cfg.File.MaxAgeDays
		s.file.Compress = cfg.File.Compress
		writers = append(writers, zerolog.SyncWriter(s.file))
	}
	if s.extra != nil {
		writers = append(writers, s.extra)
	}
	if len(writers) == 0 {
		writers = append(writers, newConsoleWriter(Stdout()))
	}

	s.cfg = cfg
	lvl := ParseLevel(cfg.Level, zerolog.InfoLevel)
	s.root.Store(zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(lvl).With().Timestamp().Logger())
}

// Close releases the file sink. Loggers keep working on the remaining sinks.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
