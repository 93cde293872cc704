package app

import (
	"strings"
	"time"

	"warden/internal/config"
	"warden/internal/observability/server"
	"warden/internal/storage"
	"warden/internal/task/engine"
	"warden/internal/task/scheduler"
	"warden/internal/writer"
	logx "warden/pkg/logx"
)

const (
	defaultHistorySize   = 200
	defaultRetryBase     = 500 * time.Millisecond
	defaultRetryMaxDelay = 30 * time.Second
	defaultBusyTimeout   = 5 * time.Second
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled:    cfg.Logging.File.Enabled,
			Path:       cfg.Logging.File.Path,
			MaxSizeMB:  cfg.Logging.File.MaxSizeMB,
			MaxBackups: cfg.Logging.File.MaxBackups,
			MaxAgeDays: cfg.Logging.File.MaxAgeDays,
			Compress:   cfg.Logging.File.Compress,
		},
	}
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, defaultBusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: busy,
	}, nil
}

func mapEngine(cfg *config.Config) (engine.Config, error) {
	d := cfg.Dispatcher
	timeout, err := config.ParseDurationOrDefault("dispatcher.timeout", d.Timeout, 0)
	if err != nil {
		return engine.Config{}, err
	}
	base, err := config.ParseDurationOrDefault("dispatcher.retry_base", d.RetryBase, defaultRetryBase)
	if err != nil {
		return engine.Config{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("dispatcher.retry_max_delay", d.RetryMaxDelay, defaultRetryMaxDelay)
	if err != nil {
		return engine.Config{}, err
	}
	history := d.HistorySize
	if history <= 0 {
		history = defaultHistorySize
	}
	return engine.Config{
		Timeout:       timeout,
		Overlap:       engine.ParseOverlap(strings.ToLower(strings.TrimSpace(d.Overlap))),
		RetryMax:      d.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		HistorySize:   history,
	}, nil
}

func mapScheduler(cfg *config.Config) (scheduler.Config, error) {
	s := cfg.Scheduler
	poll, err := config.ParseDurationOrDefault("scheduler.poll_interval", s.PollInterval, scheduler.DefaultPollInterval)
	if err != nil {
		return scheduler.Config{}, err
	}
	loc, err := config.LoadLocation("scheduler.timezone", s.Timezone)
	if err != nil {
		return scheduler.Config{}, err
	}
	shutdown, err := config.ParseDurationOrDefault("scheduler.shutdown_timeout", s.ShutdownTimeout, 0)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{PollInterval: poll, Location: loc, ShutdownTimeout: shutdown}, nil
}

func mapWriter(cfg *config.Config) writer.Config {
	w := cfg.Writer
	return writer.Config{
		QueueSize:  w.QueueSize,
		RatePerSec: w.RatePerSec,
		Burst:      w.Burst,
		Sinks:      append([]string(nil), w.Sinks...),
	}
}

func mapHTTP(cfg *config.Config) (server.Config, error) {
	h := cfg.HTTP
	read, err := config.ParseDurationOrDefault("http.read_timeout", h.ReadTimeout, 10*time.Second)
	if err != nil {
		return server.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("http.idle_timeout", h.IdleTimeout, 60*time.Second)
	if err != nil {
		return server.Config{}, err
	}
	return server.Config{
		Enabled:       h.Enabled,
		Addr:          strings.TrimSpace(h.Addr),
		Token:         strings.TrimSpace(h.Token),
		AllowInsecure: h.AllowInsecure,
		Pprof:         h.Pprof,
		ReadTimeout:   read,
		IdleTimeout:   idle,
	}, nil
}
