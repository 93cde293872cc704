package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	validOverlap = map[string]bool{"": true, "allow": true, "skip": true, "skip_if_running": true}
	validDriver  = map[string]bool{"": true, "memory": true, "file": true, "sqlite": true}
	validSink    = map[string]bool{"log": true, "store": true, "bus": true}
	validLevel   = map[string]bool{"": true, "trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}
)

// Validate checks every section and returns all problems joined.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	check := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if !validLevel[strings.ToLower(strings.TrimSpace(cfg.Logging.Level))] {
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add(errors.New("logging.file.path: required when file logging is enabled"))
	}

	check("scheduler.poll_interval", cfg.Scheduler.PollInterval)
	check("scheduler.shutdown_timeout", cfg.Scheduler.ShutdownTimeout)
	_, err := LoadLocation("scheduler.timezone", cfg.Scheduler.Timezone)
	add(err)

	check("dispatcher.timeout", cfg.Dispatcher.Timeout)
	check("dispatcher.retry_base", cfg.Dispatcher.RetryBase)
	check("dispatcher.retry_max_delay", cfg.Dispatcher.RetryMaxDelay)
	if !validOverlap[strings.TrimSpace(cfg.Dispatcher.Overlap)] {
		add(fmt.Errorf("dispatcher.overlap: unknown policy %q", cfg.Dispatcher.Overlap))
	}
	if cfg.Dispatcher.HistorySize < 0 || cfg.Dispatcher.RetryMax < 0 {
		add(errors.New("dispatcher: history_size and retry_max must be >= 0"))
	}

	if cfg.Writer.QueueSize < 0 || cfg.Writer.Burst < 0 || cfg.Writer.RatePerSec < 0 {
		add(errors.New("writer: queue_size, rate_per_sec and burst must be >= 0"))
	}
	for _, s := range cfg.Writer.Sinks {
		if !validSink[strings.TrimSpace(s)] {
			add(fmt.Errorf("writer.sinks: unknown sink %q", s))
		}
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if !validDriver[driver] {
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	if (driver == "file" || driver == "sqlite") && strings.TrimSpace(cfg.Storage.Path) == "" {
		add(fmt.Errorf("storage.path: required for driver %q", driver))
	}
	check("storage.busy_timeout", cfg.Storage.BusyTimeout)

	if cfg.HTTP.Enabled {
		add(ValidateHTTP(cfg.HTTP))
	}
	return errors.Join(errs...)
}

// DefaultHTTPAddr is used when http.addr is empty.
const DefaultHTTPAddr = "127.0.0.1:9180"

// ValidateHTTP rejects an unauthenticated listener on a non-loopback address.
func ValidateHTTP(h HTTPConfig) error {
	var errs []error
	addr := strings.TrimSpace(h.Addr)
	if addr == "" {
		addr = DefaultHTTPAddr
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		errs = append(errs, fmt.Errorf("http.addr: %w", err))
	} else if !IsLoopbackHost(host) && strings.TrimSpace(h.Token) == "" && !h.AllowInsecure {
		errs = append(errs, fmt.Errorf("http.addr: %q is not loopback; set http.token or http.allow_insecure", addr))
	}
	if _, err := ParseDurationField("http.read_timeout", h.ReadTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("http.idle_timeout", h.IdleTimeout); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// IsLoopbackHost reports whether host only binds locally. An empty host
// listens on every interface.
func IsLoopbackHost(host string) bool {
	host = strings.Trim(strings.TrimSpace(host), "[]")
	if host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
