package config

import (
	"reflect"
	"sort"
	"strings"

	logx "warden/pkg/logx"
)

// SummarizeConfigChange returns the changed sections, log fields describing
// the new values (tokens are never included) and the plugins whose enabled
// flag or config changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var changed []string
	var attrs []logx.Field

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		)
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.poll_interval", newCfg.Scheduler.PollInterval),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
		)
	}
	if oldCfg.Dispatcher != newCfg.Dispatcher {
		changed = append(changed, "dispatcher")
		attrs = append(attrs,
			logx.String("dispatcher.timeout", newCfg.Dispatcher.Timeout),
			logx.String("dispatcher.overlap", newCfg.Dispatcher.Overlap),
			logx.Int("dispatcher.retry_max", newCfg.Dispatcher.RetryMax),
		)
	}
	if !reflect.DeepEqual(oldCfg.Writer, newCfg.Writer) {
		changed = append(changed, "writer")
		attrs = append(attrs,
			logx.Int("writer.queue_size", newCfg.Writer.QueueSize),
			logx.Strings("writer.sinks", newCfg.Writer.Sinks),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	oh, nh := oldCfg.HTTP, newCfg.HTTP
	if oh.Enabled != nh.Enabled || strings.TrimSpace(oh.Addr) != strings.TrimSpace(nh.Addr) ||
		oh.AllowInsecure != nh.AllowInsecure || oh.Pprof != nh.Pprof ||
		oh.ReadTimeout != nh.ReadTimeout || oh.IdleTimeout != nh.IdleTimeout ||
		oh.Token != nh.Token {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", nh.Enabled),
			logx.String("http.addr", strings.TrimSpace(nh.Addr)),
			logx.Bool("http.token_set", strings.TrimSpace(nh.Token) != ""),
			logx.Bool("http.pprof", nh.Pprof),
		)
	}

	plugins := changedPlugins(oldCfg.Plugins, newCfg.Plugins)
	if len(plugins) > 0 {
		changed = append(changed, "plugins")
		attrs = append(attrs, logx.Strings("plugins.changed", plugins))
	}
	return changed, attrs, plugins
}

func changedPlugins(oldP, newP map[string]PluginConfigRaw) []string {
	names := map[string]struct{}{}
	for n := range oldP {
		names[n] = struct{}{}
	}
	for n := range newP {
		names[n] = struct{}{}
	}
	var out []string
	for n := range names {
		o, oOK := oldP[n]
		p, nOK := newP[n]
		if oOK != nOK || o.Enabled != p.Enabled || CanonicalHash(o.Config) != CanonicalHash(p.Config) {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}
