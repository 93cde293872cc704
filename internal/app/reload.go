package app

import (
	"context"
	"slices"
	"strings"

	"warden/internal/config"
	logx "warden/pkg/logx"
)

// validateReload runs after config.Validate and rejects values the live
// components could not be mapped to.
func validateReload(_ context.Context, cfg *config.Config) error {
	if _, err := mapEngine(cfg); err != nil {
		return err
	}
	if _, err := mapHTTP(cfg); err != nil {
		return err
	}
	_, err := mapScheduler(cfg)
	return err
}

// restartOnly lists sections that are read once at startup.
var restartOnly = []string{"scheduler", "storage", "plugins"}

func (a *App) startReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: apply only the newest config.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
}

// applyConfig hot-applies logging, dispatcher, writer and http settings.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs, plugins := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)
	if len(plugins) > 0 {
		a.log.Debug("plugin config changes detected", logx.Strings("plugins", plugins))
	}

	for _, s := range sections {
		if slices.Contains(restartOnly, s) {
			a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLogging(next))

	if ec, err := mapEngine(next); err != nil {
		a.log.Warn("invalid dispatcher config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ec)
	}
	a.writer.Apply(mapWriter(next))

	if hc, err := mapHTTP(next); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		a.http.Reconfigure(ctx, hc)
	}

	a.log.Info("config reloaded", fields...)
}
