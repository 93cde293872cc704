package main

import (
	"warden/internal/plugin"
	"warden/plugins/authlog"
	"warden/plugins/filewatch"
	"warden/plugins/heartbeat"
)

type registerFunc func(pm *plugin.Manager) error

// registerBuiltins registers the bundled plugins. Each stays idle unless
// enabled under plugins.<name> in the config.
func registerBuiltins(pm *plugin.Manager) error {
	for _, p := range []plugin.Plugin{
		heartbeat.New(),
		filewatch.New(),
		authlog.New(),
	} {
		if err := pm.Register(p); err != nil {
			return err
		}
	}
	return nil
}
