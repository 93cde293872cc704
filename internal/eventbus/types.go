package eventbus

// Event types published by the core. Plugins may publish their own types
// under "plugin.<name>.".
const (
	SchedulerPhase      = "scheduler.phase"
	SchedulerCancel     = "scheduler.cancel"
	SchedulerReschedule = "scheduler.reschedule"
	DispatchStarted     = "dispatch.started"
	DispatchFailed      = "dispatch.failed"
	DispatchFinished    = "dispatch.finished"
	DispatchSkipped     = "dispatch.skipped"
	WriterRecord        = "writer.record"
	PluginLoaded        = "plugin.loaded"
	PluginFailed        = "plugin.failed"
	ConfigReloaded      = "config.reloaded"
	ConfigRejected      = "config.rejected"
)
