package systemdmanager

import (
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// The notify helpers report whether a notification was sent. Without
// NOTIFY_SOCKET (not started by systemd) they are no-ops returning false, nil.

func NotifyReady() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyReady) }

func NotifyStopping() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyStopping) }

func NotifyWatchdog() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyWatchdog) }

func NotifyStatus(msg string) (bool, error) { return daemon.SdNotify(false, "STATUS="+msg) }

// WatchdogInterval returns half the configured watchdog timeout, the
// recommended ping cadence. ok is false when the watchdog is off.
func WatchdogInterval() (d time.Duration, ok bool, err error) {
	timeout, err := daemon.SdWatchdogEnabled(false)
	if err != nil || timeout <= 0 {
		return 0, false, err
	}
	return timeout / 2, true, nil
}
