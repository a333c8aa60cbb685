package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "taskpulse/pkg/logx"
)

// sdNotifier reports lifecycle state to systemd. Outside systemd every call is
// a no-op.
type sdNotifier struct {
	log      logx.Logger
	notify   func(state string) (bool, error)
	watchdog func() (time.Duration, error)
}

func newSDNotifier(log logx.Logger) *sdNotifier {
	return &sdNotifier{
		log:      log,
		notify:   func(state string) (bool, error) { return daemon.SdNotify(false, state) },
		watchdog: func() (time.Duration, error) { return daemon.SdWatchdogEnabled(false) },
	}
}

func (n *sdNotifier) send(state string) {
	sent, err := n.notify(state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.log.Debug("sd_notify", logx.String("state", state))
	}
}

func (n *sdNotifier) Ready()    { n.send(daemon.SdNotifyReady) }
func (n *sdNotifier) Stopping() { n.send(daemon.SdNotifyStopping) }

// Watchdog pings systemd at half the configured WatchdogSec until ctx ends.
// It returns at once when the unit has no watchdog.
func (n *sdNotifier) Watchdog(ctx context.Context) {
	every, err := n.watchdog()
	if err != nil {
		n.log.Warn("watchdog lookup failed", logx.Err(err))
		return
	}
	if every <= 0 {
		return
	}
	every /= 2
	n.log.Info("systemd watchdog enabled", logx.Duration("interval", every))

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
