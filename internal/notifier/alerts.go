package notifier

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"reportd/internal/eventbus"
	kit "reportd/internal/transport"
	logx "reportd/pkg/logx"
)

// Notifier is what Alerts sends through.
type Notifier interface {
	Notify(ctx context.Context, n kit.Notification) error
}

// Alerts turns degraded and failed firings on the bus into operator
// notifications. It stays quiet until a target chat is set.
type Alerts struct {
	log logx.Logger
	n   Notifier

	mu     sync.Mutex
	target kit.ChatTarget
}

func NewAlerts(n Notifier, log logx.Logger) *Alerts {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Alerts{n: n, log: log.With(logx.String("comp", "alerts"))}
}

// SetTarget changes the destination chat. A zero ChatID disables alerts.
func (a *Alerts) SetTarget(t kit.ChatTarget) {
	a.mu.Lock()
	a.target = t
	a.mu.Unlock()
}

// Run consumes bus events until ctx is done or the channel closes.
func (a *Alerts) Run(ctx context.Context, events <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-events:
			if !ok {
				return nil
			}
			a.handle(ctx, e)
		}
	}
}

func (a *Alerts) handle(ctx context.Context, e eventbus.Event) {
	if e.Type != eventbus.TypeFiringDegraded && e.Type != eventbus.TypeFiringFailed {
		return
	}
	fe, ok := e.Data.(eventbus.FiringEvent)
	if !ok {
		return
	}
	a.mu.Lock()
	target := a.target
	a.mu.Unlock()
	if target.ChatID == 0 {
		return
	}

	prio := 7
	if e.Type == eventbus.TypeFiringFailed {
		prio = 9
	}
	err := a.n.Notify(ctx, kit.Notification{
		Channel:  "telegram",
		Priority: prio,
		Target:   target,
		Text:     FormatFiring(fe),
		Options:  &kit.SendOptions{DisablePreview: true},
	})
	if err != nil {
		a.log.Debug("alert not queued", logx.String("job", fe.JobID), logx.Err(err))
	}
}

// FormatFiring renders the alert text for one firing outcome.
func FormatFiring(fe eventbus.FiringEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Report %s: %s\n", fe.Status, fe.JobID)
	if fe.Dataset != "" {
		fmt.Fprintf(&b, "Dataset: %s\n", fe.Dataset)
	}
	fmt.Fprintf(&b, "Fired at: %s\n", fe.FiredAt.Format(time.RFC3339))
	if fe.Succeeded+fe.Failed > 0 {
		fmt.Fprintf(&b, "Recipients: %d delivered, %d failed\n", fe.Succeeded, fe.Failed)
	}
	if fe.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", fe.Error)
	}
	return strings.TrimRight(b.String(), "\n")
}
