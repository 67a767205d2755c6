// Package notify raises desktop notifications for streaming failures.
//
// Notifications are best-effort: delivery errors are logged and never
// propagated to the caller.
package notify

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/beeep"
)

// DefaultTitle is the notification title used by [New].
const DefaultTitle = "radiocast"

// Notifier sends desktop notifications while enabled.
// All methods are safe for concurrent use.
type Notifier struct {
	title   string
	enabled atomic.Bool
	send    func(title, message string) error
	wg      sync.WaitGroup
}

// Option configures a [Notifier].
type Option func(*Notifier)

// WithTitle overrides [DefaultTitle].
func WithTitle(title string) Option {
	return func(n *Notifier) { n.title = title }
}

// WithSender replaces the desktop backend, e.g. to log or record messages.
func WithSender(send func(title, message string) error) Option {
	return func(n *Notifier) { n.send = send }
}

// New creates a Notifier. Disabled notifiers drop every message.
func New(enabled bool, opts ...Option) *Notifier {
	n := &Notifier{
		title: DefaultTitle,
		send:  func(title, message string) error { return beeep.Notify(title, message, "") },
	}
	for _, o := range opts {
		o(n)
	}
	n.enabled.Store(enabled)
	return n
}

// SetEnabled toggles delivery. Used on config hot-reload.
func (n *Notifier) SetEnabled(enabled bool) { n.enabled.Store(enabled) }

// Enabled reports whether messages are delivered.
func (n *Notifier) Enabled() bool { return n.enabled.Load() }

// Notify delivers message asynchronously. It returns immediately.
func (n *Notifier) Notify(message string) {
	if !n.enabled.Load() || message == "" {
		return
	}
	n.wg.Go(func() {
		if err := n.send(n.title, message); err != nil {
			slog.Debug("notify: delivery failed", "err", err)
		}
	})
}

// Wait blocks until every pending notification has been attempted.
func (n *Notifier) Wait() { n.wg.Wait() }
