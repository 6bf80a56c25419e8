// Package notify delivers lifecycle events to chat targets in the background.
package notify

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/fgeck/gocheckpoint/internal/metrics"
	"github.com/fgeck/gocheckpoint/internal/models"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

// Sink receives lifecycle events. Notify never blocks and never fails.
type Sink interface {
	Notify(event models.Event)
}

// Target delivers one event to one downstream service.
type Target interface {
	Name() string
	Send(ctx context.Context, event models.Event) error
}

// HTTPClient allows mocking HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Filter selects which event kinds are delivered.
type Filter struct {
	OnFailure        bool
	OnSuccess        bool
	OnConnectionLost bool
}

// FilterFrom builds a Filter from the notification settings.
func FilterFrom(settings models.NotificationSettings) Filter {
	return Filter{
		OnFailure:        settings.OnFailure,
		OnSuccess:        settings.OnSuccess,
		OnConnectionLost: settings.OnConnectionLost,
	}
}

// Allows reports whether events of kind should be delivered.
func (f Filter) Allows(kind models.EventKind) bool {
	switch kind {
	case models.EventBackupFailed, models.EventRestoreFailed:
		return f.OnFailure
	case models.EventBackupSuccess, models.EventRestoreSuccess:
		return f.OnSuccess
	case models.EventConnectionLost:
		return f.OnConnectionLost
	}
	return false
}

// TargetsFrom builds the configured targets.
func TargetsFrom(logger zerolog.Logger, settings models.NotificationSettings) []Target {
	var targets []Target
	if settings.Telegram != nil {
		targets = append(targets, NewTelegram(logger, *settings.Telegram))
	}
	if settings.Discord != nil {
		targets = append(targets, NewDiscord(logger, settings.Discord.URL))
	}
	if settings.Slack != nil {
		targets = append(targets, NewSlack(logger, settings.Slack.URL))
	}
	return targets
}

// Dispatcher is a Sink backed by a bounded queue and a fixed worker pool.
// Delivery is best-effort: a full queue drops the event, target errors and
// panics are logged only.
type Dispatcher struct {
	targets []Target
	filter  Filter
	logger  zerolog.Logger
	timeout time.Duration

	queue chan models.Event
	wg    conc.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// deliveryTimeout bounds one event's fan-out to all targets.
const deliveryTimeout = time.Minute

// NewDispatcher starts workers draining a queue of queueSize events.
func NewDispatcher(logger zerolog.Logger, filter Filter, targets []Target, queueSize, workers int) *Dispatcher {
	if queueSize < 1 {
		queueSize = 1
	}
	if workers < 1 {
		workers = 1
	}

	d := &Dispatcher{
		targets: targets,
		filter:  filter,
		logger:  logger,
		timeout: deliveryTimeout,
		queue:   make(chan models.Event, queueSize),
	}
	for i := 0; i < workers; i++ {
		d.wg.Go(d.work)
	}

	return d
}

// Notify enqueues event for delivery.
func (d *Dispatcher) Notify(event models.Event) {
	if len(d.targets) == 0 || !d.filter.Allows(event.Kind) {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.logger.Warn().Str("event", string(event.Kind)).Msg("notifier closed, dropping event")
		return
	}

	select {
	case d.queue <- event:
	default:
		metrics.RecordNotificationDropped()
		d.logger.Warn().
			Str("event", string(event.Kind)).
			Str("configuration", event.Configuration).
			Msg("notification queue full, dropping event")
	}
}

// Close stops accepting events and waits until queued ones are delivered or
// ctx expires.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) work() {
	for event := range d.queue {
		d.deliver(event)
	}
}

func (d *Dispatcher) deliver(event models.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	for _, target := range d.targets {
		var catcher panics.Catcher
		var err error
		catcher.Try(func() {
			err = target.Send(ctx, event)
		})
		if r := catcher.Recovered(); r != nil {
			err = r.AsError()
		}

		metrics.RecordNotification(target.Name(), err)
		if err != nil {
			d.logger.Error().Err(err).
				Str("target", target.Name()).
				Str("event", string(event.Kind)).
				Msg("failed to send notification")
			continue
		}

		d.logger.Debug().
			Str("target", target.Name()).
			Str("event", string(event.Kind)).
			Msg("notification sent")
	}
}
