package notify

import (
	"context"
	"errors"
	"time"

	"labreserve/internal/config"
	"labreserve/internal/domain"
	"labreserve/internal/events"
	"labreserve/internal/metrics"

	"github.com/rs/zerolog"
)

// ErrQueueFull is reported when a notification is dropped because the dispatcher is saturated.
var ErrQueueFull = errors.New("notification queue full")

// Sink delivers a notification to one external channel.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, n Notification) error
}

// Dispatcher fans lifecycle events out to sinks on a background goroutine.
// Delivery never feeds back into reservation state.
type Dispatcher struct {
	sinks   []Sink
	labs    domain.LabCatalog
	queue   chan Notification
	timeout time.Duration
	logger  *zerolog.Logger
}

func NewDispatcher(labs domain.LabCatalog, cfg config.NotificationsConfig, logger *zerolog.Logger, sinks ...Sink) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "notify").Logger()
	return &Dispatcher{
		sinks:   sinks,
		labs:    labs,
		queue:   make(chan Notification, cfg.QueueSize),
		timeout: cfg.Timeout,
		logger:  &l,
	}
}

// Subscribe registers the dispatcher for every lifecycle event on the bus.
func (d *Dispatcher) Subscribe(bus *events.EventBus) {
	bus.Subscribe(d.handleEvent, events.LifecycleEvents...)
}

func (d *Dispatcher) handleEvent(e *events.Event) error {
	d.Notify(context.Background(), e)
	return nil
}

// Notify enqueues the event for delivery and returns immediately.
func (d *Dispatcher) Notify(ctx context.Context, e *events.Event) {
	if len(d.sinks) == 0 {
		return
	}
	n, err := NewNotification(e, d.labs)
	if err != nil {
		d.logger.Error().Err(err).Str("event_type", e.Type).Msg("cannot render notification")
		return
	}

	select {
	case d.queue <- n:
	case <-ctx.Done():
	default:
		metrics.IncNotificationFailure("queue")
		d.logger.Warn().Err(ErrQueueFull).
			Str("event_type", n.Type).
			Int64("reservation_id", n.Reservation.ReservationID).
			Msg("notification dropped")
	}
}

// Start delivers queued notifications until ctx is cancelled, then drains what is left.
func (d *Dispatcher) Start(ctx context.Context) {
	for {
		select {
		case n := <-d.queue:
			d.deliver(n)
		case <-ctx.Done():
			for {
				select {
				case n := <-d.queue:
					d.deliver(n)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(n Notification) {
	for _, sink := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := deliverSafe(ctx, sink, n)
		cancel()
		if err != nil {
			metrics.IncNotificationFailure(sink.Name())
			d.logger.Error().Err(err).
				Str("sink", sink.Name()).
				Str("event_type", n.Type).
				Int64("reservation_id", n.Reservation.ReservationID).
				Msg("notification delivery failed")
			continue
		}
		d.logger.Debug().
			Str("sink", sink.Name()).
			Str("event_type", n.Type).
			Int64("reservation_id", n.Reservation.ReservationID).
			Msg("notification delivered")
	}
}

func deliverSafe(ctx context.Context, sink Sink, n Notification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("sink panicked")
		}
	}()
	return sink.Deliver(ctx, n)
}
