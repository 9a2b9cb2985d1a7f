package service

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/HiroseKakeru/mqtt-telemetry/pkg/mqtt"
)

// Subscriber is the part of the session the receive loop needs.
type Subscriber interface {
	Subscribe(ctx context.Context, in mqtt.SubscriptionIntent) ([]mqtt.ReasonCode, error)
	Receive(ctx context.Context) (mqtt.Message, error)
}

// MessageHandler consumes one delivered message. It runs on the receive
// loop's goroutine.
type MessageHandler func(mqtt.Message)

// Subscribe issues the intent once and reports whether the subscription
// was established. Failures are logged, never retried here.
func Subscribe(ctx context.Context, s Subscriber, in mqtt.SubscriptionIntent, logger *slog.Logger) bool {
	if logger == nil {
		logger = slog.Default()
	}

	codes, err := s.Subscribe(ctx, in)
	if err != nil {
		logger.Error("subscribe error occurred", "filter", in.Filter, "error", err)
		return false
	}
	if len(codes) == 0 {
		logger.Error("subscribe returned no reason codes", "filter", in.Filter)
		return false
	}

	logger.Info("result of subscribe request", "filter", in.Filter, "result", codes[0].String())
	return codes[0].Granted()
}

// State is the position of a Receiver in its lifecycle.
type State int32

const (
	NotSubscribed State = iota
	Subscribing
	Receiving
	Terminated
)

func (s State) String() string {
	switch s {
	case NotSubscribed:
		return "not_subscribed"
	case Subscribing:
		return "subscribing"
	case Receiving:
		return "receiving"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

const (
	defaultResubscribeInterval = time.Second
	defaultResubscribeBurst    = 3
)

// Receiver subscribes once and then hands every delivered message to its
// handler. When the session reports that the broker lost the session
// state it re-issues the same intent before receiving again.
type Receiver struct {
	session Subscriber
	intent  mqtt.SubscriptionIntent
	handler MessageHandler
	limiter *rate.Limiter
	logger  *slog.Logger

	state        atomic.Int32
	resubscribes atomic.Int64
	received     atomic.Int64
}

type ReceiverOption func(*Receiver)

// WithResubscribeLimit paces re-subscriptions to one per every, allowing
// burst in a row. every <= 0 disables pacing.
func WithResubscribeLimit(every time.Duration, burst int) ReceiverOption {
	return func(r *Receiver) {
		if burst < 1 {
			burst = 1
		}
		limit := rate.Inf
		if every > 0 {
			limit = rate.Every(every)
		}
		r.limiter = rate.NewLimiter(limit, burst)
	}
}

func WithLogger(logger *slog.Logger) ReceiverOption {
	return func(r *Receiver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func NewReceiver(session Subscriber, intent mqtt.SubscriptionIntent, handler MessageHandler, opts ...ReceiverOption) *Receiver {
	r := &Receiver{
		session: session,
		intent:  intent,
		handler: handler,
		limiter: rate.NewLimiter(rate.Every(defaultResubscribeInterval), defaultResubscribeBurst),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("filter", intent.Filter)
	return r
}

// Run drives the subscribe-and-receive state machine until the
// subscription cannot be (re-)established, the session ends, or ctx is
// done. All of these are normal terminations and return nil.
func (r *Receiver) Run(ctx context.Context) error {
	defer r.setState(Terminated)

	r.setState(Subscribing)
	if !Subscribe(ctx, r.session, r.intent, r.logger) {
		r.logger.Warn("subscription not established, not receiving")
		return nil
	}
	r.setState(Receiving)

	for {
		msg, err := r.session.Receive(ctx)
		switch {
		case err == nil:
			if !mqtt.MatchFilter(r.intent.Filter, msg.Topic) {
				r.logger.Debug("message outside subscription filter dropped", "topic", msg.Topic)
				continue
			}
			r.received.Add(1)
			r.handler(msg)

		case errors.Is(err, mqtt.ErrSessionExpired):
			r.setState(Subscribing)
			r.logger.Info("session expired, re-subscribing")
			if err := r.limiter.Wait(ctx); err != nil {
				r.logger.Info("receive loop stopped while waiting to re-subscribe", "error", err)
				return nil
			}
			r.resubscribes.Add(1)
			if !Subscribe(ctx, r.session, r.intent, r.logger) {
				r.logger.Warn("re-subscription failed, receive loop terminated")
				return nil
			}
			r.setState(Receiving)

		default:
			r.logger.Info("receive loop terminated", "error", err)
			return nil
		}
	}
}

func (r *Receiver) setState(s State) {
	r.state.Store(int32(s))
}

func (r *Receiver) State() State {
	return State(r.state.Load())
}

// Resubscribes counts re-subscriptions issued after session expiry.
func (r *Receiver) Resubscribes() int64 {
	return r.resubscribes.Load()
}

// Received counts messages handed to the handler.
func (r *Receiver) Received() int64 {
	return r.received.Load()
}
