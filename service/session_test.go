package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/HiroseKakeru/mqtt-telemetry/pkg/mqtt"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type subscribeResult struct {
	codes []mqtt.ReasonCode
	err   error
}

type receiveEvent struct {
	msg mqtt.Message
	err error
}

type publishCall struct {
	at      time.Time
	topic   string
	payload string
	qos     mqtt.QoS
	retain  bool
}

// fakeSession is an in-memory session. Subscribe outcomes are consumed in
// order (granted qos 2 once exhausted); Receive returns queued events.
type fakeSession struct {
	mu      sync.Mutex
	results []subscribeResult
	intents []mqtt.SubscriptionIntent

	subscribed               bool
	receiveCalls             int
	receiveWhileUnsubscribed bool

	events chan receiveEvent

	publishes  []publishCall
	publishErr func(n int) error
	published  chan struct{}
}

func newFakeSession(results ...subscribeResult) *fakeSession {
	return &fakeSession{
		results:   results,
		events:    make(chan receiveEvent, 16),
		published: make(chan struct{}, 1024),
	}
}

func (f *fakeSession) Subscribe(ctx context.Context, in mqtt.SubscriptionIntent) ([]mqtt.ReasonCode, error) {
	if err := mqtt.ValidateIntent(in); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.intents = append(f.intents, in)

	res := subscribeResult{codes: []mqtt.ReasonCode{mqtt.ReasonCode(in.QoS)}}
	if len(f.results) > 0 {
		res, f.results = f.results[0], f.results[1:]
	}
	if res.err == nil && len(res.codes) > 0 && res.codes[0].Granted() {
		f.subscribed = true
	}
	return res.codes, res.err
}

func (f *fakeSession) Receive(ctx context.Context) (mqtt.Message, error) {
	f.mu.Lock()
	f.receiveCalls++
	if !f.subscribed {
		f.receiveWhileUnsubscribed = true
	}
	f.mu.Unlock()

	select {
	case ev := <-f.events:
		if errors.Is(ev.err, mqtt.ErrSessionExpired) {
			f.mu.Lock()
			f.subscribed = false
			f.mu.Unlock()
		}
		return ev.msg, ev.err
	case <-ctx.Done():
		return mqtt.Message{}, ctx.Err()
	}
}

func (f *fakeSession) Publish(ctx context.Context, topic string, payload []byte, qos mqtt.QoS, retain bool) error {
	f.mu.Lock()
	n := len(f.publishes)
	f.publishes = append(f.publishes, publishCall{
		at:      time.Now(),
		topic:   topic,
		payload: string(payload),
		qos:     qos,
		retain:  retain,
	})
	errFn := f.publishErr
	f.mu.Unlock()

	f.published <- struct{}{}
	if errFn != nil {
		return errFn(n)
	}
	return nil
}

func (f *fakeSession) push(msg mqtt.Message, err error) {
	f.events <- receiveEvent{msg: msg, err: err}
}

func (f *fakeSession) snapshot() (intents []mqtt.SubscriptionIntent, receiveCalls int, unsubscribedReceive bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]mqtt.SubscriptionIntent(nil), f.intents...), f.receiveCalls, f.receiveWhileUnsubscribed
}

func (f *fakeSession) publishCalls() []publishCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]publishCall(nil), f.publishes...)
}

func (f *fakeSession) publishesTo(topic string) int {
	n := 0
	for _, p := range f.publishCalls() {
		if p.topic == topic {
			n++
		}
	}
	return n
}
