package mqtt

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionExpired is returned by Receive when the session reconnected
	// and the broker no longer holds the previous session state, so every
	// subscription has to be issued again.
	ErrSessionExpired = errors.New("mqtt: session expired")
	// ErrCancelled is returned by pending and later operations once Cancel
	// has been called.
	ErrCancelled = errors.New("mqtt: operation cancelled")
	// ErrSessionClosed is returned once the connection manager has stopped.
	ErrSessionClosed = errors.New("mqtt: session closed")
	// ErrInvalidIntent wraps local validation failures of a subscription.
	ErrInvalidIntent = errors.New("mqtt: invalid subscription intent")
	// ErrInvalidTopic wraps local validation failures of a publish topic.
	ErrInvalidTopic = errors.New("mqtt: invalid topic")
)

// QoS is the delivery guarantee level.
type QoS byte

const (
	AtMostOnce  QoS = 0
	AtLeastOnce QoS = 1
	ExactlyOnce QoS = 2
)

func (q QoS) String() string {
	switch q {
	case AtMostOnce:
		return "at_most_once"
	case AtLeastOnce:
		return "at_least_once"
	case ExactlyOnce:
		return "exactly_once"
	default:
		return fmt.Sprintf("qos(%d)", byte(q))
	}
}

// RetainHandling controls whether retained messages are sent when a
// subscription is established.
type RetainHandling byte

const (
	SendRetained      RetainHandling = 0
	SendRetainedIfNew RetainHandling = 1
	DoNotSendRetained RetainHandling = 2
)

// SubscriptionIntent is a topic filter with its delivery options. It is
// submitted verbatim on every (re-)subscription.
type SubscriptionIntent struct {
	Filter            string
	QoS               QoS
	NoLocal           bool
	RetainAsPublished bool
	RetainHandling    RetainHandling
}

// ValidateIntent reports parameter errors that would make the broker
// reject the subscription.
func ValidateIntent(in SubscriptionIntent) error {
	if err := ValidateFilter(in.Filter); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidIntent, err)
	}
	if in.QoS > ExactlyOnce {
		return fmt.Errorf("%w: qos %d out of range", ErrInvalidIntent, in.QoS)
	}
	if in.RetainHandling > DoNotSendRetained {
		return fmt.Errorf("%w: retain handling %d out of range", ErrInvalidIntent, in.RetainHandling)
	}
	if _, _, shared := SplitShared(in.Filter); shared && in.NoLocal {
		return fmt.Errorf("%w: no local is not allowed on a shared subscription", ErrInvalidIntent)
	}
	return nil
}

// ReasonCode is the per-filter outcome carried in a SUBACK.
type ReasonCode byte

// Granted reports whether the broker accepted the subscription at some
// QoS level.
func (r ReasonCode) Granted() bool {
	return r < 0x80
}

var reasonText = map[ReasonCode]string{
	0x00: "granted qos 0",
	0x01: "granted qos 1",
	0x02: "granted qos 2",
	0x80: "unspecified error",
	0x83: "implementation specific error",
	0x87: "not authorized",
	0x8F: "topic filter invalid",
	0x91: "packet identifier in use",
	0x97: "quota exceeded",
	0x9E: "shared subscriptions not supported",
	0xA1: "subscription identifiers not supported",
	0xA2: "wildcard subscriptions not supported",
}

func (r ReasonCode) String() string {
	if s, ok := reasonText[r]; ok {
		return s
	}
	return fmt.Sprintf("reason code 0x%02X", byte(r))
}

// Message is an application message delivered for an established
// subscription.
type Message struct {
	Topic   string
	Payload []byte
	QoS     QoS
	Retain  bool
}
