package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"
)

const (
	defaultConnectTimeout    = 7 * time.Second
	defaultConnectRetryDelay = 10 * time.Second
	defaultPacketTimeout     = 30 * time.Second
	defaultDisconnectTimeout = 5 * time.Second
	defaultSubscribeRetry    = time.Second
	clientIDSuffixLen        = 12

	payloadFormatUTF8 byte = 1
	textContentType        = "text/plain; charset=utf-8"
)

// Config describes the broker endpoint and session parameters.
type Config struct {
	BrokerURL         string
	ClientID          string
	KeepAlive         uint16
	SessionExpiry     uint32
	CleanStart        bool
	ConnectTimeout    time.Duration
	ConnectRetryDelay time.Duration
	PacketTimeout     time.Duration
	DisconnectTimeout time.Duration

	SubscribeRetryDelay time.Duration
}

func (cfg *Config) setDefaults() {
	if cfg.ClientID == "" {
		cfg.ClientID = ClientID("telemetry")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.ConnectRetryDelay <= 0 {
		cfg.ConnectRetryDelay = defaultConnectRetryDelay
	}
	if cfg.PacketTimeout <= 0 {
		cfg.PacketTimeout = defaultPacketTimeout
	}
	if cfg.DisconnectTimeout <= 0 {
		cfg.DisconnectTimeout = defaultDisconnectTimeout
	}
	if cfg.SubscribeRetryDelay <= 0 {
		cfg.SubscribeRetryDelay = defaultSubscribeRetry
	}
}

// ClientID returns prefix followed by a random suffix so that several
// processes sharing a prefix do not take over each other's session.
func ClientID(prefix string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:clientIDSuffixLen]
	if prefix == "" {
		return suffix
	}
	return prefix + "-" + suffix
}

// Client is the session handle shared by every task of the process. All
// methods are safe for concurrent use; paho serialises the packets.
type Client struct {
	cfg    Config
	logger *slog.Logger
	cm     *autopaho.ConnectionManager

	// ctx bounds the session lifetime. Cancel and the end of Run cancel it.
	ctx    context.Context
	cancel context.CancelFunc

	inbox       chan Message
	expired     chan struct{}
	disconnect  chan struct{}
	stopOnce    sync.Once
	cancelled   atomic.Bool
	connections atomic.Int64
}

// Dial starts the connection manager and returns immediately. The
// connection is established and re-established in the background; call
// Run to supervise it.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.setDefaults()

	server, err := url.Parse(cfg.BrokerURL)
	if err != nil {
		return nil, fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	c := &Client{
		cfg:        cfg,
		logger:     logger.With("client_id", cfg.ClientID),
		inbox:      make(chan Message),
		expired:    make(chan struct{}, 1),
		disconnect: make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))

	cliCfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{server},
		KeepAlive:                     cfg.KeepAlive,
		ConnectRetryDelay:             cfg.ConnectRetryDelay,
		ConnectTimeout:                cfg.ConnectTimeout,
		CleanStartOnInitialConnection: cfg.CleanStart,
		SessionExpiryInterval:         cfg.SessionExpiry,
		OnConnectionUp:                c.onConnectionUp,
		OnConnectError:                func(err error) { c.logger.Warn("mqtt connection error", "error", err) },
		ClientConfig: paho.ClientConfig{
			ClientID:          cfg.ClientID,
			PacketTimeout:     cfg.PacketTimeout,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){c.onPublishReceived},
			OnClientError:     func(err error) { c.logger.Warn("mqtt client error", "error", err) },
			OnServerDisconnect: func(d *paho.Disconnect) {
				if d.Properties != nil {
					c.logger.Info("server requested disconnect", "reason", d.Properties.ReasonString, "reason_code", d.ReasonCode)
				} else {
					c.logger.Info("server requested disconnect", "reason_code", d.ReasonCode)
				}
			},
		},
	}

	if server.Scheme == "mqtts" || server.Scheme == "ssl" {
		cliCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(c.ctx, cliCfg)
	if err != nil {
		c.cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	c.cm = cm
	return c, nil
}

// Run supervises the session until the connection manager stops, a
// graceful disconnect is requested, or ctx is done. The terminal status is
// logged; transport failures are not returned as errors.
func (c *Client) Run(ctx context.Context) error {
	defer c.cancel()

	var status error
	select {
	case <-c.cm.Done():
		status = ErrSessionClosed
		if c.cancelled.Load() {
			status = ErrCancelled
		}
	case <-c.disconnect:
		dctx, cancel := context.WithTimeout(context.Background(), c.cfg.DisconnectTimeout)
		status = c.cm.Disconnect(dctx)
		cancel()
	case <-ctx.Done():
		status = ctx.Err()
	}

	c.cancel()
	<-c.cm.Done()

	if status == nil {
		c.logger.Info("client finished", "status", "disconnected")
	} else {
		c.logger.Info("client finished", "status", status.Error())
	}
	return nil
}

// Done is closed once the connection manager has stopped.
func (c *Client) Done() <-chan struct{} {
	return c.cm.Done()
}

// AwaitConnection blocks until the broker connection is up or ctx ends.
func (c *Client) AwaitConnection(ctx context.Context) error {
	ctx, cancel := c.opContext(ctx)
	defer cancel()
	if err := c.cm.AwaitConnection(ctx); err != nil {
		return c.opErr(err)
	}
	return nil
}

// Cancel abandons every pending and future operation and stops the
// connection manager without a DISCONNECT packet. Calling it more than
// once is a no-op.
func (c *Client) Cancel() {
	c.cancelled.Store(true)
	c.cancel()
}

// Disconnect asks Run to send a DISCONNECT and shut the session down.
// It does not wait; calling it more than once is a no-op.
func (c *Client) Disconnect() {
	c.stopOnce.Do(func() { close(c.disconnect) })
}

// Subscribe issues a SUBSCRIBE for the intent and waits for the SUBACK.
// It waits for the connection first, so it can be called right after Dial.
// A SUBSCRIBE lost with the connection, or left unanswered, is sent again
// once the connection is back. It fails only for an invalid intent, an
// answer from the broker that refuses the subscription, the end of the
// session or ctx.
func (c *Client) Subscribe(ctx context.Context, in SubscriptionIntent) ([]ReasonCode, error) {
	if err := ValidateIntent(in); err != nil {
		return nil, err
	}

	ctx, cancel := c.opContext(ctx)
	defer cancel()
	sub := &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{
			Topic:             in.Filter,
			QoS:               byte(in.QoS),
			NoLocal:           in.NoLocal,
			RetainAsPublished: in.RetainAsPublished,
			RetainHandling:    byte(in.RetainHandling),
		}},
	}

	for attempt := 1; ; attempt++ {
		if err := c.cm.AwaitConnection(ctx); err != nil {
			return nil, c.opErr(err)
		}

		suback, err := c.cm.Subscribe(ctx, sub)
		codes := reasonCodes(suback)
		if err == nil {
			return codes, nil
		}
		if !resendable(ctx, suback, err) {
			return codes, c.opErr(err)
		}

		c.logger.Warn("subscribe interrupted, sending again once connected",
			"filter", in.Filter, "attempt", attempt, "error", err)
		if err := sleepCtx(ctx, c.cfg.SubscribeRetryDelay); err != nil {
			return nil, c.opErr(err)
		}
	}
}

// resendable reports whether a failed SUBSCRIBE was lost in transport
// rather than refused.
func resendable(ctx context.Context, suback *paho.Suback, err error) bool {
	switch {
	case suback != nil:
		return false
	case ctx.Err() != nil:
		return false
	case errors.Is(err, paho.ErrInvalidArguments):
		return false
	}
	return true
}

func reasonCodes(suback *paho.Suback) []ReasonCode {
	if suback == nil {
		return nil
	}
	codes := make([]ReasonCode, 0, len(suback.Reasons))
	for _, r := range suback.Reasons {
		codes = append(codes, ReasonCode(r))
	}
	return codes
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Publish sends one application message. For QoS 1 and 2 it waits for the
// broker acknowledgement.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, qos QoS, retain bool) error {
	if err := ValidateTopic(topic); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTopic, err)
	}

	ctx, cancel := c.opContext(ctx)
	defer cancel()
	res, err := c.cm.Publish(ctx, &paho.Publish{
		QoS:        byte(qos),
		Retain:     retain,
		Topic:      topic,
		Properties: publishProperties(payload),
		Payload:    payload,
	})
	if err != nil {
		return c.opErr(err)
	}
	if res != nil && res.ReasonCode >= 0x80 {
		return fmt.Errorf("publish to %s rejected: reason code 0x%02X", topic, res.ReasonCode)
	}
	c.logger.Debug("published message", "topic", topic, "qos", qos.String(), "retain", retain)
	return nil
}

// publishProperties marks UTF-8 payloads as text so receivers can tell
// them from binary data.
func publishProperties(payload []byte) *paho.PublishProperties {
	if !utf8.Valid(payload) {
		return nil
	}
	format := payloadFormatUTF8
	return &paho.PublishProperties{
		ContentType:   textContentType,
		PayloadFormat: &format,
	}
}

// Receive returns the next delivered message. It returns ErrSessionExpired
// when the session was re-established without the previous state.
func (c *Client) Receive(ctx context.Context) (Message, error) {
	select {
	case <-c.expired:
		return Message{}, ErrSessionExpired
	default:
	}

	select {
	case m := <-c.inbox:
		return m, nil
	case <-c.expired:
		return Message{}, ErrSessionExpired
	case <-c.ctx.Done():
		return Message{}, c.closedErr()
	case <-c.cm.Done():
		return Message{}, c.closedErr()
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Connections returns how many times the session has come up.
func (c *Client) Connections() int64 {
	return c.connections.Load()
}

func (c *Client) onConnectionUp(_ *autopaho.ConnectionManager, connack *paho.Connack) {
	n := c.connections.Add(1)
	c.logger.Info("mqtt connection up", "broker", c.cfg.BrokerURL, "session_present", connack.SessionPresent, "connection", n)
	if n > 1 && !connack.SessionPresent {
		// Pending expiries collapse into one; a single re-subscribe
		// restores the state either way.
		select {
		case c.expired <- struct{}{}:
		default:
		}
	}
}

func (c *Client) onPublishReceived(pr paho.PublishReceived) (bool, error) {
	m := Message{
		Topic:   pr.Packet.Topic,
		Payload: pr.Packet.Payload,
		QoS:     QoS(pr.Packet.QoS),
		Retain:  pr.Packet.Retain,
	}
	select {
	case c.inbox <- m:
		return true, nil
	case <-c.ctx.Done():
		return false, nil
	}
}

// opContext derives a context that also ends when the session ends.
func (c *Client) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (c *Client) opErr(err error) error {
	if c.ctx.Err() != nil {
		return fmt.Errorf("%w: %v", c.closedErr(), err)
	}
	return err
}

func (c *Client) closedErr() error {
	if c.cancelled.Load() {
		return ErrCancelled
	}
	return ErrSessionClosed
}

// IsSessionEnd reports whether err means the session is gone for good.
func IsSessionEnd(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, ErrSessionClosed)
}
