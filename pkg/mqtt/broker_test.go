package mqtt

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/packets"
)

type subscribeAction int

const (
	answerSubscribe subscribeAction = iota
	hangUpOnSubscribe
	ignoreSubscribe
)

// testBroker speaks just enough MQTT 5 for one client: CONNACK, SUBACK,
// PUBACK and PINGRESP. onSubscribe decides what happens to the n-th
// SUBSCRIBE (counted from 1) arriving on connection conn.
type testBroker struct {
	ln          net.Listener
	onSubscribe func(conn, n int) subscribeAction

	mu         sync.Mutex
	conns      int
	subscribes []int // connection number of every SUBSCRIBE seen
	publishes  []*packets.Publish
}

func newTestBroker(t *testing.T, onSubscribe func(conn, n int) subscribeAction) *testBroker {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if onSubscribe == nil {
		onSubscribe = func(int, int) subscribeAction { return answerSubscribe }
	}
	b := &testBroker{ln: ln, onSubscribe: onSubscribe}
	go b.serve()
	t.Cleanup(func() { ln.Close() })
	return b
}

func (b *testBroker) url() string {
	return "mqtt://" + b.ln.Addr().String()
}

func (b *testBroker) serve() {
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			return
		}
		b.mu.Lock()
		b.conns++
		n := b.conns
		b.mu.Unlock()
		go b.handle(conn, n)
	}
}

func (b *testBroker) handle(conn net.Conn, connNo int) {
	defer conn.Close()
	seen := 0
	for {
		cp, err := packets.ReadPacket(conn)
		if err != nil {
			return
		}
		switch p := cp.Content.(type) {
		case *packets.Connect:
			ack := &packets.Connack{Properties: &packets.Properties{}}
			if _, err := ack.WriteTo(conn); err != nil {
				return
			}
		case *packets.Subscribe:
			seen++
			b.mu.Lock()
			b.subscribes = append(b.subscribes, connNo)
			b.mu.Unlock()
			switch b.onSubscribe(connNo, seen) {
			case hangUpOnSubscribe:
				return
			case ignoreSubscribe:
				continue
			}
			reasons := make([]byte, 0, len(p.Subscriptions))
			for _, s := range p.Subscriptions {
				reasons = append(reasons, s.QoS)
			}
			ack := &packets.Suback{PacketID: p.PacketID, Reasons: reasons, Properties: &packets.Properties{}}
			if _, err := ack.WriteTo(conn); err != nil {
				return
			}
		case *packets.Publish:
			b.mu.Lock()
			b.publishes = append(b.publishes, p)
			b.mu.Unlock()
			if p.QoS == 1 {
				ack := &packets.Puback{PacketID: p.PacketID, Properties: &packets.Properties{}}
				if _, err := ack.WriteTo(conn); err != nil {
					return
				}
			}
		case *packets.Pingreq:
			if _, err := packets.NewControlPacket(packets.PINGRESP).WriteTo(conn); err != nil {
				return
			}
		case *packets.Disconnect:
			return
		}
	}
}

func (b *testBroker) subscribeConns() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int(nil), b.subscribes...)
}

func (b *testBroker) published() []*packets.Publish {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*packets.Publish(nil), b.publishes...)
}

func dialTestBroker(t *testing.T, b *testBroker, packetTimeout time.Duration) *Client {
	t.Helper()
	cfg := unreachableConfig()
	cfg.BrokerURL = b.url()
	cfg.PacketTimeout = packetTimeout
	cfg.SubscribeRetryDelay = 20 * time.Millisecond

	c, err := Dial(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	runDone := make(chan error, 1)
	go func() { runDone <- c.Run(context.Background()) }()
	t.Cleanup(func() {
		c.Cancel()
		<-runDone
	})
	return c
}
