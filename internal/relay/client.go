package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/doublegate/wraith/internal/identity"
	"github.com/doublegate/wraith/internal/peer"
)

// A Delivery is one relayed datagram demultiplexed off a relay connection.
type Delivery struct {
	From    peer.ID
	Relay   peer.ID
	Payload []byte
}

// State of one relay control connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFailed // retries exhausted
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateFailed:
		return "Failed"
	default:
		return "Disconnected"
	}
}

// Info describes one configured relay server.
type Info struct {
	// URL of the relay websocket endpoint, e.g. "ws://relay1.example.net:7300/relay".
	URL string

	// NodeID of the relay, used in PeerConnection.Relayed results.
	NodeID peer.ID
}

const (
	registerTimeout   = 10 * time.Second
	keepaliveInterval = 20 * time.Second

	// Heartbeat timeout: no traffic for this long triggers reconnection.
	heartbeatTimeout = 3 * keepaliveInterval

	maxReconnectAttempts = 6
	reconnectBaseDelay   = 500 * time.Millisecond
)

// A Client keeps one authenticated control connection to one relay and
// demultiplexes inbound frames.
type Client struct {
	info Info
	id   *identity.Identity

	deliveries chan<- Delivery

	mu    sync.Mutex
	conn  *websocket.Conn
	state State

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newClient(ctx context.Context, info Info, id *identity.Identity, deliveries chan<- Delivery) *Client {
	cctx, cancel := context.WithCancel(ctx)
	return &Client{
		info:       info,
		id:         id,
		deliveries: deliveries,
		ctx:        cctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// run dials, registers, and services the connection, reconnecting with
// exponential backoff until the retry budget is spent or the context ends.
func (c *Client) run() {
	defer close(c.done)

	attempt := 0
	for {
		if c.ctx.Err() != nil {
			return
		}

		err := c.connectAndServe()
		if c.ctx.Err() != nil {
			return
		}
		log.Warn("Relay %s disconnected: %v", c.info.NodeID.Short(), err)
		c.setState(StateDisconnected)

		attempt++
		if attempt > maxReconnectAttempts {
			log.Error("Relay %s: retries exhausted", c.info.NodeID.Short())
			c.setState(StateFailed)
			return
		}
		delay := reconnectBaseDelay << uint(attempt-1)
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (c *Client) connectAndServe() error {
	c.setState(StateConnecting)

	dialer := websocket.Dialer{HandshakeTimeout: registerTimeout}
	conn, _, err := dialer.DialContext(c.ctx, c.info.URL, nil)
	if err != nil {
		return errors.Wrapf(err, "dial %s", c.info.URL)
	}
	defer conn.Close()

	if err := c.register(conn); err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.mu.Unlock()
	log.Info("Registered with relay %s", c.info.NodeID.Short())

	// Keepalives ride a separate goroutine; the read loop runs here so a
	// read error tears the connection down directly.
	stopKeepalive := make(chan struct{})
	defer close(stopKeepalive)
	go c.keepaliveLoop(conn, stopKeepalive)

	for {
		conn.SetReadDeadline(time.Now().Add(heartbeatTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.conn = nil
			c.mu.Unlock()
			return errors.Wrap(err, "relay read")
		}
		f, err := decodeFrame(data)
		if err != nil {
			log.Debug("Dropping malformed relay frame: %v", err)
			continue
		}
		switch f.kind {
		case frameDeliver:
			select {
			case c.deliveries <- Delivery{From: f.peerID, Relay: c.info.NodeID, Payload: f.payload}:
			case <-c.ctx.Done():
				return c.ctx.Err()
			}
		case frameKeepalive:
			// Read deadline already refreshed.
		default:
			log.Debug("Unexpected relay frame kind %#x", byte(f.kind))
		}
	}
}

// register performs the challenge/response: prove possession of the signing
// key for our peer ID.
func (c *Client) register(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(registerTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return errors.Wrap(err, "await challenge")
	}
	ch, err := decodeFrame(data)
	if err != nil || ch.kind != frameChallenge {
		return errors.New("relay did not send challenge")
	}

	reg := &frame{
		kind:   frameRegister,
		peerID: c.id.PeerID(),
		pubKey: c.id.PublicKey(),
		sig:    c.id.Sign(ch.nonce),
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, reg.encode()); err != nil {
		return errors.Wrap(err, "send registration")
	}

	conn.SetReadDeadline(time.Now().Add(registerTimeout))
	_, data, err = conn.ReadMessage()
	if err != nil {
		return errors.Wrap(err, "await registration ack")
	}
	ack, err := decodeFrame(data)
	if err != nil || ack.kind != frameRegistered || !ack.ok {
		return errors.New("relay rejected registration")
	}
	return nil
}

func (c *Client) keepaliveLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	ka := (&frame{kind: frameKeepalive}).encode()
	for {
		select {
		case <-stop:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			err := conn.WriteMessage(websocket.BinaryMessage, ka)
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Send forwards an opaque datagram to dst through this relay.
func (c *Client) Send(dst peer.ID, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.state != StateConnected {
		return errors.Errorf("relay %s not connected", c.info.NodeID.Short())
	}
	f := &frame{kind: frameForward, peerID: dst, payload: payload}
	return c.conn.WriteMessage(websocket.BinaryMessage, f.encode())
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) close() {
	c.cancel()
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
	<-c.done
}

func (c *Client) String() string {
	return fmt.Sprintf("relay %s (%s)", c.info.NodeID.Short(), c.State())
}
