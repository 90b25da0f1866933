// Package transport carries the bus over STOMP 1.2 on a single websocket.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/rtlink/internal/bus"
	"github.com/petervdpas/rtlink/internal/stomp"
)

var log = logging.Logger("transport")

var ErrClosed = errors.New("transport: connection closed")

const (
	DefaultHeartBeat        = 10 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultPingInterval     = 25 * time.Second

	writeWait    = 5 * time.Second
	maxFrameSize = 1 << 20
)

// Dialer opens STOMP-over-websocket connections. It implements bus.Dialer.
type Dialer struct {
	URL string
	// Host is sent in the CONNECT frame; defaults to the URL's host name.
	Host string

	// HeartBeat is offered in both directions.
	HeartBeat time.Duration
	// PingInterval is the websocket ping period; negative disables pings.
	PingInterval     time.Duration
	HandshakeTimeout time.Duration

	WS *websocket.Dialer
}

func (d *Dialer) heartBeat() time.Duration {
	if d.HeartBeat > 0 {
		return d.HeartBeat
	}
	return DefaultHeartBeat
}

func (d *Dialer) handshakeTimeout() time.Duration {
	if d.HandshakeTimeout > 0 {
		return d.HandshakeTimeout
	}
	return DefaultHandshakeTimeout
}

func (d *Dialer) pingInterval() time.Duration {
	switch {
	case d.PingInterval < 0:
		return 0
	case d.PingInterval == 0:
		return DefaultPingInterval
	}
	return d.PingInterval
}

// Dial connects, performs the STOMP handshake and starts the read loop.
func (d *Dialer) Dial(ctx context.Context, creds bus.Credentials, onMessage func(bus.Message)) (bus.Conn, error) {
	wsd := d.WS
	if wsd == nil {
		wsd = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: d.handshakeTimeout(),
			Subprotocols:     []string{"v12.stomp"},
		}
	}

	hdr := http.Header{}
	if creds.Token != "" {
		hdr.Set("Authorization", "Bearer "+creds.Token)
	}
	ws, resp, err := wsd.DialContext(ctx, d.URL, hdr)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("transport: dial %s: %s: %w", d.URL, resp.Status, err)
		}
		return nil, fmt.Errorf("transport: dial %s: %w", d.URL, err)
	}
	ws.SetReadLimit(maxFrameSize)

	c := &conn{ws: ws, onMessage: onMessage, done: make(chan struct{})}
	if err := c.handshake(ctx, d, creds); err != nil {
		_ = ws.Close()
		return nil, err
	}

	c.pingEvery = d.pingInterval()
	switch {
	case c.expectEvery > 0:
		c.readWait = 2 * c.expectEvery
	case c.pingEvery > 0:
		c.readWait = 2 * c.pingEvery
	}
	ws.SetPongHandler(func(string) error {
		if c.readWait > 0 {
			_ = ws.SetReadDeadline(time.Now().Add(c.readWait))
		}
		return nil
	})

	log.Debugf("connected to %s (send every %s, expect every %s)", d.URL, c.sendEvery, c.expectEvery)
	go c.readLoop()
	go c.keepAlive()
	return c, nil
}

type conn struct {
	ws        *websocket.Conn
	onMessage func(bus.Message)

	sendEvery   time.Duration
	expectEvery time.Duration
	pingEvery   time.Duration
	readWait    time.Duration

	writeMu sync.Mutex

	errMu sync.Mutex
	err   error
	done  chan struct{}
	once  sync.Once
}

func (c *conn) handshake(ctx context.Context, d *Dialer, creds bus.Credentials) error {
	host := d.Host
	if host == "" {
		if u, err := url.Parse(d.URL); err == nil {
			host = u.Hostname()
		}
	}
	hb := d.heartBeat()
	f := stomp.New(stomp.CmdConnect,
		stomp.HdrAcceptVersion, "1.2",
		stomp.HdrHost, host,
		stomp.HdrHeartBeat, stomp.FormatHeartBeat(hb, hb),
	)
	if creds.UserID != "" {
		f.Header[stomp.HdrLogin] = creds.UserID
	}
	if creds.Token != "" {
		f.Header[stomp.HdrAuthorization] = "Bearer " + creds.Token
		f.Header[stomp.HdrPasscode] = creds.Token
	}
	if err := c.write(f); err != nil {
		return fmt.Errorf("transport: send CONNECT: %w", err)
	}

	deadline := time.Now().Add(d.handshakeTimeout())
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = c.ws.SetReadDeadline(deadline)
	defer func() { _ = c.ws.SetReadDeadline(time.Time{}) }()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("transport: waiting for CONNECTED: %w", err)
		}
		if stomp.IsHeartBeat(data) {
			continue
		}
		reply, err := stomp.Unmarshal(data)
		if err != nil {
			return fmt.Errorf("transport: handshake: %w", err)
		}
		switch reply.Command {
		case stomp.CmdConnected:
			ss, sr, err := stomp.ParseHeartBeat(reply.Get(stomp.HdrHeartBeat))
			if err != nil {
				return err
			}
			c.sendEvery, c.expectEvery = stomp.NegotiateHeartBeat(hb, hb, ss, sr)
			return nil
		case stomp.CmdError:
			return fmt.Errorf("transport: connect rejected: %s", reply.Get(stomp.HdrMessage))
		default:
			return fmt.Errorf("transport: unexpected %s frame during handshake", reply.Command)
		}
	}
}

func (c *conn) readLoop() {
	for {
		if c.readWait > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(c.readWait))
		}
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.fail(fmt.Errorf("transport: read: %w", err))
			return
		}
		if stomp.IsHeartBeat(data) {
			continue
		}
		f, err := stomp.Unmarshal(data)
		if err != nil {
			log.Warnf("dropping malformed frame: %v", err)
			continue
		}
		switch f.Command {
		case stomp.CmdMessage:
			c.onMessage(bus.Message{
				Subscription: f.Get(stomp.HdrSubscription),
				Destination:  f.Get(stomp.HdrDestination),
				Body:         f.Body,
			})
		case stomp.CmdError:
			c.fail(fmt.Errorf("transport: server error: %s", f.Get(stomp.HdrMessage)))
			return
		default:
			log.Debugf("ignoring %s frame", f.Command)
		}
	}
}

func (c *conn) keepAlive() {
	var beat, ping <-chan time.Time
	if c.sendEvery > 0 {
		t := time.NewTicker(c.sendEvery)
		defer t.Stop()
		beat = t.C
	}
	if c.pingEvery > 0 {
		t := time.NewTicker(c.pingEvery)
		defer t.Stop()
		ping = t.C
	}
	for {
		select {
		case <-c.done:
			return
		case <-beat:
			if err := c.writeRaw([]byte("\n")); err != nil {
				c.fail(fmt.Errorf("transport: heart-beat: %w", err))
				return
			}
		case <-ping:
			if err := c.ping(); err != nil {
				c.fail(fmt.Errorf("transport: ping: %w", err))
				return
			}
		}
	}
}

func (c *conn) write(f *stomp.Frame) error { return c.writeRaw(stomp.Marshal(f)) }

func (c *conn) writeRaw(b []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

func (c *conn) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *conn) fail(err error) {
	c.once.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *conn) Subscribe(id, destination string) error {
	return c.write(stomp.New(stomp.CmdSubscribe,
		stomp.HdrID, id,
		stomp.HdrDestination, destination,
		stomp.HdrAck, "auto",
	))
}

func (c *conn) Unsubscribe(id string) error {
	return c.write(stomp.New(stomp.CmdUnsubscribe, stomp.HdrID, id))
}

func (c *conn) Send(destination string, body []byte) error {
	f := stomp.New(stomp.CmdSend,
		stomp.HdrDestination, destination,
		stomp.HdrContentType, "application/json",
	)
	f.Body = body
	return c.write(f)
}

func (c *conn) Done() <-chan struct{} { return c.done }

func (c *conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close sends DISCONNECT on a best-effort basis and releases the socket.
func (c *conn) Close() error {
	select {
	case <-c.done:
		return nil
	default:
	}
	if err := c.write(stomp.New(stomp.CmdDisconnect)); err != nil {
		log.Debugf("send DISCONNECT: %v", err)
	}
	c.fail(ErrClosed)
	return nil
}
