package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.viam.com/test"

	"github.com/petervdpas/rtlink/internal/bus"
	"github.com/petervdpas/rtlink/internal/stomp"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// broker runs handle for every websocket client.
func broker(t *testing.T, handle func(ws *websocket.Conn, r *http.Request)) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		handle(ws, r)
	}))
	t.Cleanup(srv.Close)
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func readFrame(ws *websocket.Conn) (*stomp.Frame, error) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if stomp.IsHeartBeat(data) {
			continue
		}
		return stomp.Unmarshal(data)
	}
}

func writeFrame(ws *websocket.Conn, f *stomp.Frame) error {
	return ws.WriteMessage(websocket.TextMessage, stomp.Marshal(f))
}

func TestDialSubscribeSend(t *testing.T) {
	type seen struct {
		httpAuth string
		connect  *stomp.Frame
		sub      *stomp.Frame
		send     *stomp.Frame
	}
	got := make(chan seen, 1)

	_, url := broker(t, func(ws *websocket.Conn, r *http.Request) {
		var s seen
		s.httpAuth = r.Header.Get("Authorization")
		var err error
		if s.connect, err = readFrame(ws); err != nil {
			return
		}
		_ = writeFrame(ws, stomp.New(stomp.CmdConnected, stomp.HdrVersion, "1.2", stomp.HdrHeartBeat, "0,0"))
		if s.sub, err = readFrame(ws); err != nil {
			return
		}
		msg := stomp.New(stomp.CmdMessage,
			stomp.HdrSubscription, s.sub.Get(stomp.HdrID),
			stomp.HdrDestination, s.sub.Get(stomp.HdrDestination),
			stomp.HdrMessageID, "1",
		)
		msg.Body = []byte(`{"type":"CALL_RINGING"}`)
		_ = writeFrame(ws, msg)
		if s.send, err = readFrame(ws); err != nil {
			return
		}
		got <- s
	})

	msgs := make(chan bus.Message, 1)
	d := &Dialer{URL: url, PingInterval: -1}
	c, err := d.Dial(context.Background(), bus.Credentials{UserID: "u1", Token: "secret"}, func(m bus.Message) { msgs <- m })
	test.That(t, err, test.ShouldBeNil)

	test.That(t, c.Subscribe("sub-call", "/user/queue/calls"), test.ShouldBeNil)
	select {
	case m := <-msgs:
		test.That(t, m.Subscription, test.ShouldEqual, "sub-call")
		test.That(t, m.Destination, test.ShouldEqual, "/user/queue/calls")
		test.That(t, string(m.Body), test.ShouldEqual, `{"type":"CALL_RINGING"}`)
	case <-time.After(2 * time.Second):
		t.Fatal("no MESSAGE delivered")
	}

	test.That(t, c.Send(bus.DestChatSend, []byte(`{"content":"hi"}`)), test.ShouldBeNil)

	var s seen
	select {
	case s = <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("broker never saw SEND")
	}
	test.That(t, s.httpAuth, test.ShouldEqual, "Bearer secret")
	test.That(t, s.connect.Command, test.ShouldEqual, stomp.CmdConnect)
	test.That(t, s.connect.Get(stomp.HdrAcceptVersion), test.ShouldEqual, "1.2")
	test.That(t, s.connect.Get(stomp.HdrHeartBeat), test.ShouldEqual, "10000,10000")
	test.That(t, s.connect.Get(stomp.HdrAuthorization), test.ShouldEqual, "Bearer secret")
	test.That(t, s.connect.Get(stomp.HdrLogin), test.ShouldEqual, "u1")
	test.That(t, s.sub.Command, test.ShouldEqual, stomp.CmdSubscribe)
	test.That(t, s.send.Get(stomp.HdrDestination), test.ShouldEqual, bus.DestChatSend)
	test.That(t, string(s.send.Body), test.ShouldEqual, `{"content":"hi"}`)

	// The broker handler returned and closed the socket.
	select {
	case <-c.Done():
		test.That(t, c.Err(), test.ShouldNotBeNil)
	case <-time.After(2 * time.Second):
		t.Fatal("connection loss not detected")
	}
	test.That(t, c.Send(bus.DestChatSend, nil), test.ShouldEqual, ErrClosed)
}

func TestDialRejected(t *testing.T) {
	_, url := broker(t, func(ws *websocket.Conn, _ *http.Request) {
		if _, err := readFrame(ws); err != nil {
			return
		}
		_ = writeFrame(ws, stomp.New(stomp.CmdError, stomp.HdrMessage, "bad credentials"))
	})

	d := &Dialer{URL: url, PingInterval: -1}
	_, err := d.Dial(context.Background(), bus.Credentials{Token: "nope"}, func(bus.Message) {})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "bad credentials")
}

func TestCloseSendsDisconnect(t *testing.T) {
	disconnected := make(chan struct{})
	_, url := broker(t, func(ws *websocket.Conn, _ *http.Request) {
		if _, err := readFrame(ws); err != nil {
			return
		}
		_ = writeFrame(ws, stomp.New(stomp.CmdConnected, stomp.HdrVersion, "1.2"))
		for {
			f, err := readFrame(ws)
			if err != nil {
				return
			}
			if f.Command == stomp.CmdDisconnect {
				close(disconnected)
			}
		}
	})

	d := &Dialer{URL: url, PingInterval: -1}
	c, err := d.Dial(context.Background(), bus.Credentials{}, func(bus.Message) {})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c.Close(), test.ShouldBeNil)
	test.That(t, c.Close(), test.ShouldBeNil)
	test.That(t, c.Err(), test.ShouldEqual, ErrClosed)

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("broker never saw DISCONNECT")
	}
}

func TestServerHeartBeatTimeout(t *testing.T) {
	_, url := broker(t, func(ws *websocket.Conn, _ *http.Request) {
		if _, err := readFrame(ws); err != nil {
			return
		}
		// Promise a beat every 50ms and then go silent.
		_ = writeFrame(ws, stomp.New(stomp.CmdConnected, stomp.HdrVersion, "1.2", stomp.HdrHeartBeat, "50,0"))
		time.Sleep(2 * time.Second)
	})

	d := &Dialer{URL: url, PingInterval: -1, HeartBeat: 50 * time.Millisecond}
	c, err := d.Dial(context.Background(), bus.Credentials{}, func(bus.Message) {})
	test.That(t, err, test.ShouldBeNil)
	defer c.Close()

	select {
	case <-c.Done():
		test.That(t, c.Err().Error(), test.ShouldContainSubstring, "read")
	case <-time.After(time.Second):
		t.Fatal("silent server not detected")
	}
}
