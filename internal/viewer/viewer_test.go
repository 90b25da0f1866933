package viewer

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.viam.com/test"

	"github.com/petervdpas/rtlink/internal/bus"
	"github.com/petervdpas/rtlink/internal/call"
	"github.com/petervdpas/rtlink/internal/chat"
	"github.com/petervdpas/rtlink/internal/presence"
	"github.com/petervdpas/rtlink/internal/storage"
)

type fakeCalls struct {
	mu      sync.Mutex
	state   call.State
	callErr error
	ended   int
	watch   chan call.State
}

func (f *fakeCalls) State() call.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeCalls) Watch() (<-chan call.State, func()) {
	ch := make(chan call.State, 4)
	ch <- f.State()
	f.watch = ch
	return ch, func() {}
}

func (f *fakeCalls) Call(_ context.Context, peerID, _ string) (string, error) {
	if f.callErr != nil {
		return "", f.callErr
	}
	return "c-" + peerID, nil
}

func (f *fakeCalls) Accept(context.Context) error { return call.ErrNoCall }
func (f *fakeCalls) Reject(context.Context) error { return nil }

func (f *fakeCalls) End(context.Context) error {
	f.mu.Lock()
	f.ended++
	f.mu.Unlock()
	return nil
}

func (f *fakeCalls) StartScreenShare(context.Context) error { return nil }
func (f *fakeCalls) StopScreenShare(context.Context) error { return nil }

type fakeHistory struct{}

func (fakeHistory) RecentCalls(n int) ([]storage.CallEntry, error) {
	return []storage.CallEntry{{CallID: fmt.Sprint("limit-", n)}}, nil
}

type fakeChat struct{}

func (fakeChat) Send(to, content, _ string) (*chat.Message, error) {
	if content == "" {
		return nil, chat.ErrInvalidMessage
	}
	if to == "offline" {
		return nil, bus.ErrNotConnected
	}
	return &chat.Message{ID: "m-1", RecipientID: to, Content: content, Outgoing: true}, nil
}
func (fakeChat) Recent() []*chat.Message { return []*chat.Message{{ID: "a"}, {ID: "b"}} }
func (fakeChat) Conversation(string) []*chat.Message { return []*chat.Message{{ID: "a"}} }

type fakePresence struct {
	watched map[string]bool
}

func (p *fakePresence) Watch(id string) presence.Peer {
	p.watched[id] = true
	return presence.Peer{Status: bus.StatusOnline}
}
func (p *fakePresence) Unwatch(id string) { delete(p.watched, id) }
func (p *fakePresence) Snapshot() map[string]presence.Peer {
	out := map[string]presence.Peer{}
	for id := range p.watched {
		out[id] = presence.Peer{Status: bus.StatusOnline}
	}
	return out
}

type online bool

func (o online) Connected() bool { return bool(o) }

func newTestServer(t *testing.T, calls *fakeCalls, pres *fakePresence, logs *LogBuffer) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(Handler(Viewer{
		SelfID:   "alice",
		Bus:      online(true),
		Calls:    calls,
		History:  fakeHistory{},
		Chat:     fakeChat{},
		Presence: pres,
		Logs:     logs,
	}))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	test.That(t, err, test.ShouldBeNil)
	resp, err := http.DefaultClient.Do(req)
	test.That(t, err, test.ShouldBeNil)
	defer resp.Body.Close()
	var sb strings.Builder
	_, _ = bufio.NewReader(resp.Body).WriteTo(&sb)
	return resp.StatusCode, sb.String()
}

func TestStatusAndCallRoutes(t *testing.T) {
	calls := &fakeCalls{state: call.State{Phase: call.PhaseIdle}}
	srv := newTestServer(t, calls, &fakePresence{watched: map[string]bool{}}, nil)

	code, body := do(t, http.MethodGet, srv.URL+"/api/status", "")
	test.That(t, code, test.ShouldEqual, http.StatusOK)
	var st statusBody
	test.That(t, json.Unmarshal([]byte(body), &st), test.ShouldBeNil)
	test.That(t, st.SelfID, test.ShouldEqual, "alice")
	test.That(t, st.Connected, test.ShouldBeTrue)
	test.That(t, st.Call.Phase, test.ShouldEqual, call.PhaseIdle)

	code, body = do(t, http.MethodPost, srv.URL+"/api/call/start", `{"peerId":"bob"}`)
	test.That(t, code, test.ShouldEqual, http.StatusOK)
	test.That(t, body, test.ShouldContainSubstring, `"callId":"c-bob"`)

	code, _ = do(t, http.MethodPost, srv.URL+"/api/call/start", `{}`)
	test.That(t, code, test.ShouldEqual, http.StatusBadRequest)

	calls.callErr = call.ErrBusy
	code, _ = do(t, http.MethodPost, srv.URL+"/api/call/start", `{"peerId":"bob"}`)
	test.That(t, code, test.ShouldEqual, http.StatusConflict)

	code, _ = do(t, http.MethodPost, srv.URL+"/api/call/accept", "")
	test.That(t, code, test.ShouldEqual, http.StatusConflict)

	code, _ = do(t, http.MethodPost, srv.URL+"/api/call/end", "")
	test.That(t, code, test.ShouldEqual, http.StatusOK)
	test.That(t, calls.ended, test.ShouldEqual, 1)

	code, body = do(t, http.MethodGet, srv.URL+"/api/calls/recent?limit=3", "")
	test.That(t, code, test.ShouldEqual, http.StatusOK)
	test.That(t, body, test.ShouldContainSubstring, "limit-3")
	code, _ = do(t, http.MethodGet, srv.URL+"/api/calls/recent?limit=x", "")
	test.That(t, code, test.ShouldEqual, http.StatusBadRequest)
}

type statusBody struct {
	SelfID    string      `json:"selfId"`
	Connected bool        `json:"connected"`
	Call      *call.State `json:"call"`
}

func TestCallEventsStream(t *testing.T) {
	calls := &fakeCalls{state: call.State{Phase: call.PhaseIncoming}}
	srv := newTestServer(t, calls, &fakePresence{watched: map[string]bool{}}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/call/events", nil)
	test.That(t, err, test.ShouldBeNil)
	resp, err := http.DefaultClient.Do(req)
	test.That(t, err, test.ShouldBeNil)
	defer resp.Body.Close()
	test.That(t, resp.Header.Get("Content-Type"), test.ShouldStartWith, "text/event-stream")

	sc := bufio.NewScanner(resp.Body)
	var lines []string
	for sc.Scan() && len(lines) < 2 {
		if sc.Text() != "" {
			lines = append(lines, sc.Text())
		}
	}
	test.That(t, lines[0], test.ShouldEqual, "event: state")
	test.That(t, lines[1], test.ShouldContainSubstring, `"phase":"incoming"`)
}

func TestChatAndPresenceRoutes(t *testing.T) {
	pres := &fakePresence{watched: map[string]bool{}}
	srv := newTestServer(t, &fakeCalls{}, pres, nil)

	code, body := do(t, http.MethodPost, srv.URL+"/api/chat/send", `{"recipientId":"bob","content":"hi"}`)
	test.That(t, code, test.ShouldEqual, http.StatusOK)
	test.That(t, body, test.ShouldContainSubstring, `"id":"m-1"`)

	code, _ = do(t, http.MethodPost, srv.URL+"/api/chat/send", `{"recipientId":"bob"}`)
	test.That(t, code, test.ShouldEqual, http.StatusBadRequest)
	code, _ = do(t, http.MethodPost, srv.URL+"/api/chat/send", `{"recipientId":"offline","content":"x"}`)
	test.That(t, code, test.ShouldEqual, http.StatusServiceUnavailable)
	code, _ = do(t, http.MethodPost, srv.URL+"/api/chat/send", `{`)
	test.That(t, code, test.ShouldEqual, http.StatusBadRequest)

	_, body = do(t, http.MethodGet, srv.URL+"/api/chat/recent", "")
	var msgs []chat.Message
	test.That(t, json.Unmarshal([]byte(body), &msgs), test.ShouldBeNil)
	test.That(t, msgs, test.ShouldHaveLength, 2)

	code, body = do(t, http.MethodGet, srv.URL+"/api/presence/bob", "")
	test.That(t, code, test.ShouldEqual, http.StatusOK)
	test.That(t, body, test.ShouldContainSubstring, `"status":"online"`)
	test.That(t, pres.watched["bob"], test.ShouldBeTrue)

	code, _ = do(t, http.MethodDelete, srv.URL+"/api/presence/bob", "")
	test.That(t, code, test.ShouldEqual, http.StatusNoContent)
	test.That(t, pres.watched, test.ShouldBeEmpty)

	// No matcher configured: the route is absent.
	code, _ = do(t, http.MethodPost, srv.URL+"/api/match/join", `{"intent":"x"}`)
	test.That(t, code, test.ShouldEqual, http.StatusNotFound)
}

func TestLogRoutes(t *testing.T) {
	logs := NewLogBuffer(10)
	_, _ = logs.Write([]byte(`{"level":"info","ts":"2026-01-02T03:04:05.000Z","logger":"bus","msg":"connected"}` + "\nplain line\n"))
	srv := newTestServer(t, &fakeCalls{}, &fakePresence{watched: map[string]bool{}}, logs)

	code, body := do(t, http.MethodGet, srv.URL+"/api/logs", "")
	test.That(t, code, test.ShouldEqual, http.StatusOK)
	var entries []LogEntry
	test.That(t, json.Unmarshal([]byte(body), &entries), test.ShouldBeNil)
	test.That(t, entries, test.ShouldHaveLength, 2)
	test.That(t, entries[0].Logger, test.ShouldEqual, "bus")
	test.That(t, entries[0].Msg, test.ShouldEqual, "connected")
	test.That(t, entries[0].TS.Year(), test.ShouldEqual, 2026)
	test.That(t, entries[1].Msg, test.ShouldEqual, "plain line")
}

func TestLogBufferPartialLines(t *testing.T) {
	b := NewLogBuffer(2)
	ch, cancel := b.Subscribe()
	defer cancel()

	_, _ = b.Write([]byte("first half "))
	test.That(t, b.Snapshot(), test.ShouldBeEmpty)
	_, _ = b.Write([]byte("second half\n\n  \nnext\nlast\n"))

	snap := b.Snapshot()
	test.That(t, snap, test.ShouldHaveLength, 2)
	test.That(t, snap[0].Msg, test.ShouldEqual, "next")
	test.That(t, snap[1].Msg, test.ShouldEqual, "last")
	test.That(t, (<-ch).Msg, test.ShouldEqual, "first half second half")
}

func TestServeShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	test.That(t, err, test.ShouldBeNil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, ln, Viewer{SelfID: "alice"}) }()

	url := "http://" + ln.Addr().String() + "/api/status"
	var code int
	for i := 0; i < 50; i++ {
		resp, err := http.Get(url)
		if err == nil {
			code = resp.StatusCode
			resp.Body.Close()
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	test.That(t, code, test.ShouldEqual, http.StatusOK)

	cancel()
	select {
	case err := <-done:
		test.That(t, err, test.ShouldBeNil)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
