package stomp

import (
	"testing"
	"time"

	"go.viam.com/test"
)

func TestMarshalSend(t *testing.T) {
	f := New(CmdSend, HdrDestination, "/app/chat.send", HdrContentType, "application/json")
	f.Body = []byte(`{"content":"hi"}`)

	got := string(Marshal(f))
	want := "SEND\ncontent-type:application/json\ndestination:/app/chat.send\ncontent-length:16\n\n{\"content\":\"hi\"}\x00"
	test.That(t, got, test.ShouldEqual, want)
}

func TestUnmarshalMessage(t *testing.T) {
	raw := "MESSAGE\r\nsubscription:sub-call\r\ndestination:/user/queue/calls\r\nmessage-id:7\r\n\r\n{\"type\":\"CALL_END\"}\x00"
	f, err := Unmarshal([]byte(raw))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, f.Command, test.ShouldEqual, CmdMessage)
	test.That(t, f.Get(HdrSubscription), test.ShouldEqual, "sub-call")
	test.That(t, f.Get(HdrDestination), test.ShouldEqual, "/user/queue/calls")
	test.That(t, string(f.Body), test.ShouldEqual, `{"type":"CALL_END"}`)
}

func TestHeaderEscaping(t *testing.T) {
	f := New(CmdError, HdrMessage, "bad\nthing: a\\b")
	out, err := Unmarshal(Marshal(f))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out.Get(HdrMessage), test.ShouldEqual, "bad\nthing: a\\b")

	// CONNECTED headers are not escaped.
	c, err := Unmarshal([]byte("CONNECTED\nversion:1.2\nserver:x\\c\n\n\x00"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c.Get("server"), test.ShouldEqual, `x\c`)

	_, err = Unmarshal([]byte("MESSAGE\nfoo:\\t\n\n\x00"))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestBodyWithContentLengthMayContainNull(t *testing.T) {
	raw := []byte("MESSAGE\ncontent-length:3\n\na\x00b\x00")
	f, err := Unmarshal(raw)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, f.Body, test.ShouldResemble, []byte("a\x00b"))

	_, err = Unmarshal([]byte("MESSAGE\ncontent-length:5\n\nab\x00"))
	test.That(t, err, test.ShouldEqual, ErrMissingNull)
}

func TestRepeatedHeaderFirstWins(t *testing.T) {
	f, err := Unmarshal([]byte("MESSAGE\nfoo:1\nfoo:2\n\n\x00"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, f.Get("foo"), test.ShouldEqual, "1")
}

func TestHeartBeats(t *testing.T) {
	test.That(t, IsHeartBeat([]byte("\n")), test.ShouldBeTrue)
	test.That(t, IsHeartBeat([]byte("\r\n")), test.ShouldBeTrue)
	test.That(t, IsHeartBeat([]byte("SEND\n\n\x00")), test.ShouldBeFalse)

	_, err := Unmarshal([]byte("\n\n"))
	test.That(t, err, test.ShouldEqual, ErrEmptyFrame)

	// Heart-beat EOLs may prefix a real frame.
	f, err := Unmarshal([]byte("\nRECEIPT\nreceipt-id:1\n\n\x00"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, f.Command, test.ShouldEqual, CmdReceipt)

	send, recv, err := ParseHeartBeat("10000,0")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, send, test.ShouldEqual, 10*time.Second)
	test.That(t, recv, test.ShouldEqual, time.Duration(0))
	_, _, err = ParseHeartBeat("10000")
	test.That(t, err, test.ShouldNotBeNil)

	test.That(t, FormatHeartBeat(10*time.Second, 10*time.Second), test.ShouldEqual, "10000,10000")

	s, e := NegotiateHeartBeat(10*time.Second, 10*time.Second, 20*time.Second, 5*time.Second)
	test.That(t, s, test.ShouldEqual, 10*time.Second)
	test.That(t, e, test.ShouldEqual, 20*time.Second)

	s, e = NegotiateHeartBeat(10*time.Second, 10*time.Second, 0, 0)
	test.That(t, s, test.ShouldEqual, time.Duration(0))
	test.That(t, e, test.ShouldEqual, time.Duration(0))
}
