// Package stomp encodes and decodes STOMP 1.2 frames carried one per
// websocket text message.
package stomp

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Client and server commands.
const (
	CmdConnect     = "CONNECT"
	CmdConnected   = "CONNECTED"
	CmdSend        = "SEND"
	CmdSubscribe   = "SUBSCRIBE"
	CmdUnsubscribe = "UNSUBSCRIBE"
	CmdDisconnect  = "DISCONNECT"
	CmdMessage     = "MESSAGE"
	CmdReceipt     = "RECEIPT"
	CmdError       = "ERROR"
)

// Header names.
const (
	HdrAcceptVersion = "accept-version"
	HdrHost          = "host"
	HdrHeartBeat     = "heart-beat"
	HdrLogin         = "login"
	HdrPasscode      = "passcode"
	HdrAuthorization = "Authorization"
	HdrDestination   = "destination"
	HdrID            = "id"
	HdrAck           = "ack"
	HdrSubscription  = "subscription"
	HdrMessageID     = "message-id"
	HdrContentType   = "content-type"
	HdrContentLength = "content-length"
	HdrReceipt       = "receipt"
	HdrReceiptID     = "receipt-id"
	HdrMessage       = "message"
	HdrVersion       = "version"
)

var (
	ErrEmptyFrame  = errors.New("stomp: empty frame")
	ErrMissingNull = errors.New("stomp: frame not terminated by NUL")
)

// Frame is a single STOMP frame.
type Frame struct {
	Command string
	Header  map[string]string
	Body    []byte
}

// New returns a frame with the given command and header pairs.
func New(command string, kv ...string) *Frame {
	f := &Frame{Command: command, Header: make(map[string]string, len(kv)/2)}
	for i := 0; i+1 < len(kv); i += 2 {
		f.Header[kv[i]] = kv[i+1]
	}
	return f
}

// Get returns a header value or "".
func (f *Frame) Get(name string) string {
	if f.Header == nil {
		return ""
	}
	return f.Header[name]
}

// Marshal encodes f. Headers are written in sorted order; content-length is
// added when the body is non-empty.
func Marshal(f *Frame) []byte {
	var buf bytes.Buffer
	buf.WriteString(f.Command)
	buf.WriteByte('\n')

	escape := f.Command != CmdConnect && f.Command != CmdConnected
	keys := make([]string, 0, len(f.Header)+1)
	for k := range f.Header {
		if k == HdrContentLength {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := f.Header[k]
		if escape {
			k, v = encodeValue(k), encodeValue(v)
		}
		buf.WriteString(k)
		buf.WriteByte(':')
		buf.WriteString(v)
		buf.WriteByte('\n')
	}
	if len(f.Body) > 0 {
		buf.WriteString(HdrContentLength)
		buf.WriteByte(':')
		buf.WriteString(strconv.Itoa(len(f.Body)))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	buf.Write(f.Body)
	buf.WriteByte(0)
	return buf.Bytes()
}

// IsHeartBeat reports whether data is an EOL-only heart-beat message.
func IsHeartBeat(data []byte) bool {
	return len(bytes.Trim(data, "\r\n")) == 0
}

// Unmarshal decodes a single frame. Leading heart-beat EOLs are skipped. When
// a header repeats, the first value wins.
func Unmarshal(data []byte) (*Frame, error) {
	data = bytes.TrimLeft(data, "\r\n")
	if len(data) == 0 {
		return nil, ErrEmptyFrame
	}

	line, rest, ok := cutLine(data)
	if !ok {
		return nil, fmt.Errorf("stomp: truncated command line")
	}
	f := &Frame{Command: string(line), Header: make(map[string]string)}
	unescape := f.Command != CmdConnect && f.Command != CmdConnected

	for {
		line, rest, ok = cutLine(rest)
		if !ok {
			return nil, fmt.Errorf("stomp: truncated headers in %s frame", f.Command)
		}
		if len(line) == 0 {
			break
		}
		k, v, found := bytes.Cut(line, []byte{':'})
		if !found {
			return nil, fmt.Errorf("stomp: malformed header %q", line)
		}
		key, val := string(k), string(v)
		if unescape {
			var err error
			if key, err = decodeValue(key); err != nil {
				return nil, err
			}
			if val, err = decodeValue(val); err != nil {
				return nil, err
			}
		}
		if _, dup := f.Header[key]; !dup {
			f.Header[key] = val
		}
	}

	if cl, ok := f.Header[HdrContentLength]; ok {
		n, err := strconv.Atoi(cl)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("stomp: bad content-length %q", cl)
		}
		if len(rest) < n+1 || rest[n] != 0 {
			return nil, ErrMissingNull
		}
		f.Body = rest[:n]
		return f, nil
	}

	i := bytes.IndexByte(rest, 0)
	if i < 0 {
		return nil, ErrMissingNull
	}
	f.Body = rest[:i]
	return f, nil
}

func cutLine(b []byte) (line, rest []byte, ok bool) {
	i := bytes.IndexByte(b, '\n')
	if i < 0 {
		return nil, nil, false
	}
	line = b[:i]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line, b[i+1:], true
}

var valueEncoder = strings.NewReplacer(`\`, `\\`, "\r", `\r`, "\n", `\n`, ":", `\c`)

func encodeValue(s string) string { return valueEncoder.Replace(s) }

func decodeValue(s string) (string, error) {
	if !strings.Contains(s, `\`) {
		return s, nil
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			sb.WriteByte(c)
			continue
		}
		if i+1 >= len(s) {
			return "", fmt.Errorf("stomp: dangling escape in %q", s)
		}
		i++
		switch s[i] {
		case '\\':
			sb.WriteByte('\\')
		case 'r':
			sb.WriteByte('\r')
		case 'n':
			sb.WriteByte('\n')
		case 'c':
			sb.WriteByte(':')
		default:
			return "", fmt.Errorf("stomp: undefined escape \\%c", s[i])
		}
	}
	return sb.String(), nil
}

// FormatHeartBeat renders a heart-beat header value in milliseconds.
func FormatHeartBeat(send, recv time.Duration) string {
	return strconv.FormatInt(send.Milliseconds(), 10) + "," + strconv.FormatInt(recv.Milliseconds(), 10)
}

// ParseHeartBeat parses "cx,cy" (milliseconds). An empty value means 0,0.
func ParseHeartBeat(v string) (send, recv time.Duration, err error) {
	if v == "" {
		return 0, 0, nil
	}
	a, b, ok := strings.Cut(v, ",")
	if !ok {
		return 0, 0, fmt.Errorf("stomp: bad heart-beat %q", v)
	}
	x, err := strconv.ParseUint(strings.TrimSpace(a), 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("stomp: bad heart-beat %q", v)
	}
	y, err := strconv.ParseUint(strings.TrimSpace(b), 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("stomp: bad heart-beat %q", v)
	}
	return time.Duration(x) * time.Millisecond, time.Duration(y) * time.Millisecond, nil
}

// NegotiateHeartBeat combines the client's offer with the server's reply.
// sendEvery is how often the client must send; expectEvery is how often the
// server promised to send. Zero disables the direction.
func NegotiateHeartBeat(clientSend, clientRecv, serverSend, serverRecv time.Duration) (sendEvery, expectEvery time.Duration) {
	if clientSend > 0 && serverRecv > 0 {
		sendEvery = max(clientSend, serverRecv)
	}
	if clientRecv > 0 && serverSend > 0 {
		expectEvery = max(clientRecv, serverSend)
	}
	return sendEvery, expectEvery
}
