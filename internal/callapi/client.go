// Package callapi is the client for the server's call REST endpoints.
package callapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/rtlink/internal/util"
)

var log = logging.Logger("callapi")

// ErrUnauthorized is returned for 401/403 replies.
var ErrUnauthorized = errors.New("callapi: unauthorized")

// ActiveCall is the server's view of the user's current call.
type ActiveCall struct {
	CallID     string `json:"callId"`
	Status     string `json:"status"`
	CallerID   string `json:"callerId"`
	ReceiverID string `json:"receiverId"`
	SessionID  string `json:"sessionId,omitempty"`
}

type initiateRequest struct {
	ReceiverID string `json:"receiverId"`
	SessionID  string `json:"sessionId,omitempty"`
}

type initiateResponse struct {
	CallID string `json:"callId"`
}

type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: util.NormalizeURL(strings.TrimSpace(baseURL)),
		Token:   token,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

// do sends a JSON request and decodes a 2xx JSON reply into out when out is
// non-nil. It reports the status code so callers can treat 204 specially.
func (c *Client) do(ctx context.Context, method, path string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return 0, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return resp.StatusCode, fmt.Errorf("%s %s: %w", method, path, ErrUnauthorized)
	case resp.StatusCode/100 != 2:
		return resp.StatusCode, fmt.Errorf("%s %s: status %s", method, path, resp.Status)
	case out == nil || resp.StatusCode == http.StatusNoContent:
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("%s %s: decode: %w", method, path, err)
	}
	return resp.StatusCode, nil
}

// Initiate asks the server to ring receiverID and returns the new call id.
func (c *Client) Initiate(ctx context.Context, receiverID, sessionID string) (string, error) {
	var out initiateResponse
	if _, err := c.do(ctx, http.MethodPost, "/api/calls", initiateRequest{ReceiverID: receiverID, SessionID: sessionID}, &out); err != nil {
		return "", err
	}
	if out.CallID == "" {
		return "", errors.New("callapi: initiate returned no call id")
	}
	log.Debugf("initiated call %s to %s", out.CallID, receiverID)
	return out.CallID, nil
}

func (c *Client) Accept(ctx context.Context, callID string) error {
	return c.action(ctx, callID, "accept")
}

func (c *Client) Reject(ctx context.Context, callID string) error {
	return c.action(ctx, callID, "reject")
}

func (c *Client) End(ctx context.Context, callID string) error {
	return c.action(ctx, callID, "end")
}

func (c *Client) action(ctx context.Context, callID, verb string) error {
	_, err := c.do(ctx, http.MethodPost, "/api/calls/"+url.PathEscape(callID)+"/"+verb, nil, nil)
	return err
}

// Active returns the user's active call, or nil when there is none.
func (c *Client) Active(ctx context.Context) (*ActiveCall, error) {
	var out ActiveCall
	status, err := c.do(ctx, http.MethodGet, "/api/calls/active", nil, &out)
	if err != nil {
		if status == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	if status == http.StatusNoContent || out.CallID == "" {
		return nil, nil
	}
	return &out, nil
}
