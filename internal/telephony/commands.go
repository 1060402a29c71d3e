package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("telephony: not found")
	// ErrTransient marks failures worth one more attempt: timeouts, dropped
	// connections, 5xx.
	ErrTransient = errors.New("telephony: transient failure")
)

// CommandError is a failed platform command.
type CommandError struct {
	Op     string
	Status int
	Body   string
	Err    error
}

func (e *CommandError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("telephony: %s: status %d: %s", e.Op, e.Status, e.Body)
	}
	return fmt.Sprintf("telephony: %s: %v", e.Op, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// Commander is the command side of the telephony platform.
//
// Rules:
//   - Callers pick channel and bridge ids up front so events can be matched even
//     when they carry no variables.
//   - Every call is bounded by ctx; retrying is the caller's policy, not the adapter's.
type Commander interface {
	Originate(ctx context.Context, req OriginateRequest) (string, error)
	Hangup(ctx context.Context, channelID string) error
	CreateBridge(ctx context.Context, bridgeID string) (string, error)
	DestroyBridge(ctx context.Context, bridgeID string) error
	AddChannel(ctx context.Context, bridgeID, channelID string) error
	RemoveChannel(ctx context.Context, bridgeID, channelID string) error
	Play(ctx context.Context, channelID, playbackID, media string) error
	ContinueInDialplan(ctx context.Context, channelID, dialContext, extension string) error
}

// OriginateRequest places one channel into the dialer's application.
type OriginateRequest struct {
	ChannelID string
	// Endpoint is the dial string, e.g. "PJSIP/1001" or "Local/5551234@from-campaign".
	Endpoint string
	CallerID string
	// Timeout is the ring timeout; the platform gives up after it.
	Timeout time.Duration
	Vars    Vars
}

// ARIClient talks to the platform's REST interface.
type ARIClient struct {
	baseURL  string
	user     string
	password string
	app      string
	http     *http.Client
}

func NewARIClient(baseURL, user, password, app string, hc *http.Client) *ARIClient {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &ARIClient{
		baseURL:  strings.TrimRight(baseURL, "/") + "/ari",
		user:     user,
		password: password,
		app:      app,
		http:     hc,
	}
}

func (c *ARIClient) Originate(ctx context.Context, req OriginateRequest) (string, error) {
	if req.Endpoint == "" {
		return "", &CommandError{Op: "originate", Err: errors.New("endpoint is required")}
	}
	q := url.Values{}
	q.Set("endpoint", req.Endpoint)
	q.Set("app", c.app)
	q.Set("appArgs", string(req.Vars.CallType))
	if req.CallerID != "" {
		q.Set("callerId", req.CallerID)
	}
	if req.Timeout > 0 {
		q.Set("timeout", strconv.Itoa(int(req.Timeout/time.Second)))
	}
	path := "/channels"
	if req.ChannelID != "" {
		path += "/" + url.PathEscape(req.ChannelID)
	}
	body := map[string]any{"variables": req.Vars.Map()}

	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, "originate", http.MethodPost, path, q, body, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		out.ID = req.ChannelID
	}
	return out.ID, nil
}

func (c *ARIClient) Hangup(ctx context.Context, channelID string) error {
	q := url.Values{}
	q.Set("reason", "normal")
	return c.do(ctx, "hangup", http.MethodDelete, "/channels/"+url.PathEscape(channelID), q, nil, nil)
}

func (c *ARIClient) CreateBridge(ctx context.Context, bridgeID string) (string, error) {
	q := url.Values{}
	q.Set("type", "mixing")
	path := "/bridges"
	if bridgeID != "" {
		path += "/" + url.PathEscape(bridgeID)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, "bridge_create", http.MethodPost, path, q, nil, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		out.ID = bridgeID
	}
	return out.ID, nil
}

func (c *ARIClient) DestroyBridge(ctx context.Context, bridgeID string) error {
	return c.do(ctx, "bridge_destroy", http.MethodDelete, "/bridges/"+url.PathEscape(bridgeID), nil, nil, nil)
}

func (c *ARIClient) AddChannel(ctx context.Context, bridgeID, channelID string) error {
	q := url.Values{}
	q.Set("channel", channelID)
	return c.do(ctx, "bridge_add", http.MethodPost, "/bridges/"+url.PathEscape(bridgeID)+"/addChannel", q, nil, nil)
}

func (c *ARIClient) RemoveChannel(ctx context.Context, bridgeID, channelID string) error {
	q := url.Values{}
	q.Set("channel", channelID)
	return c.do(ctx, "bridge_remove", http.MethodPost, "/bridges/"+url.PathEscape(bridgeID)+"/removeChannel", q, nil, nil)
}

func (c *ARIClient) Play(ctx context.Context, channelID, playbackID, media string) error {
	q := url.Values{}
	q.Set("media", media)
	path := "/channels/" + url.PathEscape(channelID) + "/play"
	if playbackID != "" {
		path += "/" + url.PathEscape(playbackID)
	}
	return c.do(ctx, "play", http.MethodPost, path, q, nil, nil)
}

func (c *ARIClient) ContinueInDialplan(ctx context.Context, channelID, dialContext, extension string) error {
	q := url.Values{}
	q.Set("context", dialContext)
	q.Set("extension", extension)
	q.Set("priority", "1")
	return c.do(ctx, "continue", http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/continue", q, nil, nil)
}

func (c *ARIClient) do(ctx context.Context, op, method, path string, q url.Values, body, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return &CommandError{Op: op, Err: err}
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return &CommandError{Op: op, Err: err}
	}
	req.SetBasicAuth(c.user, c.password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &CommandError{Op: op, Err: classify(err)}
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return &CommandError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(raw)), Err: ErrNotFound}
	case resp.StatusCode >= 500:
		return &CommandError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(raw)), Err: ErrTransient}
	case resp.StatusCode >= 300:
		return &CommandError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(raw)), Err: errors.New(http.StatusText(resp.StatusCode))}
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return &CommandError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}

// classify marks transport failures as transient. Cancellation and bad URLs are not.
func classify(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var ue *url.Error
	if errors.As(err, &ue) && ue.Err != nil {
		var ne net.Error
		if !errors.As(ue.Err, &ne) && !errors.Is(ue.Err, io.EOF) && !errors.Is(ue.Err, io.ErrUnexpectedEOF) && !errors.Is(ue.Err, context.DeadlineExceeded) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}
