package rpc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	runcontrol "github.com/goliatone/go-runcontrol"
)

// Client calls methods exposed by NewHTTPHandler.
type Client struct {
	base string
	http *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

func WithClientTimeout(d time.Duration) ClientOption {
	return func(cl *Client) {
		cl.http = &http.Client{Timeout: d}
	}
}

// NewClient accepts host:port or a full http URL.
func NewClient(address string, opts ...ClientOption) *Client {
	base := strings.TrimRight(strings.TrimSpace(address), "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	c := &Client{base: base, http: &http.Client{Timeout: 60 * time.Second}}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func (c *Client) Address() string { return c.base }

// Close drops idle keep-alive connections.
func (c *Client) Close() { c.http.CloseIdleConnections() }

// Call posts data to method and decodes the reply data into out. A failed
// connection is a ServerUnreachable error; an error envelope is returned
// as *Error.
func (c *Client) Call(ctx context.Context, method string, data any, meta RequestMeta, out any) error {
	body, err := json.Marshal(RequestEnvelope[any]{Data: data, Meta: meta})
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+PathPrefix+method, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return runcontrol.NewError(runcontrol.ErrServerUnreachable,
			fmt.Sprintf("server %s is unreachable", c.base), err,
			map[string]any{"address": c.base, "method": method})
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return runcontrol.NewError(runcontrol.ErrServerUnreachable,
			fmt.Sprintf("reading reply from %s failed", c.base), err,
			map[string]any{"address": c.base, "method": method})
	}

	var envelope struct {
		Data  json.RawMessage `json:"data"`
		Error *Error          `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("decode %s reply (status %d): %w", method, res.StatusCode, err)
	}
	if envelope.Error != nil {
		return envelope.Error
	}
	if res.StatusCode >= http.StatusBadRequest {
		return &Error{Code: "HTTP_" + fmt.Sprint(res.StatusCode), Message: strings.TrimSpace(string(raw))}
	}
	if out == nil || len(envelope.Data) == 0 {
		return nil
	}
	return json.Unmarshal(envelope.Data, out)
}
