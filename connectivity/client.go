package connectivity

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	json "github.com/goccy/go-json"

	runcontrol "github.com/goliatone/go-runcontrol"
	"github.com/goliatone/go-runcontrol/logging"
)

const (
	DefaultAttempts       = 50
	DefaultRequestTimeout = 500 * time.Millisecond
)

// Client is safe for concurrent use.
type Client struct {
	session  string
	address  string
	http     *http.Client
	attempts int
	backoff  func() backoff.BackOff
	logger   logging.Logger
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

func WithAttempts(n int) Option {
	return func(cl *Client) {
		if n > 0 {
			cl.attempts = n
		}
	}
}

// WithBackOff sets the policy factory used for each request.
func WithBackOff(factory func() backoff.BackOff) Option {
	return func(cl *Client) {
		if factory != nil {
			cl.backoff = factory
		}
	}
}

func WithLogger(logger logging.Logger) Option {
	return func(cl *Client) {
		if logger != nil {
			cl.logger = logger
		}
	}
}

// DefaultBackOff waits 0.2 s growing to 0.5 s between attempts.
func DefaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.Multiplier = 1.5
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	return b
}

// NewClient prepends http:// to a bare host:port address.
func NewClient(session, address string, opts ...Option) *Client {
	address = strings.TrimRight(strings.TrimSpace(address), "/")
	if !strings.HasPrefix(address, "http://") && !strings.HasPrefix(address, "https://") {
		address = "http://" + address
	}
	c := &Client{
		session:  session,
		address:  address,
		http:     &http.Client{Timeout: DefaultRequestTimeout},
		attempts: DefaultAttempts,
		backoff:  DefaultBackOff,
		logger:   logging.Nop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.logger = logging.Named(c.logger, "connectivity")
	return c
}

func (c *Client) Address() string { return c.address }

func (c *Client) Session() string { return c.session }

// Publish registers uid at uri.
func (c *Client) Publish(ctx context.Context, uid, uri, dataType string) error {
	body := PublishRequest{
		Partition: c.session,
		Connections: []Connection{{
			ConnectionType: 0,
			DataType:       dataType,
			UID:            uid,
			URI:            uri,
		}},
	}
	attempt := 0
	return c.retry(ctx, func() error {
		attempt++
		c.logger.Debug("publishing '%s' on the connectivity service, attempt %d", uid, attempt)
		status, _, err := c.post(ctx, "/publish", body)
		if err != nil {
			return err
		}
		if status >= http.StatusBadRequest {
			return fmt.Errorf("publish returned status %d", status)
		}
		return nil
	}, "publish", uid)
}

// Retract removes uid. An unknown uid is ApplicationNotRegistered and is
// not retried.
func (c *Client) Retract(ctx context.Context, uid, dataType string) error {
	body := RetractRequest{
		Partition:   c.session,
		Connections: []ConnectionID{{ConnectionID: uid, DataType: dataType}},
	}
	attempt := 0
	return c.retry(ctx, func() error {
		attempt++
		c.logger.Debug("retracting '%s' on the connectivity service, attempt %d", uid, attempt)
		status, _, err := c.post(ctx, "/retract", body)
		if err != nil {
			return err
		}
		if status == http.StatusNotFound {
			c.logger.Warn("connection '%s' not found on the application registry", uid)
			return backoff.Permanent(runcontrol.NewError(runcontrol.ErrApplicationNotRegistered,
				fmt.Sprintf("connection %q is not registered", uid), nil,
				map[string]any{"uid": uid, "session": c.session}))
		}
		if status >= http.StatusBadRequest {
			return fmt.Errorf("retract returned status %d", status)
		}
		return nil
	}, "retract", uid)
}

// Resolve looks up every connection of dataType whose uid matches
// uidRegex. An empty result is retried; exhausting the attempts is
// ApplicationLookupUnsuccessful.
func (c *Client) Resolve(ctx context.Context, uidRegex, dataType string) ([]Lookup, error) {
	var found []Lookup
	attempt := 0
	err := c.retry(ctx, func() error {
		attempt++
		c.logger.Debug("looking up '%s' on the connectivity service, attempt %d", uidRegex, attempt)
		status, raw, err := c.post(ctx, "/getconnection/"+c.session, LookupRequest{DataType: dataType, UIDRegex: uidRegex})
		if err != nil {
			return err
		}
		if status >= http.StatusBadRequest {
			return fmt.Errorf("lookup returned status %d", status)
		}
		var out []Lookup
		if err := json.Unmarshal(raw, &out); err != nil {
			return fmt.Errorf("decode lookup reply: %w", err)
		}
		if len(out) == 0 {
			return fmt.Errorf("could not find the address of '%s' on the application registry", uidRegex)
		}
		found = out
		return nil
	}, "lookup", uidRegex)
	if err != nil {
		return nil, runcontrol.NewError(runcontrol.ErrApplicationLookupFailed,
			fmt.Sprintf("could not find the address of %q on the application registry", uidRegex), err,
			map[string]any{"uid_regex": uidRegex, "session": c.session, "attempts": attempt})
	}
	return found, nil
}

// ResolveOne returns the uri of the first match.
func (c *Client) ResolveOne(ctx context.Context, uidRegex, dataType string) (string, error) {
	found, err := c.Resolve(ctx, uidRegex, dataType)
	if err != nil {
		return "", err
	}
	return found[0].URI, nil
}

func (c *Client) retry(ctx context.Context, op func() error, action, uid string) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(c.backoff(), uint64(c.attempts-1)), ctx)
	err := backoff.Retry(op, policy)
	if err == nil || runcontrol.IsDomainError(err) {
		return err
	}
	return runcontrol.NewError(runcontrol.ErrConnectivityRequestFailed,
		fmt.Sprintf("%s of %q failed after %d attempts", action, uid, c.attempts), err,
		map[string]any{"uid": uid, "address": c.address})
}

func (c *Client) post(ctx context.Context, path string, body any) (int, []byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return 0, nil, backoff.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.address+path, bytes.NewReader(raw))
	if err != nil {
		return 0, nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer res.Body.Close()
	out, err := io.ReadAll(res.Body)
	if err != nil {
		return res.StatusCode, nil, err
	}
	return res.StatusCode, out, nil
}
