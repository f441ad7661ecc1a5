package children

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	runcontrol "github.com/goliatone/go-runcontrol"
	"github.com/goliatone/go-runcontrol/logging"
)

const (
	RESTCommandPath = "/command"
	RESTStatusPath  = "/status"
)

// RESTCommand is the body posted to a leaf application's command path.
type RESTCommand struct {
	Command   string         `json:"command"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Data      string         `json:"data,omitempty"`
}

// RESTReply is a leaf application's answer to a command.
type RESTReply struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// RESTStatus is a leaf application's status document.
type RESTStatus struct {
	State    string `json:"state"`
	SubState string `json:"sub_state,omitempty"`
	InError  bool   `json:"in_error"`
}

// RESTApplication drives a leaf application that has no FSM of its own.
type RESTApplication struct {
	name    string
	address string
	base    string
	http    *http.Client
	logger  logging.Logger
	once    sync.Once
}

// RESTOption configures a RESTApplication.
type RESTOption func(*RESTApplication)

func WithRESTHTTPClient(c *http.Client) RESTOption {
	return func(r *RESTApplication) {
		if c != nil {
			r.http = c
		}
	}
}

func WithRESTLogger(logger logging.Logger) RESTOption {
	return func(r *RESTApplication) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func NewRESTApplication(name, address string, opts ...RESTOption) *RESTApplication {
	r := &RESTApplication{
		name:    name,
		address: address,
		base:    "http://" + strings.TrimPrefix(address, "http://"),
		http:    &http.Client{Timeout: 10 * time.Second},
		logger:  logging.Nop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func (r *RESTApplication) Name() string     { return r.name }
func (r *RESTApplication) Type() Type       { return TypeRESTApplication }
func (r *RESTApplication) Endpoint() string { return r.address }

func (r *RESTApplication) Terminate() {
	r.once.Do(r.http.CloseIdleConnections)
}

func (r *RESTApplication) PropagateCommand(ctx context.Context, command string, data any, token runcontrol.Token) (runcontrol.Response, error) {
	switch command {
	case runcontrol.CommandExecuteFSM:
		return r.execute(ctx, data, token)
	case runcontrol.CommandStatus:
		return r.GetStatus(ctx, token)
	case runcontrol.CommandDescribe:
		return r.Describe(ctx, token)
	}
	r.logger.Debug("Ignoring command '%s' sent to '%s'", command, r.name)
	return notImplemented(r.name, token), nil
}

func (r *RESTApplication) GetStatus(ctx context.Context, token runcontrol.Token) (runcontrol.Response, error) {
	var st RESTStatus
	if err := r.do(ctx, http.MethodGet, RESTStatusPath, nil, &st); err != nil {
		return runcontrol.Response{}, err
	}
	sub := st.SubState
	if sub == "" {
		sub = st.State
	}
	return statusResponse(token, runcontrol.Status{
		Name:     r.name,
		State:    st.State,
		SubState: sub,
		InError:  st.InError,
		Included: true,
	}), nil
}

func (r *RESTApplication) Describe(_ context.Context, token runcontrol.Token) (runcontrol.Response, error) {
	return runcontrol.Response{
		Name:  r.name,
		Token: token,
		Flag:  runcontrol.FlagExecutedSuccessfully,
		Data: runcontrol.Payload{Description: &runcontrol.Description{
			Type:     string(TypeRESTApplication),
			Name:     r.name,
			Endpoint: r.address,
			Commands: []runcontrol.CommandDescription{
				{Name: runcontrol.CommandDescribe, ReturnType: "Description"},
				{Name: runcontrol.CommandStatus, ReturnType: "Status"},
				{Name: runcontrol.CommandExecuteFSM, DataType: []string{"FSMCommand"}, ReturnType: "FSMCommandResponse"},
			},
		}},
	}, nil
}

func (r *RESTApplication) execute(ctx context.Context, data any, token runcontrol.Token) (runcontrol.Response, error) {
	var cmd runcontrol.FSMCommand
	switch v := data.(type) {
	case runcontrol.FSMCommand:
		cmd = v
	case *runcontrol.FSMCommand:
		if v != nil {
			cmd = *v
		}
	}

	var reply RESTReply
	body := RESTCommand{Command: cmd.CommandName, Arguments: cmd.Arguments, Data: cmd.Data}
	if err := r.do(ctx, http.MethodPost, RESTCommandPath, body, &reply); err != nil {
		return runcontrol.Response{}, err
	}
	flag := runcontrol.FSMExecutedSuccessfully
	if !reply.Success {
		flag = runcontrol.FSMFailed
	}
	return runcontrol.FSMResponse(r.name, token, flag, cmd.CommandName, reply.Message, nil), nil
}

func (r *RESTApplication) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request to %s: %w", r.name, err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := r.http.Do(req)
	if err != nil {
		return runcontrol.NewError(runcontrol.ErrServerUnreachable,
			fmt.Sprintf("application %s at %s is unreachable", r.name, r.address), err,
			map[string]any{"child": r.name, "address": r.address})
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return runcontrol.NewError(runcontrol.ErrServerUnreachable,
			fmt.Sprintf("reading reply from %s failed", r.name), err,
			map[string]any{"child": r.name, "address": r.address})
	}
	if res.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("%s %s returned %d: %s", method, path, res.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}
