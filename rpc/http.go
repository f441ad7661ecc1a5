package rpc

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"

	runcontrol "github.com/goliatone/go-runcontrol"
	"github.com/goliatone/go-runcontrol/logging"
)

const (
	// PathPrefix is where methods are mounted: POST /rpc/<method>.
	PathPrefix  = "/rpc/"
	MetricsPath = "/metrics"
)

// HTTPOption configures the HTTP transport.
type HTTPOption func(*httpTransport)

// WithMetricsHandler serves h on GET /metrics.
func WithMetricsHandler(h http.Handler) HTTPOption {
	return func(t *httpTransport) {
		t.metrics = h
	}
}

func WithHTTPLogger(logger logging.Logger) HTTPOption {
	return func(t *httpTransport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

type httpTransport struct {
	server  *Server
	metrics http.Handler
	logger  logging.Logger
}

// NewHTTPHandler exposes every method of server as POST /rpc/<method>.
func NewHTTPHandler(server *Server, opts ...HTTPOption) http.Handler {
	t := &httpTransport{server: server, logger: logging.Nop()}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.POST(PathPrefix+":method", t.invoke)
	engine.GET("/rpc", t.list)
	if t.metrics != nil {
		engine.GET(MetricsPath, gin.WrapH(t.metrics))
	}
	return engine
}

func (t *httpTransport) list(c *gin.Context) {
	t.write(c, http.StatusOK, ResponseEnvelope[[]Endpoint]{Data: t.server.Endpoints()})
}

func (t *httpTransport) invoke(c *gin.Context) {
	method := strings.TrimSpace(c.Param("method"))
	if !t.server.Has(method) {
		t.fail(c, http.StatusNotFound, &Error{Code: "METHOD_NOT_FOUND", Message: "rpc method " + method + " not found"})
		return
	}

	req, err := t.server.NewRequestForMethod(method)
	if err != nil {
		t.fail(c, http.StatusInternalServerError, errorFrom(err))
		return
	}
	body, err := c.GetRawData()
	if err != nil {
		t.fail(c, http.StatusBadRequest, &Error{Code: "BAD_REQUEST", Message: err.Error()})
		return
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, req); err != nil {
			t.fail(c, http.StatusBadRequest, &Error{Code: "BAD_REQUEST", Message: "cannot decode request: " + err.Error()})
			return
		}
	}

	out, err := t.server.Invoke(c.Request.Context(), method, req)
	if err != nil {
		t.logger.Error("rpc %s failed: %v", method, err)
		t.fail(c, http.StatusInternalServerError, errorFrom(err))
		return
	}
	t.write(c, http.StatusOK, out)
}

func (t *httpTransport) fail(c *gin.Context, status int, e *Error) {
	t.write(c, status, ResponseEnvelope[any]{Error: e})
}

func (t *httpTransport) write(c *gin.Context, status int, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		raw, _ = json.Marshal(ResponseEnvelope[any]{Error: &Error{Code: "ENCODE_FAILED", Message: err.Error()}})
	}
	c.Data(status, "application/json", raw)
}

// errorFrom maps a domain error onto the wire envelope.
func errorFrom(err error) *Error {
	var wire *Error
	if errors.As(err, &wire) {
		return wire
	}
	code := runcontrol.ErrorCode(err)
	if code == "" {
		code = "INTERNAL"
	}
	return &Error{
		Code:      code,
		Message:   runcontrol.ErrorMessage(err),
		Retryable: code == runcontrol.ErrCodeServerUnreachable,
		Details:   runcontrol.ErrorMetadata(err),
	}
}
