package rpc

import (
	"context"
	"time"

	"github.com/goliatone/go-runcontrol/logging"
)

// InvokeRequest is what middleware sees of a call.
type InvokeRequest struct {
	Method   string
	Endpoint Endpoint
	Payload  any
}

type InvokeHandler func(context.Context, InvokeRequest) (any, error)

type Middleware func(next InvokeHandler) InvokeHandler

// applyMiddleware wraps invoke so that middleware[0] runs first.
func applyMiddleware(middleware []Middleware, invoke func(context.Context, any) (any, error)) InvokeHandler {
	var h InvokeHandler = func(ctx context.Context, req InvokeRequest) (any, error) {
		return invoke(ctx, req.Payload)
	}
	for i := range middleware {
		if mw := middleware[len(middleware)-1-i]; mw != nil {
			h = mw(h)
		}
	}
	return h
}

// TimeoutMiddleware applies EndpointSpec.Timeout when one is declared.
func TimeoutMiddleware() Middleware {
	return func(next InvokeHandler) InvokeHandler {
		return func(ctx context.Context, req InvokeRequest) (any, error) {
			if req.Endpoint.Timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, req.Endpoint.Timeout)
				defer cancel()
			}
			return next(ctx, req)
		}
	}
}

// LoggingMiddleware logs every call at debug and failures at error, with
// the caller's request id when the payload carries one.
func LoggingMiddleware(logger logging.Logger) Middleware {
	logger = logging.Named(logger, "rpc")
	return func(next InvokeHandler) InvokeHandler {
		return func(ctx context.Context, req InvokeRequest) (any, error) {
			start := time.Now()
			out, err := next(ctx, req)
			took := time.Since(start)
			id := requestID(req.Payload)
			if err != nil {
				logger.Error("%s [%s] failed after %s: %v", req.Method, id, took, err)
			} else {
				logger.Debug("%s [%s] served in %s", req.Method, id, took)
			}
			return out, err
		}
	}
}

type metaCarrier interface {
	requestMeta() RequestMeta
}

func (e RequestEnvelope[T]) requestMeta() RequestMeta { return e.Meta }

func requestID(payload any) string {
	if mc, ok := payload.(metaCarrier); ok && mc.requestMeta().RequestID != "" {
		return mc.requestMeta().RequestID
	}
	return "-"
}
