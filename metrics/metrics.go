// Package metrics exposes prometheus collectors for controllers and
// process managers on a private registry.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	runcontrol "github.com/goliatone/go-runcontrol"
	"github.com/goliatone/go-runcontrol/rpc"
)

const namespace = "runcontrol"

// Collectors is nil-safe: every method on a nil *Collectors is a no-op.
type Collectors struct {
	registry *prometheus.Registry

	commands    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	transitions *prometheus.CounterVec
	inError     *prometheus.GaugeVec
	rpcRequests *prometheus.CounterVec
	processes   *prometheus.GaugeVec
	signals     *prometheus.CounterVec
}

// New registers the collectors of one node, plus the go and process
// collectors, on a fresh registry.
func New(node string) *Collectors {
	constLabels := prometheus.Labels{"node": node}
	c := &Collectors{
		registry: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "commands_total",
			Help:        "Commands executed, by command and response flag.",
			ConstLabels: constLabels,
		}, []string{"command", "flag"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "command_duration_seconds",
			Help:        "Wall time of a command including fan-out to children.",
			ConstLabels: constLabels,
			Buckets:     prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"command"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "fsm_transitions_total",
			Help:        "FSM transitions attempted, by transition and FSM flag.",
			ConstLabels: constLabels,
		}, []string{"transition", "flag"}),
		inError: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "in_error",
			Help:        "1 when the node is in error.",
			ConstLabels: constLabels,
		}, []string{}),
		rpcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "rpc_requests_total",
			Help:        "RPC requests served, by method and outcome.",
			ConstLabels: constLabels,
		}, []string{"method", "outcome"}),
		processes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "processes",
			Help:        "Processes known to the process manager, by status.",
			ConstLabels: constLabels,
		}, []string{"status"}),
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "process_signals_total",
			Help:        "Signals sent to managed processes.",
			ConstLabels: constLabels,
		}, []string{"signal"}),
	}
	c.registry.MustRegister(
		c.commands, c.duration, c.transitions, c.inError,
		c.rpcRequests, c.processes, c.signals,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collectors) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the prometheus text format.
func (c *Collectors) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collectors) ObserveCommand(command string, flag runcontrol.Flag, took time.Duration) {
	if c == nil {
		return
	}
	c.commands.WithLabelValues(command, string(flag)).Inc()
	c.duration.WithLabelValues(command).Observe(took.Seconds())
}

func (c *Collectors) ObserveTransition(transition string, flag runcontrol.FSMFlag) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(transition, string(flag)).Inc()
}

func (c *Collectors) SetInError(inError bool) {
	if c == nil {
		return
	}
	v := 0.0
	if inError {
		v = 1
	}
	c.inError.WithLabelValues().Set(v)
}

func (c *Collectors) SetProcesses(running, dead int) {
	if c == nil {
		return
	}
	c.processes.WithLabelValues(string(runcontrol.ProcessRunning)).Set(float64(running))
	c.processes.WithLabelValues(string(runcontrol.ProcessDead)).Set(float64(dead))
}

func (c *Collectors) ObserveSignal(signal string) {
	if c == nil {
		return
	}
	c.signals.WithLabelValues(signal).Inc()
}

// Middleware counts every RPC invocation.
func (c *Collectors) Middleware() rpc.Middleware {
	return func(next rpc.InvokeHandler) rpc.InvokeHandler {
		return func(ctx context.Context, req rpc.InvokeRequest) (any, error) {
			out, err := next(ctx, req)
			if c != nil {
				outcome := "ok"
				if err != nil {
					outcome = "error"
				}
				c.rpcRequests.WithLabelValues(req.Method, outcome).Inc()
			}
			return out, err
		}
	}
}
