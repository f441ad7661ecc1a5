package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/goliatone/go-runcontrol/config"
	"github.com/goliatone/go-runcontrol/connectivity"
	"github.com/goliatone/go-runcontrol/controller"
	"github.com/goliatone/go-runcontrol/logging"
	"github.com/goliatone/go-runcontrol/metrics"
	"github.com/goliatone/go-runcontrol/processmanager"
	"github.com/goliatone/go-runcontrol/rpc"
)

const shutdownTimeout = 10 * time.Second

type CLI struct {
	LogLevel string `help:"Log level." default:"info" enum:"trace,debug,info,warn,error"`
	LogJSON  bool   `help:"Write logs as JSON." name:"log-json"`

	Controller     ControllerCmd     `cmd:"" help:"Serve a controller node of the control tree."`
	ProcessManager ProcessManagerCmd `cmd:"" name:"process-manager" help:"Serve an SSH process manager."`
	Connectivity   ConnectivityCmd   `cmd:"" help:"Serve a connectivity directory."`
}

type app struct {
	logger logging.Logger
}

type ControllerCmd struct {
	Config string `arg:"" type:"existingfile" help:"Controller YAML configuration."`
}

func (c *ControllerCmd) Run(a *app) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.File(c.Config).Controller(ctx)
	if err != nil {
		return err
	}
	logger := logging.Named(a.logger, cfg.Name)
	collectors := metrics.New(cfg.Name)
	ctrl, err := controller.New(ctx, cfg, controller.WithLogger(logger), controller.WithMetrics(collectors))
	if err != nil {
		return err
	}

	server := newRPCServer(collectors, logger)
	if err := server.Register(ctrl); err != nil {
		return err
	}
	if err := ctrl.Start(ctx); err != nil {
		return err
	}
	defer ctrl.Terminate(context.Background())

	return serve(ctx, cfg.Listen, rpc.NewHTTPHandler(server,
		rpc.WithMetricsHandler(collectors.Handler()), rpc.WithHTTPLogger(logger)), logger)
}

type ProcessManagerCmd struct {
	Config string `arg:"" type:"existingfile" help:"Process manager YAML configuration."`
}

func (c *ProcessManagerCmd) Run(a *app) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.File(c.Config).ProcessManager(ctx)
	if err != nil {
		return err
	}
	logger := logging.Named(a.logger, cfg.Name)
	collectors := metrics.New(cfg.Name)
	pm, err := processmanager.New(cfg, processmanager.WithLogger(logger), processmanager.WithMetrics(collectors))
	if err != nil {
		return err
	}

	server := newRPCServer(collectors, logger)
	if err := server.Register(pm); err != nil {
		return err
	}
	defer pm.Close(context.Background())
	if err := pm.Start(ctx); err != nil {
		return err
	}

	return serve(ctx, cfg.Listen, rpc.NewHTTPHandler(server,
		rpc.WithMetricsHandler(collectors.Handler()), rpc.WithHTTPLogger(logger)), logger)
}

type ConnectivityCmd struct {
	Listen string `help:"Address to listen on." default:"0.0.0.0:5000"`
}

func (c *ConnectivityCmd) Run(a *app) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logging.Named(a.logger, "connectivity")
	return serve(ctx, c.Listen, connectivity.NewDirectory(logger).Handler(), logger)
}

func newRPCServer(collectors *metrics.Collectors, logger logging.Logger) *rpc.Server {
	return rpc.NewServer(
		rpc.WithServerLogger(logger),
		rpc.WithMiddleware(collectors.Middleware(), rpc.LoggingMiddleware(logger), rpc.TimeoutMiddleware()),
	)
}

// serve blocks until ctx is done or the listener fails.
func serve(ctx context.Context, address string, handler http.Handler, logger logging.Logger) error {
	srv := &http.Server{Addr: address, Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	errs := make(chan error, 1)
	go func() {
		logger.Info("listening on %s", address)
		errs <- srv.ListenAndServe()
	}()

	select {
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("runcontrol"),
		kong.Description("Run control for distributed data acquisition."),
		kong.UsageOnError(),
	)
	logger := logging.NewGlog(os.Stderr, cli.LogLevel, cli.LogJSON)
	ctx.FatalIfErrorf(ctx.Run(&app{logger: logger}))
}
