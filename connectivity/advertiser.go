package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/goliatone/go-runcontrol/cron"
	"github.com/goliatone/go-runcontrol/logging"
)

// DefaultRepublishInterval keeps the directory entry fresh.
const DefaultRepublishInterval = 2 * time.Second

// Advertiser publishes a control address and keeps re-publishing it
// until stopped.
type Advertiser struct {
	client    *Client
	uid       string
	uri       string
	dataType  string
	interval  time.Duration
	logger    logging.Logger
	scheduler *cron.Scheduler

	once sync.Once
}

type AdvertiserOption func(*Advertiser)

func WithInterval(d time.Duration) AdvertiserOption {
	return func(a *Advertiser) {
		if d > 0 {
			a.interval = d
		}
	}
}

func WithAdvertiserLogger(logger logging.Logger) AdvertiserOption {
	return func(a *Advertiser) {
		if logger != nil {
			a.logger = logger
		}
	}
}

func NewAdvertiser(client *Client, uid, uri, dataType string, opts ...AdvertiserOption) *Advertiser {
	a := &Advertiser{
		client:   client,
		uid:      uid,
		uri:      uri,
		dataType: dataType,
		interval: DefaultRepublishInterval,
		logger:   logging.Nop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	a.scheduler = cron.NewScheduler(cron.WithLogger(a.logger), cron.WithErrorHandler(func(_ string, err error) {
		a.logger.Warn("could not refresh %s: %v", a.uid, err)
	}))
	return a
}

// Start publishes once synchronously and then schedules the refresh job.
func (a *Advertiser) Start(ctx context.Context) error {
	if err := a.client.Publish(ctx, a.uid, a.uri, a.dataType); err != nil {
		return err
	}
	a.logger.Info("published %s at %s", a.uid, a.uri)
	err := a.scheduler.Every("publish "+a.uid, a.interval, func(ctx context.Context) error {
		return a.client.Publish(ctx, a.uid, a.uri, a.dataType)
	})
	if err != nil {
		return err
	}
	a.scheduler.Start()
	return nil
}

// Stop cancels the refresh job and retracts the address. It is safe to
// call more than once.
func (a *Advertiser) Stop(ctx context.Context) error {
	var err error
	a.once.Do(func() {
		_ = a.scheduler.Stop(ctx)
		err = a.client.Retract(ctx, a.uid, a.dataType)
	})
	return err
}
