package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	runcontrol "github.com/goliatone/go-runcontrol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func zeroBackOff() backoff.BackOff { return &backoff.ZeroBackOff{} }

func newDirectoryServer(t *testing.T) (*Directory, *httptest.Server) {
	t.Helper()
	d := NewDirectory(nil)
	srv := httptest.NewServer(d.Handler())
	t.Cleanup(srv.Close)
	return d, srv
}

func TestPublishResolveRetract(t *testing.T) {
	_, srv := newDirectoryServer(t)
	c := NewClient("s1", strings.TrimPrefix(srv.URL, "http://"), WithAttempts(3), WithBackOff(zeroBackOff))
	assert.True(t, strings.HasPrefix(c.Address(), "http://"))
	ctx := context.Background()

	require.NoError(t, c.Publish(ctx, ControlUID("top"), "grpc://host:1234", RunControlDataType))
	require.NoError(t, c.Publish(ctx, ControlUID("sub"), "grpc://host:1235", RunControlDataType))

	uri, err := c.ResolveOne(ctx, ControlUID("top"), RunControlDataType)
	require.NoError(t, err)
	assert.Equal(t, "grpc://host:1234", uri)

	found, err := c.Resolve(ctx, ".*_control", RunControlDataType)
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "sub_control", found[0].UID)

	require.NoError(t, c.Retract(ctx, ControlUID("top"), RunControlDataType))
	_, err = c.Resolve(ctx, ControlUID("top"), RunControlDataType)
	assert.True(t, runcontrol.HasCode(err, runcontrol.ErrCodeApplicationLookupFailed))

	err = c.Retract(ctx, ControlUID("top"), RunControlDataType)
	assert.True(t, runcontrol.HasCode(err, runcontrol.ErrCodeApplicationNotRegistered))
}

func TestLookupIsPartitioned(t *testing.T) {
	_, srv := newDirectoryServer(t)
	ctx := context.Background()
	a := NewClient("a", srv.URL, WithAttempts(1), WithBackOff(zeroBackOff))
	b := NewClient("b", srv.URL, WithAttempts(1), WithBackOff(zeroBackOff))

	require.NoError(t, a.Publish(ctx, "x_control", "rest://h:1", RunControlDataType))
	_, err := b.Resolve(ctx, "x_control", RunControlDataType)
	assert.True(t, runcontrol.HasCode(err, runcontrol.ErrCodeApplicationLookupFailed))
}

func TestResolveRetriesUntilPublished(t *testing.T) {
	d, srv := newDirectoryServer(t)
	var calls atomic.Int32
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 3 {
			d.Publish(PublishRequest{Partition: "s", Connections: []Connection{{UID: "late_control", URI: "rest://h:2", DataType: RunControlDataType}}})
		}
		d.Handler().ServeHTTP(w, r)
	}))
	t.Cleanup(proxy.Close)
	_ = srv

	c := NewClient("s", proxy.URL, WithAttempts(5), WithBackOff(zeroBackOff))
	uri, err := c.ResolveOne(context.Background(), "late_control", RunControlDataType)
	require.NoError(t, err)
	assert.Equal(t, "rest://h:2", uri)
	assert.Equal(t, int32(3), calls.Load())
}

func TestUnreachableServiceFailsAfterAttempts(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	address := srv.URL
	srv.Close()

	c := NewClient("s", address, WithAttempts(2), WithBackOff(zeroBackOff))
	err := c.Publish(context.Background(), "x", "y", RunControlDataType)
	assert.True(t, runcontrol.HasCode(err, runcontrol.ErrCodeConnectivityRequestFailed))
}

func TestAdvertiserPublishesAndRetracts(t *testing.T) {
	d, srv := newDirectoryServer(t)
	c := NewClient("s", srv.URL, WithAttempts(2), WithBackOff(zeroBackOff))
	a := NewAdvertiser(c, ControlUID("ctrl"), "grpc://h:3", RunControlDataType, WithInterval(time.Second))

	require.NoError(t, a.Start(context.Background()))
	found, err := d.Lookup("s", LookupRequest{DataType: RunControlDataType, UIDRegex: "ctrl_control"})
	require.NoError(t, err)
	assert.Len(t, found, 1)

	require.NoError(t, a.Stop(context.Background()))
	require.NoError(t, a.Stop(context.Background()))
	found, err = d.Lookup("s", LookupRequest{DataType: RunControlDataType, UIDRegex: "ctrl_control"})
	require.NoError(t, err)
	assert.Empty(t, found)
}
