package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	ctrlMetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
)

func freeAddr(t *testing.T) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func getBody(t *testing.T, url string) (int, string) {
	var resp *http.Response
	require.Eventually(t, func() bool {
		var err error
		resp, err = http.Get(url) // #nosec G107 -- local test server
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestRunFirstFailureCancelsOthers(t *testing.T) {
	failure := errors.New("bind failed")
	stopped := make(chan struct{})

	runnables := []manager.Runnable{
		manager.RunnableFunc(func(ctx context.Context) error {
			<-ctx.Done()
			close(stopped)
			return nil
		}),
		manager.RunnableFunc(func(context.Context) error {
			return failure
		}),
	}

	err := run(context.TODO(), runnables)
	assert.ErrorIs(t, err, failure)

	select {
	case <-stopped:
	default:
		t.Fatal("remaining runnable was not stopped")
	}
}

func TestRunStopsOnParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.TODO())
	started := make(chan struct{})

	go func() {
		<-started
		cancel()
	}()

	err := run(ctx, []manager.Runnable{
		manager.RunnableFunc(func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return nil
		}),
	})
	assert.NoError(t, err)
}

func TestMetricsServer(t *testing.T) {
	gauge := prom.NewGauge(prom.GaugeOpts{Name: "gpu_nodeagent_test_gauge", Help: "test gauge"})
	gauge.Set(42)
	ctrlMetrics.Registry.MustRegister(gauge)
	t.Cleanup(func() { ctrlMetrics.Registry.Unregister(gauge) })

	addr := freeAddr(t)
	srv, err := newMetricsServer(addr)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.TODO())
	doneCh := make(chan error, 1)
	go func() { doneCh <- srv.Start(ctx) }()

	status, body := getBody(t, fmt.Sprintf("http://%s/metrics", addr))
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "gpu_nodeagent_test_gauge 42")

	cancel()
	select {
	case err := <-doneCh:
		assert.NoError(t, err)
	case <-time.After(shutdownTimeout):
		t.Fatal("metrics server did not stop")
	}
}

func TestProbeServerRunnable(t *testing.T) {
	addr := freeAddr(t)
	mux := http.NewServeMux()
	mux.Handle("/healthz", &healthz.Handler{Checks: map[string]healthz.Checker{"healthz": healthz.Ping}})

	ctx, cancel := context.WithCancel(context.TODO())
	doneCh := make(chan error, 1)
	go func() {
		doneCh <- probeServerRunnable(&http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: time.Second})(ctx)
	}()

	status, _ := getBody(t, fmt.Sprintf("http://%s/healthz", addr))
	assert.Equal(t, http.StatusOK, status)

	cancel()
	select {
	case err := <-doneCh:
		assert.NoError(t, err)
	case <-time.After(shutdownTimeout):
		t.Fatal("probe server did not stop")
	}
}
