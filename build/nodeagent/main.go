/*


Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	ctrlMetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"github.com/AMDEPYC/gpu-power-manager/internal/config"
	"github.com/AMDEPYC/gpu-power-manager/internal/metrics"
	"github.com/AMDEPYC/gpu-power-manager/internal/monitoring"
	"github.com/AMDEPYC/gpu-power-manager/internal/scaling"
	"github.com/AMDEPYC/gpu-power-manager/pkg/dfrgx"
)

const shutdownTimeout = 5 * time.Second

var setupLog = ctrl.Log.WithName("setup")

func main() {
	var metricsAddr string
	var probeAddr string
	var configPath string
	flag.StringVar(&metricsAddr, "metrics-bind-address", ":10001", "The address the metric endpoint binds to.")
	flag.StringVar(&probeAddr, "health-probe-bind-address", ":10002", "The address the probe endpoint binds to.")
	flag.StringVar(&configPath, "config", "", "Path to the governor configuration file. "+
		"Defaults to DFRGX_CONFIG_PATH or "+config.DefaultConfigPath+".")
	logOpts := zap.Options{}
	logOpts.BindFlags(flag.CommandLine)
	flag.Parse()

	ctrl.SetLogger(zap.New(
		zap.UseDevMode(true),
		func(o *zap.Options) {
			o.TimeEncoder = zapcore.ISO8601TimeEncoder
		},
		zap.UseFlagOptions(&logOpts),
	),
	)
	dfrgx.SetLogger(ctrl.Log.WithName("dfrgx"))

	env, err := config.LoadEnvOverrides()
	if err != nil {
		setupLog.Error(err, "unable to read environment")
		os.Exit(1)
	}
	if configPath == "" {
		configPath = env.ConfigPath
	}

	cfg, err := config.Load(configPath, env)
	if err != nil {
		setupLog.Error(err, "unable to load configuration", "path", configPath)
		os.Exit(1)
	}
	if cfg.MetricsBindAddress != "" {
		metricsAddr = cfg.MetricsBindAddress
	}
	if cfg.ProbeBindAddress != "" {
		probeAddr = cfg.ProbeBindAddress
	}

	devfreqClient := metrics.NewDevfreqTelemetryClient(ctrl.Log.WithName("metrics").WithName("devfreq"))
	recorder := monitoring.NewGovernorRecorder(ctrl.Log.WithName(monitoring.LogTopName))
	monitoring.RegisterGovernorCollectors(ctrlMetrics.Registry, recorder)

	scalingMgr := scaling.NewGPUScalingManager(devfreqClient, recorder)
	scalingMgr.UpdateConfig(cfg.ScalingOpts())
	logDeviceInventory(devfreqClient)

	watcher, err := config.NewWatcher(configPath, env, func(c *config.Config) {
		scalingMgr.UpdateConfig(c.ScalingOpts())
		logDeviceInventory(devfreqClient)
	}, ctrl.Log.WithName("config"))
	if err != nil {
		setupLog.Error(err, "unable to watch configuration", "path", configPath)
		os.Exit(1)
	}

	metricsServer, err := newMetricsServer(metricsAddr)
	if err != nil {
		setupLog.Error(err, "unable to create metrics server")
		os.Exit(1)
	}

	probeMux := http.NewServeMux()
	probeMux.Handle("/healthz", &healthz.Handler{Checks: map[string]healthz.Checker{"healthz": healthz.Ping}})
	probeMux.Handle("/readyz", &healthz.Handler{Checks: map[string]healthz.Checker{"readyz": healthz.Ping}})

	runnables := []manager.Runnable{
		scalingMgr,
		watcher,
		metricsServer,
		probeServerRunnable(&http.Server{Addr: probeAddr, Handler: probeMux, ReadHeaderTimeout: 10 * time.Second}),
	}

	setupLog.Info("starting node agent", "metrics", metricsAddr, "probes", probeAddr, "devices", len(cfg.Devices))
	if err := run(ctrl.SetupSignalHandler(), runnables); err != nil {
		setupLog.Error(err, "problem running node agent")
		os.Exit(1)
	}
}

// run starts every runnable and waits for all of them to return. The first
// failure cancels the others.
func run(ctx context.Context, runnables []manager.Runnable) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, r := range runnables {
		g.Go(func() error {
			return r.Start(ctx)
		})
	}
	return g.Wait()
}

// newMetricsServer serves ctrlMetrics.Registry on /metrics. The rest config
// is only needed for authn/authz filters, which the agent does not use.
func newMetricsServer(addr string) (metricsserver.Server, error) {
	return metricsserver.NewServer(metricsserver.Options{
		BindAddress: addr,
	}, nil, nil)
}

func probeServerRunnable(srv *http.Server) manager.RunnableFunc {
	return func(ctx context.Context) error {
		errCh := make(chan error, 1)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("probe server on %s failed: %w", srv.Addr, err)
			}
			close(errCh)
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func logDeviceInventory(client metrics.DevfreqTelemetryClient) {
	for _, dev := range client.ListDevices() {
		freqs, err := client.GetAvailableFrequencies(dev.Name)
		fuseSet := dfrgx.IsMaxFuseSet(metrics.NewFuseReporter(client, dev.Name))
		table := dfrgx.NewFrequencyTable(fuseSet)

		supported := 0
		for _, f := range freqs {
			if table.IsValid(f) {
				supported++
			}
		}
		setupLog.Info(
			"device status",
			"device", dev.Name,
			"available", len(freqs),
			"supported", supported,
			"fuse640MHz", fuseSet,
			"error", err)
	}
}
