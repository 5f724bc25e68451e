// Copyright 2022 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/flotilla-io/flotilla/pkg/gcs"
	"github.com/flotilla-io/flotilla/pkg/kv"
	"github.com/flotilla-io/flotilla/pkg/monitor"
)

const (
	envFakeCluster      = "FLOTILLA_FAKE_CLUSTER"
	envFateshareWorkers = "FLOTILLA_AUTOSCALER_FATESHARE_WORKERS"
)

func main() {
	a := kingpin.New("cluster-monitor", "The Flotilla cluster autoscaler monitor")

	var (
		redisAddress = a.Flag("redis-address", "The address to use for Redis.").
				Required().String()
		autoscalingConfig = a.Flag("autoscaling-config", "The path to the autoscaling config file. Absent, the monitor mirrors the cluster read-only.").
					String()
		redisPassword = a.Flag("redis-password", "The password to use for Redis.").
				Default("").String()
		loggingLevel = a.Flag("logging-level", "The level of logging.").
				Default("info").Enum("debug", "info", "warn", "error")
		loggingFormat = a.Flag("logging-format", "The log line format.").
				Default("logfmt").Enum("logfmt", "json")
		loggingFilename = a.Flag("logging-filename", "The name of the log file. Logs go to stderr if empty.").
				Default("").String()
		logsDir = a.Flag("logs-dir", "The directory used for log files.").
			Required().String()
		loggingRotateBytes = a.Flag("logging-rotate-bytes", "Maximum bytes before the log file is rotated.").
					Default("536870912").Int()
		loggingRotateBackupCount = a.Flag("logging-rotate-backup-count", "Number of rotated log files to retain.").
						Default("5").Int()
		monitorIP = a.Flag("monitor-ip", "The IP address of the machine hosting the monitor process.").
				Default("").String()
		updateInterval = a.Flag("update-interval", "Time between monitor iterations.").
				Default("5s").Duration()
		metricsPort = a.Flag("metrics-port", "Port for the Prometheus endpoint.").
				Default(fmt.Sprintf("%d", monitor.DefaultMetricsPort)).Int()
	)
	a.HelpFlag.Short('h')

	if _, err := a.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing commandline arguments: %s\n", err)
		a.Usage(os.Args[1:])
		os.Exit(2)
	}

	logger := setupLogger(*loggingLevel, *loggingFormat, *logsDir, *loggingFilename, *loggingRotateBytes, *loggingRotateBackupCount)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	monitor.RegisterMetrics(reg)

	store := kv.NewRedisStore(*redisAddress, *redisPassword, "")

	ctxSetup, cancelSetup := context.WithTimeout(context.Background(), time.Minute)
	gcsAddr, err := store.Get(ctxSetup, kv.KeyGCSServerAddress)
	cancelSetup()
	if err != nil || gcsAddr == nil {
		level.Error(logger).Log("msg", "resolving global state service address failed", "err", err)
		os.Exit(1)
	}

	var clusterConfig *monitor.ClusterConfig
	var factory monitor.AutoscalerFactory
	if *autoscalingConfig != "" {
		clusterConfig, err = monitor.LoadClusterConfig(*autoscalingConfig)
		if err != nil {
			level.Error(logger).Log("msg", "loading autoscaling config failed", "err", err)
			os.Exit(1)
		}
		provider, err := monitor.NewNodeProvider(clusterConfig.Provider)
		if err != nil {
			level.Error(logger).Log("msg", "constructing node provider failed", "err", err)
			os.Exit(1)
		}
		factory = func(logger log.Logger, config func() *monitor.ClusterConfig, lm *monitor.LoadMetrics, es *monitor.EventSummarizer) (monitor.Autoscaler, error) {
			return monitor.NewStandardAutoscaler(logger, config, provider, lm, es), nil
		}
	}

	headNodeIP := *monitorIP
	if headNodeIP == "" {
		headNodeIP, _, _ = net.SplitHostPort(*redisAddress)
	}

	mon, err := monitor.New(logger, store, gcs.NewHTTPClient(string(gcsAddr)), clusterConfig, factory, monitor.Options{
		UpdateInterval:   *updateInterval,
		HeadNodeIP:       headNodeIP,
		MonitorIP:        *monitorIP,
		MetricsPort:      *metricsPort,
		FakeCluster:      os.Getenv(envFakeCluster) != "",
		FateshareWorkers: os.Getenv(envFateshareWorkers) == "1",
	})
	if err != nil {
		level.Error(logger).Log("msg", "instantiating monitor failed", "err", err)
		os.Exit(1)
	}

	level.Info(logger).Log("msg", "monitor started", "command", strings.Join(os.Args, " "))

	var g run.Group
	// Termination handler. The failure path must run before exiting so
	// workers are torn down and the error is broadcast; the exit status
	// encodes the signal.
	{
		term := make(chan os.Signal, 1)
		cancel := make(chan struct{})
		signal.Notify(term, syscall.SIGINT, syscall.SIGTERM)

		g.Add(
			func() error {
				select {
				case sig := <-term:
					signum := int(sig.(syscall.Signal))
					mon.HandleFailure(fmt.Sprintf("Terminated with signal %d", signum))
					os.Exit(128 + signum)
				case <-cancel:
				}
				return nil
			},
			func(error) {
				close(cancel)
			},
		)
	}
	// Monitor metrics.
	{
		server := &http.Server{Addr: fmt.Sprintf(":%d", *metricsPort)}
		http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		g.Add(func() error {
			return server.ListenAndServe()
		}, func(error) {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			_ = server.Shutdown(ctx)
			cancel()
		})
	}
	// Main monitor loop.
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return mon.Run(ctx)
		}, func(error) {
			cancel()
		})
	}
	if err := g.Run(); err != nil {
		mon.HandleFailure(err.Error())
		level.Error(logger).Log("msg", "exit with error", "err", err)
		os.Exit(1)
	}
}

func setupLogger(lvl, format, logsDir, filename string, rotateBytes, backupCount int) log.Logger {
	var w = log.NewSyncWriter(os.Stderr)
	if filename != "" {
		maxSizeMB := rotateBytes / (1 << 20)
		if maxSizeMB == 0 {
			maxSizeMB = 1
		}
		w = log.NewSyncWriter(&lumberjack.Logger{
			Filename:   filepath.Join(logsDir, filename),
			MaxSize:    maxSizeMB,
			MaxBackups: backupCount,
		})
	}
	var logger log.Logger
	if format == "json" {
		logger = log.NewJSONLogger(w)
	} else {
		logger = log.NewLogfmtLogger(w)
	}
	switch lvl {
	case "debug":
		logger = level.NewFilter(logger, level.AllowDebug())
	case "warn":
		logger = level.NewFilter(logger, level.AllowWarn())
	case "error":
		logger = level.NewFilter(logger, level.AllowError())
	default:
		logger = level.NewFilter(logger, level.AllowInfo())
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)
	return logger
}
