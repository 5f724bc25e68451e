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
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flotilla-io/flotilla/pkg/kv"
	"github.com/flotilla-io/flotilla/pkg/serve"
)

func main() {
	a := kingpin.New("serve-controller", "The Flotilla serve controller")

	var (
		controllerName = a.Flag("controller-name", "Name of this controller instance.").
				Default("serve").String()
		controllerNamespace = a.Flag("controller-namespace", "Namespace of this controller instance.").
					Default("default").String()
		redisAddress = a.Flag("redis-address", "The address to use for Redis.").
				Required().String()
		redisPassword = a.Flag("redis-password", "The password to use for Redis.").
				Default("").String()
		actorPoolAddress = a.Flag("actor-pool-address", "Address of the actor pool service hosting replicas and proxies.").
					Required().String()
		httpHost = a.Flag("http-host", "Host the HTTP proxies bind to.").
				Default("0.0.0.0").String()
		httpPort = a.Flag("http-port", "Port the HTTP proxies bind to.").
				Default("8000").Int()
		httpRootURL = a.Flag("http-root-url", "Override for the public root URL.").
				Default("").String()
		listenAddr = a.Flag("listen-addr", "Address of the controller RPC endpoint.").
				Default(":8265").String()
		metricsAddr = a.Flag("metrics-addr", "Address to emit metrics on.").
				Default(":9465").String()
		controlLoopPeriod = a.Flag("control-loop-period", "Time between reconciliation ticks.").
					Default("100ms").Duration()
		logLevel = a.Flag("log.level", "The level of logging.").
				Default("info").Enum("debug", "info", "warn", "error")
		crashProbability = a.Flag("crash-after-checkpoint-probability", "Testing hook: crash with this probability after each checkpoint write.").
					Hidden().Default("0").Float64()
	)
	a.HelpFlag.Short('h')

	if _, err := a.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing commandline arguments: %s\n", err)
		a.Usage(os.Args[1:])
		os.Exit(2)
	}

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	switch *logLevel {
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

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	serve.RegisterMetrics(reg)

	store := kv.NewRedisStore(*redisAddress, *redisPassword, kv.Namespace(*controllerName, *controllerNamespace))
	pool := newActorPoolClient(*actorPoolAddress)

	// The live actor set is the source of current replica state for
	// controller failure recovery.
	actorNames, err := pool.ListNamedActors()
	if err != nil {
		level.Error(logger).Log("msg", "listing named actors failed", "err", err)
		os.Exit(1)
	}

	ctxSetup, cancelSetup := context.WithTimeout(context.Background(), time.Minute)
	controller, err := serve.NewController(ctxSetup, logger, store, pool.replicaFactory, actorNames, serve.Options{
		ControllerName:      *controllerName,
		ControllerNamespace: *controllerNamespace,
		HTTPConfig: serve.HTTPOptions{
			Host:    *httpHost,
			Port:    *httpPort,
			RootURL: *httpRootURL,
		},
		ControlLoopPeriod:               *controlLoopPeriod,
		NodeIDs:                         pool.ListNodeIDs,
		ProxyFactory:                    pool.proxyFactory,
		CrashAfterCheckpointProbability: *crashProbability,
	})
	cancelSetup()
	if err != nil {
		level.Error(logger).Log("msg", "instantiating controller failed", "err", err)
		os.Exit(1)
	}

	var g run.Group
	// Termination handler.
	{
		term := make(chan os.Signal, 1)
		cancel := make(chan struct{})
		signal.Notify(term, os.Interrupt, syscall.SIGTERM)

		g.Add(
			func() error {
				select {
				case <-term:
					level.Info(logger).Log("msg", "received SIGTERM, exiting gracefully...")
				case <-cancel:
				}
				return nil
			},
			func(error) {
				close(cancel)
			},
		)
	}
	// Controller monitoring.
	{
		server := &http.Server{Addr: *metricsAddr}
		http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		g.Add(func() error {
			return server.ListenAndServe()
		}, func(error) {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			_ = server.Shutdown(ctx)
			cancel()
		})
	}
	// RPC surface.
	{
		server := &http.Server{Addr: *listenAddr, Handler: newAPI(logger, controller).handler()}
		g.Add(func() error {
			return server.ListenAndServe()
		}, func(error) {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			_ = server.Shutdown(ctx)
			cancel()
		})
	}
	// Control loop.
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return controller.RunControlLoop(ctx)
		}, func(error) {
			cancel()
		})
	}
	if err := g.Run(); err != nil {
		level.Error(logger).Log("msg", "exit with error", "err", err)
		os.Exit(1)
	}
}
