// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package main

import (
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gorilla/mux"
	"github.com/matrix-org/gomatrixserverlib/fclient"
	"github.com/matrix-org/util"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/element-hq/federation-sender/consumers"
	"github.com/element-hq/federation-sender/internal/caching"
	"github.com/element-hq/federation-sender/queue"
	"github.com/element-hq/federation-sender/replication"
	"github.com/element-hq/federation-sender/setup/config"
	"github.com/element-hq/federation-sender/setup/process"
	"github.com/element-hq/federation-sender/statistics"
	"github.com/element-hq/federation-sender/storage"
)

const userAgent = "FederationSender/1.0"

var configPath = flag.String("config", "federation-sender.yaml", "The path to the config file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Error("Invalid configuration")
		os.Exit(1)
	}

	if cfg.Sentry.Enabled {
		if err = sentry.Init(sentry.ClientOptions{Dsn: cfg.Sentry.DSN}); err != nil {
			log.WithError(err).Error("Invalid sentry configuration")
			os.Exit(1)
		}
		defer sentry.Flush(2 * time.Second)
	}

	identity, err := cfg.LoadSigningIdentity()
	if err != nil {
		log.WithError(err).Error("Failed to load signing key")
		os.Exit(1)
	}

	proc := process.NewProcessContext()

	db, err := storage.NewDatabase(proc.Context(), &cfg.Database)
	if err != nil {
		log.WithError(err).Error("Failed to open database")
		os.Exit(1)
	}

	fedClient := fclient.NewFederationClient(
		[]*fclient.SigningIdentity{identity},
		fclient.WithTimeout(time.Minute),
		fclient.WithSkipVerify(cfg.Client.AllowSelfSigned),
		fclient.WithKeepAlives(true),
		fclient.WithUserAgent(userAgent),
	)

	stats := statistics.NewStatistics(db, statistics.DefaultBackoffBase, statistics.DefaultBackoffCap)
	queues := queue.NewOutgoingQueues(proc, db, cfg.ServerName, fedClient, stats, cfg.Client.MaxConcurrency)
	caches := caching.NewRistrettoCache(cfg.Cache.MaxSizeBytes, cfg.Cache.MaxAge, caching.EnableMetrics)

	replClient := replication.NewClient(cfg.Replication.Host, cfg.Replication.Port, cfg.Replication.ClientName)
	consumers.NewOutputEventConsumer(db, queues, cfg.ServerName, caches).Start(replClient)
	consumers.NewOutputPresenceConsumer(db, queues, cfg.ServerName).Start(replClient)
	consumers.NewOutputDeviceConsumer(db, queues, cfg.ServerName).Start(replClient)

	if cfg.Metrics.ListenAddress != "" {
		go serveMetrics(cfg.Metrics.ListenAddress, replClient)
	}

	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		<-sigs
		log.Info("Shutdown requested")
		proc.ShutdownSender()
	}()

	supervisor := &replication.Supervisor{Client: replClient}
	proc.ComponentStarted()
	supervisorErr := make(chan error, 1)
	go func() {
		defer proc.ComponentFinished()
		supervisorErr <- supervisor.Run(proc.Context())
	}()

	log.WithFields(log.Fields{
		"server_name": cfg.ServerName,
		"replication": cfg.Replication.Host,
	}).Info("Federation sender running")

	select {
	case err := <-supervisorErr:
		if errors.Is(err, replication.ErrUnrecoverable) {
			log.WithError(err).Error("Replication is unrecoverable, exiting")
			proc.ShutdownSender()
			proc.WaitForComponentsToFinish()
			os.Exit(2)
		}
	case <-proc.WaitForShutdown():
	}

	proc.ShutdownSender()
	proc.WaitForComponentsToFinish()
	log.Info("Federation sender stopped")
}

// serveMetrics exposes prometheus metrics and a small JSON health surface.
func serveMetrics(addr string, replClient *replication.Client) {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler())
	router.Handle("/health", util.MakeJSONAPI(util.NewJSONRequestHandler(func(req *http.Request) util.JSONResponse {
		return util.JSONResponse{
			Code: http.StatusOK,
			JSON: struct {
				Replication string `json:"replication"`
				QueueDepth  int64  `json:"queue_depth"`
			}{
				Replication: replClient.State().String(),
				QueueDepth:  queue.SendQueueDepth(),
			},
		}
	})))
	if err := http.ListenAndServe(addr, router); err != nil {
		log.WithError(err).Error("Metrics listener failed")
	}
}
