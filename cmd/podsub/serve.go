package main

import (
	"context"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/getsentry/sentry-go"
	kitlog "github.com/go-kit/kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/ssiens-oss/ssiens-oss-static-pod-sub007/server/cbreaker"
	"github.com/ssiens-oss/ssiens-oss-static-pod-sub007/server/config"
	"github.com/ssiens-oss/ssiens-oss-static-pod-sub007/server/datastore/inmem"
	"github.com/ssiens-oss/ssiens-oss-static-pod-sub007/server/datastore/mysql"
	"github.com/ssiens-oss/ssiens-oss-static-pod-sub007/server/engine"
	"github.com/ssiens-oss/ssiens-oss-static-pod-sub007/server/health"
	"github.com/ssiens-oss/ssiens-oss-static-pod-sub007/server/monitoring"
	"github.com/ssiens-oss/ssiens-oss-static-pod-sub007/server/pipeline"
	"github.com/ssiens-oss/ssiens-oss-static-pod-sub007/server/podsub"
	"github.com/ssiens-oss/ssiens-oss-static-pod-sub007/server/pool"
	"github.com/throttled/throttled/v2"
	"github.com/throttled/throttled/v2/store/memstore"
)

func createServeCmd(configManager config.Manager) *cobra.Command {
	// Whether to run with the in-memory datastore instead of MySQL.
	dev := false

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the PodSub orchestration server",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := configManager.LoadConfig()
			logger := initLogger(cfg)

			if cfg.Sentry.Dsn != "" {
				if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.Sentry.Dsn}); err != nil {
					initFatal(err, "initializing sentry")
				}
				level.Info(logger).Log("msg", "sentry initialized", "dsn", cfg.Sentry.Dsn)
				defer sentry.Recover()
				defer sentry.Flush(2 * time.Second)
			}

			var ds podsub.Datastore
			if dev {
				ds = inmem.New(clock.C)
				level.Info(logger).Log("msg", "using in-memory datastore; state is lost on exit")
			} else {
				mysqlDS, err := mysql.New(cfg.Mysql, clock.C, mysql.Logger(logger))
				if err != nil {
					initFatal(err, "initializing datastore")
				}
				defer mysqlDS.Close()
				ds = mysqlDS
			}

			pipelineClient, err := pipeline.NewClient(cfg.Pipeline, logger)
			if err != nil {
				initFatal(err, "initializing pipeline client")
			}

			breakers := cbreaker.NewManager(cbreaker.Config{
				FailureThreshold: cfg.Breaker.FailureThreshold,
				SuccessThreshold: cfg.Breaker.SuccessThreshold,
				Timeout:          cfg.Breaker.Timeout,
				ResetTimeout:     cfg.Breaker.ResetTimeout,
				Enabled:          cfg.Breaker.Enabled,
			}, logger)

			collector := monitoring.NewCollector(ds, logger)
			alerts := monitoring.NewAlertManager(cfg.Monitoring.AlertCapacity, logger)
			dashboard := monitoring.NewDashboard(ds, collector, alerts, monitoring.DashboardConfig{
				StaleAfter: cfg.Worker.StaleAfter,
				CacheTTL:   cfg.Monitoring.DashboardCacheTTL,
			})

			factory := func() pool.Member {
				return engine.NewEngine(ds, pipelineClient, cfg, logger,
					engine.WithCollector(collector),
					engine.WithBreakers(breakers),
				)
			}
			workers := pool.New(factory, ds, cfg.Worker, logger)

			srv := &apiServer{
				pool:      workers,
				ds:        ds,
				dashboard: dashboard,
				collector: collector,
				alerts:    alerts,
				breakers:  breakers,
				logger:    logger,
			}
			router, err := buildRouter(srv, cfg, logger, map[string]health.Checker{
				"datastore": ds,
				"pipeline":  pipelineClient,
				"pool":      workers,
				"breakers":  breakers,
			})
			if err != nil {
				initFatal(err, "building http router")
			}

			runCtx, cancel := context.WithCancel(context.Background())
			defer cancel()

			var g run.Group
			g.Add(
				func() error {
					if err := workers.Start(runCtx); err != nil {
						level.Error(logger).Log("msg", "some workers failed to start", "err", err)
					}
					bridgePoolEvents(runCtx, workers, alerts)
					return nil
				},
				func(error) {
					stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownGrace)
					defer stopCancel()
					if err := workers.Stop(stopCtx); err != nil {
						level.Error(logger).Log("msg", "pool stop", "err", err)
					}
					cancel()
				},
			)

			httpSrv := &http.Server{Addr: cfg.Server.Address, Handler: router}
			g.Add(
				func() error {
					level.Info(logger).Log("msg", "listening", "address", cfg.Server.Address)
					return httpSrv.ListenAndServe()
				},
				func(error) {
					shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
					defer shutdownCancel()
					httpSrv.Shutdown(shutdownCtx) //nolint:errcheck
				},
			)

			g.Add(run.SignalHandler(runCtx, os.Interrupt, syscall.SIGTERM))

			if err := g.Run(); err != nil {
				if _, ok := err.(run.SignalError); !ok && err != http.ErrServerClosed {
					level.Error(logger).Log("msg", "server exited", "err", err)
				}
			}
			level.Info(logger).Log("msg", "podsub stopped")
		},
	}

	serveCmd.PersistentFlags().BoolVar(&dev, "dev", false, "Run with the in-memory datastore (development only)")
	return serveCmd
}

func initLogger(cfg config.PodsubConfig) kitlog.Logger {
	var logger kitlog.Logger
	if cfg.Logging.JSON {
		logger = kitlog.NewJSONLogger(kitlog.NewSyncWriter(os.Stderr))
	} else {
		logger = kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(os.Stderr))
	}
	if cfg.Logging.Debug {
		logger = level.NewFilter(logger, level.AllowDebug())
	} else {
		logger = level.NewFilter(logger, level.AllowInfo())
	}
	return kitlog.With(logger, "ts", kitlog.DefaultTimestampUTC)
}

// buildRouter wires the operational HTTP surface: health and metrics
// exposition plus the thin JSON endpoints API clients consume. Job
// submission is rate limited per client address.
func buildRouter(srv *apiServer, cfg config.PodsubConfig, logger kitlog.Logger, checkers map[string]health.Checker) (*mux.Router, error) {
	limitStore, err := memstore.New(65536)
	if err != nil {
		return nil, err
	}
	limiter, err := throttled.NewGCRARateLimiter(limitStore, throttled.RateQuota{
		MaxRate:  throttled.PerMin(cfg.Server.RateLimitPerMin),
		MaxBurst: cfg.Server.RateLimitBurst,
	})
	if err != nil {
		return nil, err
	}
	submitLimiter := throttled.HTTPRateLimiter{
		RateLimiter: limiter,
		VaryBy:      &throttled.VaryBy{RemoteAddr: true},
	}

	r := mux.NewRouter()
	r.Handle("/healthz", health.Handler(logger, checkers)).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Handle("/jobs", submitLimiter.RateLimit(http.HandlerFunc(srv.submitJob))).Methods("POST")
	api.HandleFunc("/jobs", srv.listJobs).Methods("GET")
	api.HandleFunc("/jobs/{id:[0-9]+}", srv.getJob).Methods("GET")
	api.HandleFunc("/jobs/{id:[0-9]+}", srv.deleteJob).Methods("DELETE")
	api.HandleFunc("/jobs/{id:[0-9]+}/logs", srv.getJobLogs).Methods("GET")
	api.HandleFunc("/stats", srv.getStats).Methods("GET")
	api.HandleFunc("/dashboard", srv.getDashboard).Methods("GET")
	api.HandleFunc("/alerts", srv.getAlerts).Methods("GET")
	api.HandleFunc("/breakers", srv.getBreakers).Methods("GET")
	api.HandleFunc("/workers/scale", srv.scale).Methods("POST")
	api.HandleFunc("/workers/{id}/restart", srv.restartWorker).Methods("POST")
	return r, nil
}

// bridgePoolEvents turns supervision events into operator-visible alerts.
func bridgePoolEvents(ctx context.Context, workers *pool.Pool, alerts *monitoring.AlertManager) {
	for {
		select {
		case ev := <-workers.Events():
			switch ev.Type {
			case pool.EventWorkerErrored:
				alerts.Trigger("worker_errored", monitoring.SeverityError, "worker reported an unrecoverable error", map[string]string{
					"worker_id": ev.WorkerID,
					"error":     ev.Err.Error(),
				})
			case pool.EventWorkerGaveUp:
				alerts.Trigger("worker_gave_up", monitoring.SeverityCritical, "worker restart budget exhausted", map[string]string{
					"worker_id": ev.WorkerID,
				})
			case pool.EventWorkerRestarted:
				alerts.Trigger("worker_restarted", monitoring.SeverityWarning, "worker restarted", map[string]string{
					"worker_id": ev.WorkerID,
				})
			}
		case <-ctx.Done():
			return
		}
	}
}
