package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/fortiblox/stratus-skiprate/pkg/dashboard"
	"github.com/fortiblox/stratus-skiprate/pkg/rpcfetch"
	"github.com/fortiblox/stratus-skiprate/pkg/skiprate"
)

// gcEvery is the number of fetches between history value log GCs.
const gcEvery = 12

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Fetch and save snapshots on an interval and serve metrics",
	Args:  cobra.NoArgs,
	RunE:  runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().Duration("interval", 0, "Time between fetches (default from config)")
	watchCmd.Flags().String("metrics-addr", "", "Prometheus listen address, empty to use the config, \"off\" to disable")
	watchCmd.Flags().Bool("dashboard", false, "Serve the JSON dashboard API (default from config)")
}

func runWatch(cmd *cobra.Command, args []string) error {
	interval := appConfig.Watch.Interval
	if v, _ := cmd.Flags().GetDuration("interval"); v > 0 {
		interval = v
	}
	metricsAddr := appConfig.Watch.MetricsAddr
	if v, _ := cmd.Flags().GetString("metrics-addr"); v != "" {
		metricsAddr = v
	}
	if metricsAddr == "off" {
		metricsAddr = ""
	}

	ctx := cmd.Context()
	log := logger.WithField("component", "watch")

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := rpcfetch.NewMetrics(reg)

	fetcher, err := newFetcher(rpcfetch.WithMetrics(metrics))
	if err != nil {
		return err
	}
	defer fetcher.Close()

	st, err := openStores()
	if err != nil {
		return err
	}
	defer st.Close()

	var ready atomic.Bool
	if metricsAddr != "" {
		srv, err := startMetricsServer(log, metricsAddr, reg, &ready)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	w := &watcher{fetcher: fetcher, stores: st, log: log, prev: st.previous()}

	if enabled, _ := cmd.Flags().GetBool("dashboard"); enabled || appConfig.Dashboard.Enabled {
		w.dash = dashboard.New(dashboard.Config{
			BindAddress: appConfig.Dashboard.BindAddress,
			Port:        appConfig.Dashboard.Port,
		}, st.snapshots, st.history, logger.WithField("component", "dashboard"))
		go func() {
			if err := w.dash.Start(ctx); err != nil {
				log.WithError(err).Error("dashboard failed")
			}
		}()
		defer w.dash.Stop()
	}

	log.WithFields(logrus.Fields{
		"interval": interval,
		"endpoint": fetcher.Config().Endpoint,
	}).Info("watching block production")

	ticker := clock.New().Ticker(interval)
	defer ticker.Stop()

	for {
		if w.tick(ctx) {
			ready.Store(true)
		}
		select {
		case <-ctx.Done():
			log.Info("stopping")
			return nil
		case <-ticker.C:
		}
	}
}

type watcher struct {
	fetcher *rpcfetch.Fetcher
	stores  *stores
	log     logrus.FieldLogger
	dash    *dashboard.Dashboard

	prev  *skiprate.NetworkStatistics
	ticks int
}

// tick runs one fetch and saves the result. It reports whether the fetch
// succeeded; failures are logged and retried on the next tick.
func (w *watcher) tick(ctx context.Context) bool {
	w.ticks++
	snap, err := w.fetcher.Fetch(ctx, rpcfetch.Request{Previous: w.prev})
	if err != nil {
		if ctx.Err() == nil {
			w.log.WithError(err).Error("fetch failed")
			if w.dash != nil {
				w.dash.ReportError(err)
			}
		}
		return false
	}
	if w.dash != nil {
		w.dash.Update(snap)
	}
	if err := w.stores.save(snap); err != nil {
		w.log.WithError(err).Error("could not save snapshot")
	}
	w.prev = &snap.Statistics

	h := snap.NetworkHealth
	entry := w.log.WithFields(logrus.Fields{
		"slots":      snap.SlotRange.String(),
		"validators": snap.Statistics.TotalValidators,
		"skip_rate":  snap.Statistics.OverallSkipRatePercent,
		"score":      h.HealthScore,
		"status":     h.Status,
		"alerts":     len(h.Alerts),
	})
	if h.Status == skiprate.StatusHealthy {
		entry.Info("network health")
	} else {
		entry.Warn("network health")
	}
	for _, a := range h.Alerts {
		w.log.WithFields(logrus.Fields{
			"severity": a.Severity,
			"category": a.Category,
			"affected": a.AffectedValidators,
		}).Warn(a.Message)
	}

	if w.ticks%gcEvery == 0 {
		if err := w.stores.history.RunGC(); err != nil {
			w.log.WithError(err).Warn("history gc failed")
		}
	}
	return true
}

func startMetricsServer(log logrus.FieldLogger, addr string, reg *prometheus.Registry, ready *atomic.Bool) (*http.Server, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if ready.Load() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("READY"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("NOT READY"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	go func() {
		log.WithField("address", listener.Addr().String()).Info("metrics server listening")
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("metrics server failed")
		}
	}()
	return srv, nil
}
