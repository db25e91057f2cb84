// Package dashboard serves skip-rate analytics over a JSON HTTP API.
//
// The API provides:
// - Network health score, status and alerts
// - Aggregate statistics and the skip-rate distribution with plot arrays
// - Validator listings filtered by performance category
// - Per-validator saved performance history
// - The most problematic validators by network impact
//
// The dashboard holds the most recent snapshot in memory. Saved snapshots
// and history are read from the optional sources passed to New.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fortiblox/stratus-skiprate/pkg/skiprate"
	"github.com/fortiblox/stratus-skiprate/pkg/snapshotstore"
)

// Config holds dashboard configuration options.
type Config struct {
	// BindAddress is the address to bind the HTTP server to.
	// Default: "127.0.0.1"
	BindAddress string

	// Port is the port to listen on.
	// Default: 8080
	Port int

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum duration before timing out writes of the response.
	WriteTimeout time.Duration

	// IdleTimeout is the maximum time to wait for the next request.
	IdleTimeout time.Duration
}

// DefaultConfig returns the default dashboard configuration.
func DefaultConfig() Config {
	return Config{
		BindAddress:  "127.0.0.1",
		Port:         8080,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// SnapshotSource provides saved snapshots. *snapshotstore.Store satisfies it.
type SnapshotSource interface {
	// Latest returns the newest saved snapshot.
	Latest() (*skiprate.Snapshot, error)

	// List returns up to limit summaries, newest first.
	List(limit int) ([]snapshotstore.Entry, error)
}

// HistorySource provides validator performance history. *perfhistory.Store
// satisfies it.
type HistorySource interface {
	// History returns up to limit points for pubkey, newest first.
	History(pubkey string, limit int) ([]skiprate.PerformanceSnapshot, error)
}

// Dashboard is the analytics HTTP server.
type Dashboard struct {
	config    Config
	server    *http.Server
	snapshots SnapshotSource
	history   HistorySource
	log       logrus.FieldLogger

	latest  atomic.Pointer[skiprate.Snapshot]
	updates atomic.Uint64
	lastErr atomic.Pointer[string]
	mux     *http.ServeMux

	// State
	mu        sync.RWMutex
	running   bool
	startTime time.Time
}

// New creates a new dashboard server. Either source may be nil.
func New(config Config, snapshots SnapshotSource, history HistorySource, log logrus.FieldLogger) *Dashboard {
	// Apply defaults
	if config.BindAddress == "" {
		config.BindAddress = DefaultConfig().BindAddress
	}
	if config.Port == 0 {
		config.Port = DefaultConfig().Port
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = DefaultConfig().ReadTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = DefaultConfig().WriteTimeout
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = DefaultConfig().IdleTimeout
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	d := &Dashboard{
		config:    config,
		snapshots: snapshots,
		history:   history,
		log:       log,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", d.handleAPIStatus)
	mux.HandleFunc("/api/health", d.handleAPIHealth)
	mux.HandleFunc("/api/statistics", d.handleAPIStatistics)
	mux.HandleFunc("/api/distribution", d.handleAPIDistribution)
	mux.HandleFunc("/api/categories", d.handleAPICategories)
	mux.HandleFunc("/api/top", d.handleAPITop)
	mux.HandleFunc("/api/validators", d.handleAPIValidators)
	mux.HandleFunc("/api/validators/", d.handleAPIValidator)
	mux.HandleFunc("/api/snapshots", d.handleAPISnapshots)
	d.mux = mux

	return d
}

// Update makes snap the snapshot served by the API.
func (d *Dashboard) Update(snap *skiprate.Snapshot) {
	if snap == nil {
		return
	}
	d.latest.Store(snap)
	d.lastErr.Store(nil)
	d.updates.Add(1)
}

// ReportError records a failed refresh. The previous snapshot stays served.
func (d *Dashboard) ReportError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	d.lastErr.Store(&msg)
}

// Handler returns the API handler.
func (d *Dashboard) Handler() http.Handler {
	return d.mux
}

// Start starts the dashboard HTTP server and blocks until it stops.
func (d *Dashboard) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("dashboard already running")
	}
	d.running = true
	d.startTime = time.Now()

	d.server = &http.Server{
		Addr:         d.Address(),
		Handler:      d.mux,
		ReadTimeout:  d.config.ReadTimeout,
		WriteTimeout: d.config.WriteTimeout,
		IdleTimeout:  d.config.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	srv := d.server
	d.mu.Unlock()

	go func() {
		<-ctx.Done()
		d.Stop()
	}()

	d.log.WithField("address", srv.Addr).Info("dashboard listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the dashboard server.
func (d *Dashboard) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	srv := d.server
	d.mu.Unlock()

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}

	return nil
}

// Address returns the address the dashboard is listening on.
func (d *Dashboard) Address() string {
	return net.JoinHostPort(d.config.BindAddress, fmt.Sprint(d.config.Port))
}

// current returns the in-memory snapshot, falling back to the newest saved
// one.
func (d *Dashboard) current() (*skiprate.Snapshot, error) {
	if snap := d.latest.Load(); snap != nil {
		return snap, nil
	}
	if d.snapshots == nil {
		return nil, errNoSnapshot
	}
	snap, err := d.snapshots.Latest()
	if errors.Is(err, snapshotstore.ErrNotFound) {
		return nil, errNoSnapshot
	}
	if err != nil {
		return nil, err
	}
	d.latest.CompareAndSwap(nil, snap)
	return snap, nil
}

var errNoSnapshot = errors.New("no snapshot available yet")

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
