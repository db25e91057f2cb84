package dashboard

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fortiblox/stratus-skiprate/internal/types"
	"github.com/fortiblox/stratus-skiprate/pkg/skiprate"
	"github.com/fortiblox/stratus-skiprate/pkg/snapshotstore"
)

// API response types

// StatusResponse is the response for GET /api/status.
type StatusResponse struct {
	Ready         bool                  `json:"ready"`
	Uptime        string                `json:"uptime"`
	UptimeSeconds float64               `json:"uptimeSeconds"`
	Updates       uint64                `json:"updates"`
	LastError     string                `json:"lastError,omitempty"`
	FetchedAt     *time.Time            `json:"fetchedAt,omitempty"`
	SlotRange     *skiprate.SlotRange   `json:"slotRange,omitempty"`
	Fingerprint   string                `json:"fingerprint,omitempty"`
	Validators    int                   `json:"validators"`
	HealthScore   float64               `json:"healthScore"`
	Status        skiprate.HealthStatus `json:"status,omitempty"`
	StatusColor   string                `json:"statusColor,omitempty"`
	Alerts        int                   `json:"alerts"`
}

// ValidatorResponse is one validator with its category.
type ValidatorResponse struct {
	Pubkey          string                       `json:"pubkey"`
	LeaderSlots     uint64                       `json:"leaderSlots"`
	BlocksProduced  uint64                       `json:"blocksProduced"`
	MissedSlots     uint64                       `json:"missedSlots"`
	SkipRatePercent float64                      `json:"skipRatePercent"`
	Category        skiprate.PerformanceCategory `json:"category"`
	CategoryLabel   string                       `json:"categoryLabel"`
	Color           string                       `json:"color"`
}

// ValidatorsListResponse is the response for GET /api/validators.
type ValidatorsListResponse struct {
	Validators  []ValidatorResponse `json:"validators"`
	Total       int                 `json:"total"`
	CurrentPage int                 `json:"currentPage"`
	TotalPages  int                 `json:"totalPages"`
	HasPrev     bool                `json:"hasPrev"`
	HasNext     bool                `json:"hasNext"`
}

// ValidatorDetailResponse is the response for GET /api/validators/:pubkey.
type ValidatorDetailResponse struct {
	// Validator is nil when the pubkey is absent from the current snapshot.
	Validator *ValidatorResponse             `json:"validator,omitempty"`
	History   []skiprate.PerformanceSnapshot `json:"history"`
}

// CategoryResponse is one performance category's share of the network.
type CategoryResponse struct {
	Category    skiprate.PerformanceCategory `json:"category"`
	Label       string                       `json:"label"`
	Color       string                       `json:"color"`
	Validators  int                          `json:"validators"`
	LeaderSlots uint64                       `json:"leaderSlots"`
	Percentage  float64                      `json:"percentage"`
}

func newValidatorResponse(r skiprate.ValidatorRecord) ValidatorResponse {
	cat := skiprate.Categorize(r.SkipRatePercent)
	return ValidatorResponse{
		Pubkey:          r.Pubkey,
		LeaderSlots:     r.LeaderSlots,
		BlocksProduced:  r.BlocksProduced,
		MissedSlots:     r.MissedSlots,
		SkipRatePercent: r.SkipRatePercent,
		Category:        cat,
		CategoryLabel:   cat.Label(),
		Color:           cat.Color(),
	}
}

// snapshotOrError writes an error response and returns nil when no snapshot
// can be served.
func (d *Dashboard) snapshotOrError(w http.ResponseWriter, r *http.Request) *skiprate.Snapshot {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return nil
	}
	snap, err := d.current()
	if errors.Is(err, errNoSnapshot) {
		writeError(w, err.Error(), http.StatusServiceUnavailable)
		return nil
	}
	if err != nil {
		d.log.WithError(err).Error("load snapshot")
		writeError(w, "Could not load snapshot", http.StatusInternalServerError)
		return nil
	}
	return snap
}

func queryInt(r *http.Request, name string, def, max int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil || parsed <= 0 {
		return def
	}
	if max > 0 && parsed > max {
		return max
	}
	return parsed
}

// handleAPIStatus handles GET /api/status.
func (d *Dashboard) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	d.mu.RLock()
	uptime := time.Since(d.startTime)
	d.mu.RUnlock()

	resp := StatusResponse{
		Uptime:        formatDuration(uptime),
		UptimeSeconds: uptime.Seconds(),
		Updates:       d.updates.Load(),
	}
	if msg := d.lastErr.Load(); msg != nil {
		resp.LastError = *msg
	}

	snap, err := d.current()
	if err == nil {
		h := snap.NetworkHealth
		rng := snap.SlotRange
		fetchedAt := snap.FetchedAt
		resp.Ready = true
		resp.FetchedAt = &fetchedAt
		resp.SlotRange = &rng
		resp.Fingerprint = snap.Fingerprint.String()
		resp.Validators = snap.Statistics.TotalValidators
		resp.HealthScore = h.HealthScore
		resp.Status = h.Status
		resp.StatusColor = h.Status.Color()
		resp.Alerts = len(h.Alerts)
	} else if !errors.Is(err, errNoSnapshot) && resp.LastError == "" {
		resp.LastError = err.Error()
	}

	writeJSON(w, resp)
}

// handleAPIHealth handles GET /api/health.
func (d *Dashboard) handleAPIHealth(w http.ResponseWriter, r *http.Request) {
	if snap := d.snapshotOrError(w, r); snap != nil {
		writeJSON(w, snap.NetworkHealth)
	}
}

// handleAPIStatistics handles GET /api/statistics.
func (d *Dashboard) handleAPIStatistics(w http.ResponseWriter, r *http.Request) {
	if snap := d.snapshotOrError(w, r); snap != nil {
		writeJSON(w, snap.Statistics)
	}
}

// handleAPIDistribution handles GET /api/distribution.
func (d *Dashboard) handleAPIDistribution(w http.ResponseWriter, r *http.Request) {
	if snap := d.snapshotOrError(w, r); snap != nil {
		writeJSON(w, snap.Distribution)
	}
}

// handleAPICategories handles GET /api/categories.
func (d *Dashboard) handleAPICategories(w http.ResponseWriter, r *http.Request) {
	snap := d.snapshotOrError(w, r)
	if snap == nil {
		return
	}

	resp := make([]CategoryResponse, skiprate.CategoryOffline+1)
	for c := skiprate.CategoryPerfect; c <= skiprate.CategoryOffline; c++ {
		resp[c] = CategoryResponse{Category: c, Label: c.Label(), Color: c.Color()}
	}
	for _, p := range snap.PerformanceSnapshots {
		resp[p.Category].Validators++
		resp[p.Category].LeaderSlots += p.LeaderSlots
	}
	if total := len(snap.PerformanceSnapshots); total > 0 {
		for i := range resp {
			resp[i].Percentage = float64(resp[i].Validators) / float64(total) * 100
		}
	}

	writeJSON(w, resp)
}

// handleAPITop handles GET /api/top?limit=N.
func (d *Dashboard) handleAPITop(w http.ResponseWriter, r *http.Request) {
	snap := d.snapshotOrError(w, r)
	if snap == nil {
		return
	}
	limit := queryInt(r, "limit", 10, 100)
	top := skiprate.TopImpact(snap.Validators, snap.Statistics, limit)
	if top == nil {
		top = []skiprate.ImpactEntry{}
	}
	writeJSON(w, top)
}

// handleAPIValidators handles GET /api/validators?category=&sort=&page=&limit=.
//
// sort is one of "skip" (descending, the default), "slots" (descending) or
// "pubkey".
func (d *Dashboard) handleAPIValidators(w http.ResponseWriter, r *http.Request) {
	snap := d.snapshotOrError(w, r)
	if snap == nil {
		return
	}

	q := r.URL.Query()
	var filter *skiprate.PerformanceCategory
	if name := q.Get("category"); name != "" {
		var c skiprate.PerformanceCategory
		if err := c.UnmarshalText([]byte(name)); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		filter = &c
	}

	list := make([]ValidatorResponse, 0, len(snap.Validators))
	for _, rec := range snap.Validators {
		v := newValidatorResponse(rec)
		if filter != nil && v.Category != *filter {
			continue
		}
		list = append(list, v)
	}

	switch q.Get("sort") {
	case "", "skip":
		sort.SliceStable(list, func(i, j int) bool { return list[i].SkipRatePercent > list[j].SkipRatePercent })
	case "slots":
		sort.SliceStable(list, func(i, j int) bool { return list[i].LeaderSlots > list[j].LeaderSlots })
	case "pubkey":
		sort.SliceStable(list, func(i, j int) bool { return list[i].Pubkey < list[j].Pubkey })
	default:
		writeError(w, "Unknown sort order", http.StatusBadRequest)
		return
	}

	page := queryInt(r, "page", 1, 0)
	perPage := queryInt(r, "limit", 50, 500)
	totalPages := (len(list) + perPage - 1) / perPage
	if totalPages == 0 {
		totalPages = 1
	}

	start := (page - 1) * perPage
	if start > len(list) {
		start = len(list)
	}
	end := start + perPage
	if end > len(list) {
		end = len(list)
	}

	writeJSON(w, ValidatorsListResponse{
		Validators:  list[start:end],
		Total:       len(list),
		CurrentPage: page,
		TotalPages:  totalPages,
		HasPrev:     page > 1,
		HasNext:     page < totalPages,
	})
}

// handleAPIValidator handles GET /api/validators/:pubkey?limit=N.
func (d *Dashboard) handleAPIValidator(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Extract pubkey from path
	pubkey := strings.TrimPrefix(r.URL.Path, "/api/validators/")
	if pubkey == "" {
		writeError(w, "Public key required", http.StatusBadRequest)
		return
	}
	if err := types.ValidatePubkey(pubkey); err != nil {
		writeError(w, "Invalid public key", http.StatusBadRequest)
		return
	}

	resp := ValidatorDetailResponse{History: []skiprate.PerformanceSnapshot{}}
	if snap, err := d.current(); err == nil {
		for _, rec := range snap.Validators {
			if rec.Pubkey == pubkey {
				v := newValidatorResponse(rec)
				resp.Validator = &v
				break
			}
		}
	}

	if d.history != nil {
		history, err := d.history.History(pubkey, queryInt(r, "limit", 100, 1000))
		if err != nil {
			d.log.WithError(err).WithField("pubkey", pubkey).Error("load history")
			writeError(w, "Could not load history", http.StatusInternalServerError)
			return
		}
		if history != nil {
			resp.History = history
		}
	}

	if resp.Validator == nil && len(resp.History) == 0 {
		writeError(w, "Validator not found", http.StatusNotFound)
		return
	}

	writeJSON(w, resp)
}

// handleAPISnapshots handles GET /api/snapshots?limit=N.
func (d *Dashboard) handleAPISnapshots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if d.snapshots == nil {
		writeJSON(w, []snapshotstore.Entry{})
		return
	}

	entries, err := d.snapshots.List(queryInt(r, "limit", 50, 1000))
	if err != nil {
		d.log.WithError(err).Error("list snapshots")
		writeError(w, "Could not list snapshots", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []snapshotstore.Entry{}
	}
	writeJSON(w, entries)
}
