package dashboard

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fortiblox/stratus-skiprate/pkg/skiprate"
	"github.com/fortiblox/stratus-skiprate/pkg/snapshotstore"
)

const (
	validatorA = "Vote111111111111111111111111111111111111111"
	validatorB = "Stake11111111111111111111111111111111111111"
	validatorC = "Config1111111111111111111111111111111111111"
)

// mockSnapshots is an in-memory SnapshotSource.
type mockSnapshots struct {
	snaps []*skiprate.Snapshot
	err   error
}

func (m *mockSnapshots) Latest() (*skiprate.Snapshot, error) {
	if m.err != nil {
		return nil, m.err
	}
	if len(m.snaps) == 0 {
		return nil, snapshotstore.ErrNotFound
	}
	return m.snaps[len(m.snaps)-1], nil
}

func (m *mockSnapshots) List(limit int) ([]snapshotstore.Entry, error) {
	var out []snapshotstore.Entry
	for i := len(m.snaps) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		s := m.snaps[i]
		out = append(out, snapshotstore.Entry{
			FetchedAt:       s.FetchedAt,
			SlotRange:       s.SlotRange,
			Fingerprint:     s.Fingerprint,
			Validators:      s.Statistics.TotalValidators,
			OverallSkipRate: s.Statistics.OverallSkipRatePercent,
			HealthScore:     s.NetworkHealth.HealthScore,
			Status:          s.NetworkHealth.Status,
		})
	}
	return out, nil
}

// mockHistory is an in-memory HistorySource.
type mockHistory map[string][]skiprate.PerformanceSnapshot

func (m mockHistory) History(pubkey string, limit int) ([]skiprate.PerformanceSnapshot, error) {
	points := m[pubkey]
	if limit > 0 && len(points) > limit {
		points = points[:limit]
	}
	return points, nil
}

func testSnapshot(t *testing.T) *skiprate.Snapshot {
	t.Helper()
	records, err := skiprate.Normalize([]skiprate.RawEntry{
		{Pubkey: validatorA, LeaderSlots: 100, BlocksProduced: 100},
		{Pubkey: validatorB, LeaderSlots: 400, BlocksProduced: 370},
		{Pubkey: validatorC, LeaderSlots: 20, BlocksProduced: 0},
	}, skiprate.PolicyClamp)
	if err != nil {
		t.Fatalf("Failed to normalize: %v", err)
	}
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return skiprate.BuildSnapshot(records, skiprate.SlotRange{FirstSlot: 1000, LastSlot: 2000}, at, nil)
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestDashboard(t *testing.T) *Dashboard {
	t.Helper()

	history := mockHistory{
		validatorB: {
			{Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), Pubkey: validatorB, SkipRatePercent: 5, LeaderSlots: 400, Category: skiprate.CategoryAverage},
			{Timestamp: time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC), Pubkey: validatorB, SkipRatePercent: 2, LeaderSlots: 380, Category: skiprate.CategoryGood},
		},
	}

	dash := New(DefaultConfig(), &mockSnapshots{}, history, quietLogger())
	dash.Update(testSnapshot(t))
	return dash
}

func get(t *testing.T, dash *Dashboard, path string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	dash.Handler().ServeHTTP(w, req)
	return w.Result()
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status OK, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Content-Type") != "application/json" {
		t.Errorf("Expected Content-Type application/json, got %s", resp.Header.Get("Content-Type"))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
}

func TestDashboardNew(t *testing.T) {
	// Test with defaults
	dash := New(Config{}, nil, nil, nil)

	if dash.config.BindAddress != "127.0.0.1" {
		t.Errorf("Expected default bind address 127.0.0.1, got %s", dash.config.BindAddress)
	}

	if dash.config.Port != 8080 {
		t.Errorf("Expected default port 8080, got %d", dash.config.Port)
	}

	// Test with custom config
	dash = New(Config{BindAddress: "0.0.0.0", Port: 9000}, nil, nil, nil)

	if dash.Address() != "0.0.0.0:9000" {
		t.Errorf("Expected address 0.0.0.0:9000, got %s", dash.Address())
	}
}

func TestAPIStatusEndpoint(t *testing.T) {
	dash := newTestDashboard(t)

	var status StatusResponse
	decode(t, get(t, dash, "/api/status"), &status)

	if !status.Ready {
		t.Error("Expected ready to be true")
	}
	if status.Validators != 3 {
		t.Errorf("Expected 3 validators, got %d", status.Validators)
	}
	if status.SlotRange == nil || status.SlotRange.FirstSlot != 1000 {
		t.Errorf("Expected slot range starting at 1000, got %v", status.SlotRange)
	}
	if status.Updates != 1 {
		t.Errorf("Expected 1 update, got %d", status.Updates)
	}
	if status.StatusColor != status.Status.Color() {
		t.Errorf("Expected status color %s, got %s", status.Status.Color(), status.StatusColor)
	}
}

func TestAPIStatusBeforeFirstSnapshot(t *testing.T) {
	dash := New(DefaultConfig(), &mockSnapshots{}, nil, quietLogger())
	dash.ReportError(errors.New("connection refused"))

	var status StatusResponse
	decode(t, get(t, dash, "/api/status"), &status)

	if status.Ready {
		t.Error("Expected ready to be false")
	}
	if status.LastError != "connection refused" {
		t.Errorf("Expected last error, got %q", status.LastError)
	}

	resp := get(t, dash, "/api/health")
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected status ServiceUnavailable, got %d", resp.StatusCode)
	}
}

func TestFallsBackToSavedSnapshot(t *testing.T) {
	saved := testSnapshot(t)
	dash := New(DefaultConfig(), &mockSnapshots{snaps: []*skiprate.Snapshot{saved}}, nil, quietLogger())

	var stats skiprate.NetworkStatistics
	decode(t, get(t, dash, "/api/statistics"), &stats)

	if stats.TotalLeaderSlots != 520 {
		t.Errorf("Expected 520 leader slots, got %d", stats.TotalLeaderSlots)
	}
}

func TestAPIHealthAndDistribution(t *testing.T) {
	dash := newTestDashboard(t)

	var health skiprate.NetworkHealthSummary
	decode(t, get(t, dash, "/api/health"), &health)
	if health.HealthScore <= 0 || health.HealthScore > 100 {
		t.Errorf("Expected score in (0, 100], got %f", health.HealthScore)
	}
	if len(health.KeyMetrics) == 0 {
		t.Error("Expected metric cards")
	}

	var dist skiprate.Distribution
	decode(t, get(t, dash, "/api/distribution"), &dist)
	if dist.TotalCount() != 3 {
		t.Errorf("Expected 3 validators across buckets, got %d", dist.TotalCount())
	}
	if len(dist.HistogramLabels) != len(dist.Buckets) {
		t.Errorf("Expected %d histogram labels, got %d", len(dist.Buckets), len(dist.HistogramLabels))
	}
}

func TestAPICategoriesEndpoint(t *testing.T) {
	dash := newTestDashboard(t)

	var cats []CategoryResponse
	decode(t, get(t, dash, "/api/categories"), &cats)

	if len(cats) != int(skiprate.CategoryOffline)+1 {
		t.Fatalf("Expected %d categories, got %d", skiprate.CategoryOffline+1, len(cats))
	}

	expected := map[skiprate.PerformanceCategory]int{
		skiprate.CategoryPerfect:    1,
		skiprate.CategoryConcerning: 1,
		skiprate.CategoryOffline:    1,
	}
	for _, c := range cats {
		if c.Validators != expected[c.Category] {
			t.Errorf("Category %s: expected %d validators, got %d", c.Category, expected[c.Category], c.Validators)
		}
		if c.Color == "" || c.Label == "" {
			t.Errorf("Category %s missing label or color", c.Category)
		}
	}
}

func TestAPITopEndpoint(t *testing.T) {
	dash := newTestDashboard(t)

	var top []skiprate.ImpactEntry
	decode(t, get(t, dash, "/api/top?limit=1"), &top)

	if len(top) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(top))
	}
	// 7.5% of 400 slots outweighs 100% of 20.
	if top[0].Record.Pubkey != validatorB {
		t.Errorf("Expected %s first, got %s", validatorB, top[0].Record.Pubkey)
	}
}

func TestAPIValidatorsEndpoint(t *testing.T) {
	dash := newTestDashboard(t)

	tests := []struct {
		path     string
		total    int
		first    string
		pages    int
		wantCode int
	}{
		{"/api/validators", 3, validatorC, 1, http.StatusOK},
		{"/api/validators?sort=slots", 3, validatorB, 1, http.StatusOK},
		{"/api/validators?sort=pubkey&limit=2", 3, validatorC, 2, http.StatusOK},
		{"/api/validators?category=perfect", 1, validatorA, 1, http.StatusOK},
		{"/api/validators?category=poor", 0, "", 1, http.StatusOK},
		{"/api/validators?category=bogus", 0, "", 0, http.StatusBadRequest},
		{"/api/validators?sort=bogus", 0, "", 0, http.StatusBadRequest},
	}

	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			resp := get(t, dash, tc.path)
			if tc.wantCode != http.StatusOK {
				resp.Body.Close()
				if resp.StatusCode != tc.wantCode {
					t.Errorf("Expected status %d, got %d", tc.wantCode, resp.StatusCode)
				}
				return
			}

			var list ValidatorsListResponse
			decode(t, resp, &list)
			if list.Total != tc.total {
				t.Errorf("Expected total %d, got %d", tc.total, list.Total)
			}
			if list.TotalPages != tc.pages {
				t.Errorf("Expected %d pages, got %d", tc.pages, list.TotalPages)
			}
			if tc.first != "" && (len(list.Validators) == 0 || list.Validators[0].Pubkey != tc.first) {
				t.Errorf("Expected %s first, got %v", tc.first, list.Validators)
			}
		})
	}
}

func TestAPIValidatorEndpoint(t *testing.T) {
	dash := newTestDashboard(t)

	var detail ValidatorDetailResponse
	decode(t, get(t, dash, "/api/validators/"+validatorB+"?limit=1"), &detail)

	if detail.Validator == nil {
		t.Fatal("Expected validator in current snapshot")
	}
	if detail.Validator.MissedSlots != 30 {
		t.Errorf("Expected 30 missed slots, got %d", detail.Validator.MissedSlots)
	}
	if detail.Validator.Category != skiprate.CategoryConcerning {
		t.Errorf("Expected concerning, got %s", detail.Validator.Category)
	}
	if len(detail.History) != 1 {
		t.Errorf("Expected 1 history point, got %d", len(detail.History))
	}

	// Unknown but well-formed
	resp := get(t, dash, "/api/validators/11111111111111111111111111111111")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status NotFound, got %d", resp.StatusCode)
	}

	// Invalid
	resp = get(t, dash, "/api/validators/not-a-key")
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status BadRequest, got %d", resp.StatusCode)
	}
}

func TestAPISnapshotsEndpoint(t *testing.T) {
	first := testSnapshot(t)
	second := testSnapshot(t)
	second.FetchedAt = first.FetchedAt.Add(time.Hour)

	dash := New(DefaultConfig(), &mockSnapshots{snaps: []*skiprate.Snapshot{first, second}}, nil, quietLogger())

	var entries []snapshotstore.Entry
	decode(t, get(t, dash, "/api/snapshots?limit=5"), &entries)

	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	if !entries[0].FetchedAt.Equal(second.FetchedAt) {
		t.Errorf("Expected newest first, got %v", entries[0].FetchedAt)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	dash := newTestDashboard(t)

	for _, path := range []string{"/api/status", "/api/health", "/api/validators", "/api/validators/" + validatorA, "/api/snapshots"} {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		w := httptest.NewRecorder()
		dash.Handler().ServeHTTP(w, req)

		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("POST %s: expected status MethodNotAllowed, got %d", path, w.Code)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		input    time.Duration
		expected string
	}{
		{0, "0s"},
		{42 * time.Second, "42s"},
		{3*time.Minute + 5*time.Second, "3m 5s"},
		{26*time.Hour + time.Minute, "26h 1m 0s"},
	}

	for _, tc := range tests {
		if got := formatDuration(tc.input); got != tc.expected {
			t.Errorf("formatDuration(%v) = %s, expected %s", tc.input, got, tc.expected)
		}
	}
}
