package skiprate

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/zeebo/blake3"

	"github.com/fortiblox/stratus-skiprate/internal/types"
)

// ErrInvalidSlotRange is returned for a range whose first slot is after its
// last slot.
var ErrInvalidSlotRange = errors.New("invalid slot range")

// SlotRange is an inclusive observation window.
type SlotRange struct {
	FirstSlot uint64 `json:"first_slot"`
	LastSlot  uint64 `json:"last_slot"`
}

// Validate checks that FirstSlot <= LastSlot.
func (r SlotRange) Validate() error {
	if r.FirstSlot > r.LastSlot {
		return fmt.Errorf("%w: first slot %d after last slot %d", ErrInvalidSlotRange, r.FirstSlot, r.LastSlot)
	}
	return nil
}

// Len returns the number of slots in the range.
func (r SlotRange) Len() uint64 {
	if r.FirstSlot > r.LastSlot {
		return 0
	}
	return r.LastSlot - r.FirstSlot + 1
}

// Split cuts the range into consecutive chunks of at most size slots.
func (r SlotRange) Split(size uint64) []SlotRange {
	if size == 0 || r.Len() <= size {
		return []SlotRange{r}
	}
	var out []SlotRange
	for first := r.FirstSlot; first <= r.LastSlot; first += size {
		last := first + size - 1
		if last > r.LastSlot || last < first {
			last = r.LastSlot
		}
		out = append(out, SlotRange{FirstSlot: first, LastSlot: last})
		if last == r.LastSlot {
			break
		}
	}
	return out
}

// Union returns the smallest range covering r and o.
func (r SlotRange) Union(o SlotRange) SlotRange {
	if o.FirstSlot < r.FirstSlot {
		r.FirstSlot = o.FirstSlot
	}
	if o.LastSlot > r.LastSlot {
		r.LastSlot = o.LastSlot
	}
	return r
}

// String formats the range as first-last.
func (r SlotRange) String() string {
	return fmt.Sprintf("%d-%d", r.FirstSlot, r.LastSlot)
}

// Snapshot is the analytics result of one fetch.
type Snapshot struct {
	Validators           []ValidatorRecord     `json:"validators"`
	Statistics           NetworkStatistics     `json:"statistics"`
	Distribution         Distribution          `json:"distribution"`
	NetworkHealth        NetworkHealthSummary  `json:"network_health"`
	PerformanceSnapshots []PerformanceSnapshot `json:"performance_snapshots"`
	SlotRange            SlotRange             `json:"slot_range"`
	FetchedAt            time.Time             `json:"fetched_at"`
	Fingerprint          types.Hash            `json:"fingerprint"`
}

// BuildSnapshot runs the analytics pipeline over normalized records. prev
// feeds metric-card trends and may be nil.
func BuildSnapshot(records []ValidatorRecord, r SlotRange, fetchedAt time.Time, prev *NetworkStatistics) *Snapshot {
	if records == nil {
		records = []ValidatorRecord{}
	}
	stats := ComputeStatistics(records)
	dist := BuildDistribution(records)
	return &Snapshot{
		Validators:           records,
		Statistics:           stats,
		Distribution:         dist,
		NetworkHealth:        AssessHealth(stats, dist, prev),
		PerformanceSnapshots: BuildPerformanceSnapshots(records, fetchedAt),
		SlotRange:            r,
		FetchedAt:            fetchedAt,
		Fingerprint:          Fingerprint(r, records),
	}
}

// Fingerprint digests the slot range and records. Two fetches over the same
// window with identical counters share a fingerprint regardless of record
// order.
func Fingerprint(r SlotRange, records []ValidatorRecord) types.Hash {
	sorted := make([]ValidatorRecord, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Pubkey < sorted[j].Pubkey })

	h := blake3.New()
	var buf [8]byte
	writeU64 := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}
	writeU64(r.FirstSlot)
	writeU64(r.LastSlot)
	writeU64(uint64(len(sorted)))
	for _, rec := range sorted {
		writeU64(uint64(len(rec.Pubkey)))
		h.Write([]byte(rec.Pubkey))
		writeU64(rec.LeaderSlots)
		writeU64(rec.BlocksProduced)
	}

	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// ImpactEntry ranks a validator by its contribution to network skips.
type ImpactEntry struct {
	Record ValidatorRecord `json:"record"`

	// NetworkSharePercent is the validator's share of all leader slots.
	NetworkSharePercent float64 `json:"network_share_percent"`

	// ImpactScore is skip rate times network share.
	ImpactScore float64             `json:"impact_score"`
	Category    PerformanceCategory `json:"category"`
}

// TopImpact returns up to n validators with missed slots, ordered by
// ImpactScore descending.
func TopImpact(records []ValidatorRecord, stats NetworkStatistics, n int) []ImpactEntry {
	if n <= 0 || stats.TotalLeaderSlots == 0 {
		return nil
	}
	entries := make([]ImpactEntry, 0, len(records))
	for _, r := range records {
		if r.MissedSlots == 0 {
			continue
		}
		share := stats.SlotShare(r.LeaderSlots)
		entries = append(entries, ImpactEntry{
			Record:              r,
			NetworkSharePercent: share,
			ImpactScore:         r.SkipRatePercent * share / 100,
			Category:            Categorize(r.SkipRatePercent),
		})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if math.Abs(entries[i].ImpactScore-entries[j].ImpactScore) > 1e-12 {
			return entries[i].ImpactScore > entries[j].ImpactScore
		}
		return entries[i].Record.Pubkey < entries[j].Record.Pubkey
	})
	if len(entries) > n {
		entries = entries[:n]
	}
	return entries
}
