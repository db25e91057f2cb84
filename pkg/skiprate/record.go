package skiprate

import (
	"errors"
	"fmt"
	"sort"
)

// ErrMalformedData is returned when block-production data violates the
// expected shape or a record fails the consistency check.
var ErrMalformedData = errors.New("malformed block production data")

// Policy selects how Normalize treats a record reporting more produced
// blocks than assigned leader slots.
type Policy int

const (
	// PolicyClamp caps blocks produced at the leader slot count and keeps
	// the record. This is the default.
	PolicyClamp Policy = iota

	// PolicyReject fails normalization with ErrMalformedData.
	PolicyReject
)

// String returns the policy name.
func (p Policy) String() string {
	switch p {
	case PolicyClamp:
		return "clamp"
	case PolicyReject:
		return "reject"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// RawEntry is one validator's counters as reported by getBlockProduction.
type RawEntry struct {
	Pubkey         string
	LeaderSlots    uint64
	BlocksProduced uint64
}

// ValidatorRecord is a validator's block production over one slot range.
type ValidatorRecord struct {
	Pubkey          string  `json:"pubkey"`
	LeaderSlots     uint64  `json:"leader_slots"`
	BlocksProduced  uint64  `json:"blocks_produced"`
	MissedSlots     uint64  `json:"missed_slots"`
	SkipRatePercent float64 `json:"skip_rate_percent"`
}

// NewValidatorRecord builds a record from raw counters. Blocks produced is
// capped at leaderSlots so that produced + missed always equals leader slots.
func NewValidatorRecord(pubkey string, leaderSlots, blocksProduced uint64) ValidatorRecord {
	if blocksProduced > leaderSlots {
		blocksProduced = leaderSlots
	}
	missed := leaderSlots - blocksProduced
	return ValidatorRecord{
		Pubkey:          pubkey,
		LeaderSlots:     leaderSlots,
		BlocksProduced:  blocksProduced,
		MissedSlots:     missed,
		SkipRatePercent: skipRate(missed, leaderSlots),
	}
}

// skipRate returns missed/leader as a percentage, 0 when leader is 0.
func skipRate(missed, leader uint64) float64 {
	if leader == 0 {
		return 0
	}
	return float64(missed) / float64(leader) * 100
}

// IsPerfect reports whether the validator missed nothing.
func (r ValidatorRecord) IsPerfect() bool {
	return r.SkipRatePercent == 0
}

// IsConcerning reports whether the skip rate exceeds ConcerningSkipRate.
func (r ValidatorRecord) IsConcerning() bool {
	return r.SkipRatePercent > ConcerningSkipRate
}

// IsOffline reports whether every assigned slot was skipped.
func (r ValidatorRecord) IsOffline() bool {
	return r.LeaderSlots > 0 && r.SkipRatePercent >= OfflineSkipRate
}

// IsSignificant reports whether the validator had enough leader slots to
// carry signal.
func (r ValidatorRecord) IsSignificant() bool {
	return r.LeaderSlots >= SignificantSlotThreshold
}

// IsHighStake reports whether the validator is a high-activity leader.
func (r ValidatorRecord) IsHighStake() bool {
	return r.LeaderSlots > HighStakeSlotThreshold
}

// Normalize converts raw entries into validator records sorted by skip rate
// ascending, ties broken by pubkey.
//
// An entry with blocks produced above its leader slots is clamped under
// PolicyClamp and rejected under PolicyReject.
func Normalize(entries []RawEntry, policy Policy) ([]ValidatorRecord, error) {
	records := make([]ValidatorRecord, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))

	for _, e := range entries {
		if e.Pubkey == "" {
			return nil, fmt.Errorf("%w: entry with empty identity", ErrMalformedData)
		}
		if _, dup := seen[e.Pubkey]; dup {
			return nil, fmt.Errorf("%w: duplicate identity %s", ErrMalformedData, e.Pubkey)
		}
		seen[e.Pubkey] = struct{}{}

		if e.BlocksProduced > e.LeaderSlots && policy == PolicyReject {
			return nil, fmt.Errorf("%w: %s produced %d blocks in %d leader slots",
				ErrMalformedData, e.Pubkey, e.BlocksProduced, e.LeaderSlots)
		}
		records = append(records, NewValidatorRecord(e.Pubkey, e.LeaderSlots, e.BlocksProduced))
	}

	SortRecords(records)
	return records, nil
}

// SortRecords orders records by skip rate ascending, then pubkey.
func SortRecords(records []ValidatorRecord) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].SkipRatePercent != records[j].SkipRatePercent {
			return records[i].SkipRatePercent < records[j].SkipRatePercent
		}
		return records[i].Pubkey < records[j].Pubkey
	})
}
