package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fortiblox/stratus-skiprate/pkg/perfhistory"
	"github.com/fortiblox/stratus-skiprate/pkg/rpcfetch"
	"github.com/fortiblox/stratus-skiprate/pkg/skiprate"
	"github.com/fortiblox/stratus-skiprate/pkg/snapshotstore"
)

func newFetcher(opts ...rpcfetch.Option) (*rpcfetch.Fetcher, error) {
	cfg, err := appConfig.FetcherConfig()
	if err != nil {
		return nil, err
	}
	opts = append([]rpcfetch.Option{
		rpcfetch.WithLogger(logger.WithField("component", "rpcfetch")),
	}, opts...)
	return rpcfetch.NewFetcher(cfg, opts...)
}

// stores bundles the snapshot history and the per-validator time series.
type stores struct {
	snapshots *snapshotstore.Store
	history   *perfhistory.Store
}

func openStores() (*stores, error) {
	storage := appConfig.Storage

	snapCfg := snapshotstore.DefaultConfig(storage.SnapshotPath())
	snapCfg.Retain = storage.SnapshotRetain
	snapshots, err := snapshotstore.Open(snapCfg)
	if err != nil {
		return nil, err
	}

	histCfg := perfhistory.DefaultConfig(storage.HistoryPath())
	histCfg.Logger = logger.WithField("component", "perfhistory")
	history, err := perfhistory.Open(histCfg)
	if err != nil {
		snapshots.Close()
		return nil, err
	}
	return &stores{snapshots: snapshots, history: history}, nil
}

// previous returns the statistics of the newest stored snapshot, or nil.
func (s *stores) previous() *skiprate.NetworkStatistics {
	snap, err := s.snapshots.Latest()
	if err != nil {
		if !errors.Is(err, snapshotstore.ErrNotFound) {
			logger.WithError(err).Warn("could not load previous snapshot")
		}
		return nil
	}
	return &snap.Statistics
}

// save stores snap and its performance points, then applies the history
// retention.
func (s *stores) save(snap *skiprate.Snapshot) error {
	stored, err := s.snapshots.Put(snap)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	if !stored {
		logger.WithField("fingerprint", snap.Fingerprint.String()).Debug("snapshot unchanged, not saved")
		return nil
	}

	written, err := s.history.Record(snap.PerformanceSnapshots)
	if err != nil {
		return fmt.Errorf("save history: %w", err)
	}
	if written < len(snap.PerformanceSnapshots) {
		logger.WithField("skipped", len(snap.PerformanceSnapshots)-written).Warn("history skipped non-base58 identities")
	}

	if retention := appConfig.Storage.HistoryRetention; retention > 0 {
		removed, err := s.history.Prune(snap.FetchedAt.Add(-retention))
		if err != nil {
			return fmt.Errorf("prune history: %w", err)
		}
		if removed > 0 {
			logger.WithField("removed", removed).Debug("pruned validator history")
		}
	}
	return nil
}

func (s *stores) Close() error {
	return errors.Join(s.snapshots.Close(), s.history.Close())
}

// slotRangeFlags registers --first and --last on cmd.
func slotRangeFlags(cmd *cobra.Command) {
	cmd.Flags().Uint64("first", 0, "First slot of the range (default: start of the current epoch)")
	cmd.Flags().Uint64("last", 0, "Last slot of the range (default: latest slot)")
}

// slotRange returns the range given by --first and --last, or nil when
// neither is set.
func slotRange(cmd *cobra.Command) (*skiprate.SlotRange, error) {
	if !cmd.Flags().Changed("first") && !cmd.Flags().Changed("last") {
		return nil, nil
	}
	first, _ := cmd.Flags().GetUint64("first")
	last, _ := cmd.Flags().GetUint64("last")
	if !cmd.Flags().Changed("last") {
		return nil, fmt.Errorf("--last is required with --first")
	}
	r := skiprate.SlotRange{FirstSlot: first, LastSlot: last}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}
