package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/fortiblox/stratus-skiprate/pkg/rpcfetch"
	"github.com/fortiblox/stratus-skiprate/pkg/skiprate"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Fetch block production and print a skip-rate report",
	Long:  "Fetch block production for a slot range, compute network statistics, distribution and health, and print the result",
	Args:  cobra.NoArgs,
	RunE:  runReport,
}

func init() {
	rootCmd.AddCommand(reportCmd)

	slotRangeFlags(reportCmd)
	reportCmd.Flags().StringSliceP("identity", "i", nil, "Restrict to these validator identities (repeatable)")
	reportCmd.Flags().BoolP("quiet", "q", false, "Print a one-line summary")
	reportCmd.Flags().Bool("json", false, "Print the snapshot as JSON")
	reportCmd.Flags().Bool("save", false, "Save the snapshot and validator history to the data directory")
	reportCmd.Flags().Bool("debug", false, "Print per-call records to stderr")
}

func runReport(cmd *cobra.Command, args []string) error {
	identities, _ := cmd.Flags().GetStringSlice("identity")
	quiet, _ := cmd.Flags().GetBool("quiet")
	asJSON, _ := cmd.Flags().GetBool("json")
	save, _ := cmd.Flags().GetBool("save")
	debug, _ := cmd.Flags().GetBool("debug")

	rng, err := slotRange(cmd)
	if err != nil {
		return err
	}

	fetcher, err := newFetcher()
	if err != nil {
		return err
	}
	defer fetcher.Close()

	req := rpcfetch.Request{Range: rng, Identities: identities}

	var st *stores
	if save {
		st, err = openStores()
		if err != nil {
			return err
		}
		defer st.Close()
		req.Previous = st.previous()
	}

	var snap *skiprate.Snapshot
	if debug {
		res, err := fetcher.FetchDebug(cmd.Context(), req)
		if err != nil {
			return err
		}
		renderCalls(os.Stderr, res.Calls, res.Stats)
		logger.WithField("duration", res.Duration).Debug("fetch complete")
		snap = res.Snapshot
	} else {
		snap, err = fetcher.Fetch(cmd.Context(), req)
		if err != nil {
			return err
		}
	}

	if st != nil {
		if err := st.save(snap); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	switch {
	case asJSON:
		return writeJSON(out, snap)
	case quiet:
		renderSummary(out, snap)
	default:
		renderReport(out, snap)
	}
	return nil
}
