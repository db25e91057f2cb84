package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check connectivity to the RPC endpoints",
	Args:  cobra.NoArgs,
	RunE:  runCheck,
}

var validatorCmd = &cobra.Command{
	Use:   "validator <identity>",
	Short: "Print one validator's block production",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidator,
}

func init() {
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(validatorCmd)

	slotRangeFlags(validatorCmd)
	validatorCmd.Flags().Bool("json", false, "Print the record as JSON")
}

func runCheck(cmd *cobra.Command, args []string) error {
	fetcher, err := newFetcher()
	if err != nil {
		return err
	}
	defer fetcher.Close()

	cfg := fetcher.Config()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "endpoints: %s\n", strings.Join(cfg.Endpoints(), ", "))
	fmt.Fprintf(out, "rate: %.1f req/s, burst %d, concurrency %d, attempts %d\n",
		cfg.RequestsPerSecond, cfg.Burst, cfg.MaxConcurrentRequests, cfg.MaxAttempts)

	if !fetcher.TestConnection(cmd.Context()) {
		return fmt.Errorf("connection test failed")
	}
	fmt.Fprintf(out, "ok (%d healthy endpoints)\n", fetcher.Stats().HealthyEndpoints)
	return nil
}

func runValidator(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	rng, err := slotRange(cmd)
	if err != nil {
		return err
	}

	fetcher, err := newFetcher()
	if err != nil {
		return err
	}
	defer fetcher.Close()

	rec, err := fetcher.FetchValidator(cmd.Context(), args[0], rng)
	if err != nil {
		return err
	}
	if asJSON {
		return writeJSON(cmd.OutOrStdout(), rec)
	}
	renderValidator(cmd.OutOrStdout(), rec)
	return nil
}
