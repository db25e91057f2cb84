package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fortiblox/stratus-skiprate/internal/types"
)

var historyCmd = &cobra.Command{
	Use:   "history <identity>",
	Short: "Print a validator's saved performance history",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().IntP("limit", "n", 20, "Maximum number of points, newest first (0 for all)")
	historyCmd.Flags().Bool("json", false, "Print the points as JSON")
}

func runHistory(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	asJSON, _ := cmd.Flags().GetBool("json")

	identity := args[0]
	if err := types.ValidatePubkey(identity); err != nil {
		return err
	}

	st, err := openStores()
	if err != nil {
		return err
	}
	defer st.Close()

	points, err := st.history.History(identity, limit)
	if err != nil {
		return err
	}
	if asJSON {
		return writeJSON(cmd.OutOrStdout(), points)
	}
	if len(points) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "no history for %s\n", identity)
		return nil
	}
	renderHistory(cmd.OutOrStdout(), points, time.Now())
	return nil
}
