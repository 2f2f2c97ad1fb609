package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/postmesh/postmesh/internal/deadletter"
)

var (
	replayRate  float64
	replayLimit int
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Send dead-lettered messages back to their source queue",
	Long: `Replay republishes messages to the queue they were dead-lettered from,
paced to --rate messages per second so a recovering consumer is not flooded.
A message leaves the dead-letter queue only after the broker confirmed it.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withInspector(func(in *deadletter.Inspector) error {
			n, err := in.Replay(cmd.Context(), replayLimit, replayRate)
			fmt.Printf("replayed %d message(s)\n", n)
			return err
		})
	},
}

func init() {
	replayCmd.Flags().Float64Var(&replayRate, "rate", 5, "messages per second (0 for no limit)")
	replayCmd.Flags().IntVar(&replayLimit, "limit", 0, "maximum number of messages to replay (0 for all)")
}
