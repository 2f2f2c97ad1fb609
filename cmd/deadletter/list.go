package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/postmesh/postmesh/internal/deadletter"
)

var (
	listLimit  int
	listFormat string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Show the messages at the head of the dead-letter queue",
	Long: `List peeks at up to --limit messages. They are returned to the queue
afterwards, in the same order.

Output formats:
  table - one line per message (default)
  json  - full messages including the body`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if listFormat != "table" && listFormat != "json" {
			return fmt.Errorf("invalid format %q, use table or json", listFormat)
		}
		return withInspector(func(in *deadletter.Inspector) error {
			msgs, err := in.List(cmd.Context(), listLimit)
			if err != nil {
				return err
			}
			if listFormat == "json" {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(msgs)
			}
			return printTable(msgs)
		})
	},
}

func init() {
	listCmd.Flags().IntVar(&listLimit, "limit", 20, "maximum number of messages to show")
	listCmd.Flags().StringVar(&listFormat, "format", "table", "output format (table, json)")
}

func printTable(msgs []deadletter.Message) error {
	if len(msgs) == 0 {
		fmt.Println("dead-letter queue is empty")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "MESSAGE ID\tTYPE\tSOURCE QUEUE\tREASON\tDEATHS\tTIMESTAMP")
	for _, m := range msgs {
		ts := "-"
		if !m.Timestamp.IsZero() {
			ts = m.Timestamp.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", m.MessageID, m.Type, m.SourceQueue, m.Reason, m.Deaths, ts)
	}
	return w.Flush()
}
