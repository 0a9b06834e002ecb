package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/chainsync/internal/enrichment"
)

var enrichCmd = &cobra.Command{
	Use:   "enrich",
	Short: "Run one enrichment cycle and exit",
	Long:  "Queries a page of records, fetches on-chain state for the incomplete ones and enqueues write jobs. Pending writes are drained before exit when the queue has a consumer side.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, cfg, envOptions{})
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Worker.RunCycle(ctx)
		if err != nil {
			return eris.Wrap(err, "enrich")
		}
		printCycleResult(cmd.OutOrStdout(), res)

		if env.Writer == nil {
			return nil
		}
		for {
			dr, err := env.Writer.Drain(ctx)
			if err != nil {
				return eris.Wrap(err, "enrich: drain writes")
			}
			if dr.Claimed == 0 {
				return nil
			}
		}
	},
}

func printCycleResult(out io.Writer, res *enrichment.CycleResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Scanned:\t%d\n", res.Scanned)
	_, _ = fmt.Fprintf(w, "Incomplete:\t%d\n", res.Incomplete)
	_, _ = fmt.Fprintf(w, "Enriched:\t%d\n", res.Enriched)
	_, _ = fmt.Fprintf(w, "Pending:\t%d\n", res.Pending)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", res.Failed)
	_, _ = fmt.Fprintf(w, "Duration:\t%s\n", res.Duration)
	_ = w.Flush()
}

func init() {
	rootCmd.AddCommand(enrichCmd)
}
