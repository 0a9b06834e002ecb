package main

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/chainsync/internal/discovery"
	"github.com/sells-group/chainsync/internal/model"
)

var (
	scanProgram string
	scanDryRun  bool
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run one discovery scan over a program's accounts",
	Long:  "Fetches every account owned by the program, classifies it by discriminator and enqueues one discovery job per known account. --dry-run uses an in-memory store and queue.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		program := scanProgram
		if program == "" {
			program = cfg.Discovery.ProgramID
		}
		if program == "" {
			return eris.New("scan: --program or discovery.program_id is required")
		}

		env, err := initEnv(ctx, cfg, envOptions{InMemory: scanDryRun})
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Scanner.ScanDetailed(ctx, program)
		if err != nil {
			return eris.Wrap(err, "scan")
		}

		printScanResult(cmd.OutOrStdout(), res)
		return nil
	},
}

func printScanResult(out io.Writer, res *discovery.ScanResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Program:\t%s\n", res.ProgramID)
	_, _ = fmt.Fprintf(w, "Examined:\t%d\n", res.Examined)
	_, _ = fmt.Fprintf(w, "Enqueued:\t%d\n", res.Enqueued)
	_, _ = fmt.Fprintf(w, "Unknown:\t%d\n", res.Unknown)
	_, _ = fmt.Fprintf(w, "Too short:\t%d\n", res.Short)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", res.Failed)
	_, _ = fmt.Fprintf(w, "Batches:\t%d\n", res.Batches)
	_, _ = fmt.Fprintf(w, "Duration:\t%s\n", res.Duration)

	types := make([]model.AccountType, 0, len(res.ByType))
	for t := range res.ByType {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	for _, t := range types {
		_, _ = fmt.Fprintf(w, "  %s:\t%d\n", t, res.ByType[t])
	}
	_ = w.Flush()
}

func init() {
	scanCmd.Flags().StringVar(&scanProgram, "program", "", "program ID to scan (default from config)")
	scanCmd.Flags().BoolVar(&scanDryRun, "dry-run", false, "use an in-memory store and queue")
	rootCmd.AddCommand(scanCmd)
}
