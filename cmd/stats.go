package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/chainsync/internal/ratelimit"
	"github.com/sells-group/chainsync/internal/rpcpool"
	"github.com/sells-group/chainsync/pkg/solana"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Ping every RPC endpoint once and print pool stats",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, cfg, envOptions{InMemory: true})
		if err != nil {
			return err
		}
		defer env.Close()

		slots := pingEndpoints(ctx, env.Pool, env.Limiter)
		printEndpointStats(cmd.OutOrStdout(), env.Pool.Stats(), slots)
		return nil
	},
}

// pingEndpoints calls GetSlot once on every endpoint through the limiter
// and its breaker, without failover, and returns the slot each reported.
func pingEndpoints(ctx context.Context, pool *rpcpool.Pool, limiter *ratelimit.Limiter) map[string]uint64 {
	slots := make(map[string]uint64)
	for _, ep := range pool.Endpoints() {
		slot, err := ratelimit.Schedule(ctx, limiter, func(ctx context.Context) (uint64, error) {
			return rpcpool.ExecuteOn(ctx, pool, ep, func(ctx context.Context, ep *rpcpool.Endpoint) (uint64, error) {
				return ep.Client.GetSlot(ctx, &solana.SlotOpts{Commitment: solana.CommitmentConfirmed})
			})
		})
		if err != nil {
			zap.L().Warn("endpoint ping failed", zap.String("endpoint", ep.URL), zap.Error(err))
			continue
		}
		slots[ep.URL] = slot
	}
	return slots
}

func printEndpointStats(out io.Writer, stats []rpcpool.EndpointStats, slots map[string]uint64) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ENDPOINT\tPRIORITY\tBREAKER\tREQUESTS\tERRORS\tERROR_RATE\tSLOT\tLAST_USED")
	_, _ = fmt.Fprintln(w, "--------\t--------\t-------\t--------\t------\t----------\t----\t---------")
	for _, s := range stats {
		slot := "-"
		if v, ok := slots[s.URL]; ok {
			slot = fmt.Sprintf("%d", v)
		}
		lastUsed := "-"
		if !s.LastUsed.IsZero() {
			lastUsed = s.LastUsed.Format(time.RFC3339)
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%d\t%.1f%%\t%s\t%s\n",
			s.URL, s.Priority, s.BreakerState, s.TotalRequests, s.TotalErrors,
			s.ErrorRate*100, slot, lastUsed,
		)
	}
	_ = w.Flush()
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
