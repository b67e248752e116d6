package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"bundler/internal/app"
)

var relayersCmd = &cobra.Command{
	Use:   "relayers",
	Short: "Print relayer addresses and balances per chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		registry, pool, err := app.New(cfg, newLogger()).Pool(ctx)
		if err != nil {
			return err
		}
		defer registry.Close()

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tADDRESS\tCHAIN\tBALANCE (ETH)\tFUNDED")
		threshold := pool.MinBalance()
		for _, chainID := range pool.ChainIDs() {
			balances, err := pool.Balances(ctx, chainID)
			if err != nil {
				fmt.Fprintf(os.Stderr, "chain %d: %v\n", chainID, err)
				continue
			}
			for _, st := range pool.Snapshot() {
				bal, ok := balances[st.ID]
				if !ok {
					continue
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%t\n", st.ID, st.Name, st.Address, chainID, weiToEther(bal), bal.Cmp(threshold) >= 0)
			}
		}
		return w.Flush()
	},
}

func weiToEther(wei *big.Int) string {
	return decimal.NewFromBigInt(wei, -18).String()
}

func init() {
	rootCmd.AddCommand(relayersCmd)
}
