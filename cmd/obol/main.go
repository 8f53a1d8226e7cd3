package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "obol",
	Short: "Obol — credit ledger for metered model access",
	Long:  "Obol meters access to AI model providers against prepaid credit balances: it prices requests, opens a pending ledger transaction before every model call, settles the actual cost atomically, and reconciles transactions orphaned by crashes.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: configs/obol.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
