// Command prediction runs the validator, miner and registry roles of the prediction subnet
// and manages local keys.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var keyDirFlag string

var rootCmd = &cobra.Command{
	Use:           "prediction",
	Short:         "Prediction subnet validator, miner and registry",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&keyDirFlag, "key-dir", "", "Key directory (default: key_dir from config, or ~/.prediction/key)")

	validatorCmd.AddCommand(validatorServeCmd)
	minerCmd.AddCommand(minerServeCmd)
	minerCmd.AddCommand(exportCandlesCmd)
	registryCmd.AddCommand(registryServeCmd)
	keyCmd.AddCommand(keyGenerateCmd)
	keyCmd.AddCommand(keyShowCmd)

	rootCmd.AddCommand(validatorCmd)
	rootCmd.AddCommand(minerCmd)
	rootCmd.AddCommand(registryCmd)
	rootCmd.AddCommand(keyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
