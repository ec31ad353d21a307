package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kjstillabower/prediction-subnet/internal/keys"
)

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage local signing keys",
}

var keyGenerateCmd = &cobra.Command{
	Use:   "generate <name>",
	Short: "Create a new key",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeyGenerate,
}

var keyShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Print a key's address",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeyShow,
}

func runKeyGenerate(cmd *cobra.Command, args []string) error {
	dir := resolveKeyDir()
	k, err := keys.Generate(args[0])
	if err != nil {
		return err
	}
	if err := keys.Save(dir, k); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "created %s\naddress: %s\npath: %s\n", k.Name, k.Address(), keys.Path(dir, k.Name))
	return nil
}

func runKeyShow(cmd *cobra.Command, args []string) error {
	k, err := keys.Load(resolveKeyDir(), args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "name: %s\naddress: %s\n", k.Name, k.Address())
	return nil
}
