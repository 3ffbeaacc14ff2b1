package main

import (
	"fmt"

	"github.com/dukerupert/walletbackup/internal/backup"
	"github.com/spf13/cobra"
)

var backupCmd = &cobra.Command{
	Use:   "backup <provider>",
	Short: "Back up the wallet now",
	Long:  "Run a backup immediately, cancelling any pending scheduled one, and wait for it to finish.",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackup,
}

var signalCmd = &cobra.Command{
	Use:   "signal",
	Short: "Tell the daemon the wallet may have changed",
	Long:  "Schedule a debounced backup on every provider. Wallet software calls this after writing.",
	Args:  cobra.NoArgs,
	RunE:  runSignal,
}

func runBackup(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}

	fmt.Println(infoStyle.Render(fmt.Sprintf("==> backing up to %s...", args[0])))
	var st backup.Status
	if err := client.do(cmd.Context(), "POST", "/api/providers/"+args[0]+"/backup", nil, &st); err != nil {
		return err
	}
	fmt.Println(successStyle.Render("[ok] backup complete"))
	fmt.Println()
	printStatus(st)
	return nil
}

func runSignal(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	if err := client.do(cmd.Context(), "POST", "/api/signal", nil, nil); err != nil {
		return err
	}
	fmt.Println(dimStyle.Render("backup scheduled"))
	return nil
}

func init() {
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(signalCmd)
}
