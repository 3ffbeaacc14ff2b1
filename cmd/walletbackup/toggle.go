package main

import (
	"errors"
	"fmt"

	"github.com/dukerupert/walletbackup/internal/backup"
	"github.com/spf13/cobra"
)

var enableCmd = &cobra.Command{
	Use:   "enable <provider>",
	Short: "Turn on backups for a provider",
	Long:  "Turn on backups for a provider and run the first backup straight away.",
	Args:  cobra.ExactArgs(1),
	RunE:  runEnable,
}

var disableCmd = &cobra.Command{
	Use:   "disable <provider>",
	Short: "Turn off backups for a provider",
	Long:  "Turn off backups for a provider. A backup in progress is cancelled. Remote data is left alone.",
	Args:  cobra.ExactArgs(1),
	RunE:  runDisable,
}

func runEnable(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	var st backup.Status
	err = client.do(cmd.Context(), "POST", "/api/providers/"+args[0]+"/enable", nil, &st)
	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.Code != "unknown_provider" && apiErr.StatusCode != 401 {
		// Enabled, but the first backup failed.
		fmt.Println(warnStyle.Render(fmt.Sprintf("[warn] %s enabled, first backup failed: %s", args[0], apiErr.Message)))
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Println(successStyle.Render(fmt.Sprintf("[ok] %s enabled", args[0])))
	fmt.Println()
	printStatus(st)
	return nil
}

func runDisable(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	if err := client.do(cmd.Context(), "POST", "/api/providers/"+args[0]+"/disable", nil, nil); err != nil {
		return err
	}
	fmt.Println(successStyle.Render(fmt.Sprintf("[ok] %s disabled", args[0])))
	return nil
}

func init() {
	rootCmd.AddCommand(enableCmd)
	rootCmd.AddCommand(disableCmd)
}
