package main

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dukerupert/walletbackup/internal/backup"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show backup status for every provider",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	var statuses []backup.Status
	if err := client.do(cmd.Context(), "GET", "/api/status", nil, &statuses); err != nil {
		return err
	}

	fmt.Println(titleStyle.Render(fmt.Sprintf("==> providers (%d)", len(statuses))))
	fmt.Println()
	for _, st := range statuses {
		printStatus(st)
		fmt.Println()
	}
	return nil
}

func stateStyle(s backup.State) lipgloss.Style {
	switch s {
	case backup.StateEnabled:
		return successStyle
	case backup.StateInProgress:
		return infoStyle
	case backup.StateFailed:
		return errorStyle
	default:
		return dimStyle
	}
}

func printStatus(st backup.Status) {
	fmt.Printf("  %s %s\n", labelStyle.Render(fmt.Sprintf("%-12s", "provider:")), valueStyle.Render(st.Provider))
	fmt.Printf("  %s %s\n", labelStyle.Render(fmt.Sprintf("%-12s", "state:")), stateStyle(st.State).Render(string(st.State)))
	if st.State == backup.StateInProgress {
		fmt.Printf("  %s %s\n", labelStyle.Render(fmt.Sprintf("%-12s", "progress:")), infoStyle.Render(fmt.Sprintf("%.0f%%", st.Progress*100)))
	}
	last := "never"
	if st.LastSuccess != nil {
		last = st.LastSuccess.Local().Format(time.DateTime)
	}
	fmt.Printf("  %s %s\n", labelStyle.Render(fmt.Sprintf("%-12s", "last backup:")), valueStyle.Render(last))
	if st.Error != "" {
		fmt.Printf("  %s %s\n", labelStyle.Render(fmt.Sprintf("%-12s", "error:")), errorStyle.Render(st.Error))
	}
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
