package main

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dukerupert/walletbackup/internal/model"
	"github.com/spf13/cobra"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history <provider>",
	Short: "List recent backup attempts",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

func runHistory(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	var rows []model.Backup
	path := fmt.Sprintf("/api/providers/%s/history?limit=%d", args[0], historyLimit)
	if err := client.do(cmd.Context(), "GET", path, nil, &rows); err != nil {
		return err
	}

	if len(rows) == 0 {
		fmt.Println(dimStyle.Render(fmt.Sprintf("no backups recorded for %s", args[0])))
		fmt.Println()
		fmt.Println(dimStyle.Render("create one with: walletbackup backup " + args[0]))
		return nil
	}

	fmt.Println(titleStyle.Render(fmt.Sprintf("==> backups for: %s (%d)", args[0], len(rows))))
	fmt.Println()

	data := make([][]string, 0, len(rows))
	for _, b := range rows {
		statusColor := "10"
		switch b.Status {
		case model.BackupStatusFailed:
			statusColor = "9"
		case model.BackupStatusUploading, model.BackupStatusPending:
			statusColor = "14"
		}
		status := lipgloss.NewStyle().Foreground(lipgloss.Color(statusColor)).Render(string(b.Status))

		size := "-"
		if b.SizeBytes > 0 {
			size = formatBytes(b.SizeBytes)
		}
		data = append(data, []string{
			strconv.FormatInt(b.ID, 10),
			b.Artifact,
			strconv.FormatBool(b.Encrypted),
			status,
			b.CreatedAt.Local().Format("2006-01-02 15:04"),
			size,
			b.ErrorMessage,
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("240"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return lipgloss.NewStyle().
					Foreground(lipgloss.Color("86")).
					Bold(true).
					Align(lipgloss.Center)
			}
			return lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
		}).
		Headers("id", "artifact", "encrypted", "status", "created", "size", "error").
		Rows(data...)

	fmt.Println(t)
	fmt.Println()
	return nil
}

func formatBytes(n int64) string {
	switch {
	case n < 1024:
		return fmt.Sprintf("%d bytes", n)
	case n < 1024*1024:
		return fmt.Sprintf("%.1f kb", float64(n)/1024)
	case n < 1024*1024*1024:
		return fmt.Sprintf("%.1f mb", float64(n)/(1024*1024))
	default:
		return fmt.Sprintf("%.2f gb", float64(n)/(1024*1024*1024))
	}
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of attempts to show")
	rootCmd.AddCommand(historyCmd)
}
