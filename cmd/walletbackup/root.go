package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("213"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true)

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10")).
			Bold(true)

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("14"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("15")).
			Bold(true)
)

var (
	configPath string
	addrFlag   string
	tokenFlag  string
)

var rootCmd = &cobra.Command{
	Use:   "walletbackup",
	Short: "back up and restore a wallet database to remote storage",
	Long: titleStyle.Render("walletbackup") + "\n\n" +
		"Keeps an encrypted copy of a wallet database in S3-compatible storage\n" +
		"or a synced folder, and restores it on a new device.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func setVersionInfo(v, bt, gc string) {
	rootCmd.Version = fmt.Sprintf("%s (built: %s, commit: %s)", v, bt, gc)
}

func execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render(fmt.Sprintf("[error] %v", err)))
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: $WALLETBACKUP_CONFIG or ./walletbackup.yaml)")
	rootCmd.PersistentFlags().StringVar(&addrFlag, "addr", "", "daemon address, overrides server.addr")
	rootCmd.PersistentFlags().StringVar(&tokenFlag, "token", "", "daemon API token, overrides server.token")
}
