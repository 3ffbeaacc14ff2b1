package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/x/term"
	"github.com/dukerupert/walletbackup/internal/backup"
	"github.com/spf13/cobra"
)

var passwordStdin bool

var restoreCmd = &cobra.Command{
	Use:   "restore <provider>",
	Short: "Restore the wallet from the newest remote backup",
	Long: "Replace the local wallet database with the newest backup on a provider.\n" +
		"Encrypted backups need the backup password; you are prompted for it\n" +
		"when running in a terminal, or pass --password-stdin.",
	Args: cobra.ExactArgs(1),
	RunE: runRestore,
}

type restoreRequest struct {
	Password string `json:"password,omitempty"`
}

func runRestore(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}

	var req restoreRequest
	if passwordStdin {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("read password from stdin: %w", err)
		}
		req.Password = strings.TrimRight(line, "\r\n")
	}

	path := "/api/providers/" + args[0] + "/restore"
	fmt.Println(infoStyle.Render(fmt.Sprintf("==> restoring from %s...", args[0])))

	var res backup.RestoreResult
	err = client.do(cmd.Context(), "POST", path, req, &res)

	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.Code == "password_required" && req.Password == "" && term.IsTerminal(os.Stdin.Fd()) {
		pw, perr := promptPassword("backup password: ")
		if perr != nil {
			return perr
		}
		req.Password = pw
		err = client.do(cmd.Context(), "POST", path, req, &res)
	}
	if err != nil {
		return err
	}

	fmt.Println(successStyle.Render("[ok] restore complete"))
	fmt.Println()
	fmt.Printf("  %s %s\n", labelStyle.Render(fmt.Sprintf("%-12s", "artifact:")), valueStyle.Render(res.Artifact))
	fmt.Printf("  %s %s\n", labelStyle.Render(fmt.Sprintf("%-12s", "encrypted:")), valueStyle.Render(fmt.Sprint(res.Encrypted)))
	fmt.Printf("  %s %s\n", labelStyle.Render(fmt.Sprintf("%-12s", "installed:")), valueStyle.Render(res.DBDir))
	for _, f := range res.Files {
		fmt.Printf("    %s\n", dimStyle.Render(f))
	}
	return nil
}

// promptPassword reads a line from the terminal without echo.
func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	pw, err := term.ReadPassword(os.Stdin.Fd())
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(pw), nil
}

func init() {
	restoreCmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "read the backup password from stdin")
	rootCmd.AddCommand(restoreCmd)
}
