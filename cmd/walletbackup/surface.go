package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/x/term"
	"github.com/dukerupert/walletbackup/internal/remote"
)

// terminalSurface asks for provider credentials on the controlling
// terminal. Prompts from different providers are serialized.
type terminalSurface struct {
	mu  sync.Mutex
	in  *os.File
	out io.Writer
}

func newTerminalSurface() remote.Surface {
	if !term.IsTerminal(os.Stdin.Fd()) {
		return remote.NoSurface
	}
	return &terminalSurface{in: os.Stdin, out: os.Stderr}
}

type promptResult struct {
	creds remote.Credentials
	err   error
}

func (s *terminalSurface) RequestCredentials(ctx context.Context, provider string) (remote.Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A blocked terminal read cannot be interrupted; on cancellation the
	// read goroutine finishes with the next line of input.
	done := make(chan promptResult, 1)
	go func() {
		creds, err := s.prompt(provider)
		done <- promptResult{creds, err}
	}()

	select {
	case <-ctx.Done():
		return remote.Credentials{}, ctx.Err()
	case r := <-done:
		return r.creds, r.err
	}
}

func (s *terminalSurface) prompt(provider string) (remote.Credentials, error) {
	fmt.Fprintln(s.out, warnStyle.Render(fmt.Sprintf("%s needs credentials (leave empty to cancel)", provider)))
	fmt.Fprint(s.out, "access key: ")
	line, err := bufio.NewReader(s.in).ReadString('\n')
	if err != nil && line == "" {
		return remote.Credentials{}, fmt.Errorf("read access key: %w", err)
	}
	access := strings.TrimSpace(line)
	if access == "" {
		return remote.Credentials{}, remote.ErrAuthCancelled
	}

	fmt.Fprint(s.out, "secret key: ")
	secret, err := term.ReadPassword(s.in.Fd())
	fmt.Fprintln(s.out)
	if err != nil {
		return remote.Credentials{}, fmt.Errorf("read secret key: %w", err)
	}
	if len(secret) == 0 {
		return remote.Credentials{}, remote.ErrAuthCancelled
	}
	return remote.Credentials{AccessKey: access, SecretKey: string(secret)}, nil
}
