package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/dukerupert/walletbackup/internal/config"
)

// apiError is a non-2xx daemon response.
type apiError struct {
	StatusCode int
	Message    string `json:"error"`
	Code       string `json:"code"`
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("daemon returned %d", e.StatusCode)
	}
	return e.Message
}

type apiClient struct {
	base  string
	token string
	http  *http.Client
}

// newClient resolves the daemon address and token from flags, then config.
// A config that fails to load is only fatal when the flags do not cover it.
func newClient() (*apiClient, error) {
	addr, token := addrFlag, tokenFlag
	if addr == "" || token == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			if addr == "" {
				return nil, err
			}
		} else {
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if token == "" {
				token = cfg.Server.Token
			}
		}
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	// No client timeout: backup and restore requests block until done and
	// are bounded by the command's context instead.
	return &apiClient{base: strings.TrimRight(addr, "/"), token: token, http: &http.Client{}}, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contact daemon at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &apiError{StatusCode: resp.StatusCode}
		json.NewDecoder(resp.Body).Decode(apiErr)
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
