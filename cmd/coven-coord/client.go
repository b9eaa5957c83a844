// ABOUTME: Small JSON client for the coordinator HTTP API used by CLI subcommands
// ABOUTME: Resolves server URL and bearer token from flags, env and config

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/2389/coven-coordinator/internal/config"
)

// envToken names the environment variable holding the API bearer token.
const envToken = "COVEN_COORD_TOKEN"

type apiClient struct {
	base  string
	token string
	http  *http.Client
}

// tokenPath is where `token create --save` stores a token, next to the config.
func tokenPath(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), "coordinator.token")
}

func newAPIClient() (*apiClient, error) {
	configPath := config.ResolvePath(configFlag)

	base := serverFlag
	if base == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("loading config (or pass --server): %w", err)
		}
		base = "http://" + cfg.Server.HTTPAddr
	}

	token := tokenFlag
	if token == "" {
		token = os.Getenv(envToken)
	}
	if token == "" {
		if data, err := os.ReadFile(tokenPath(configPath)); err == nil {
			token = strings.TrimSpace(string(data))
		}
	}

	return &apiClient{
		base:  strings.TrimSuffix(base, "/"),
		token: token,
		http:  &http.Client{Timeout: 10 * time.Minute},
	}, nil
}

// do sends a JSON request and decodes a JSON response into out (if non-nil).
// Non-2xx answers become errors carrying the server's message. A 409 from a
// refused state change is returned as errConflict so callers can report it.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusConflict {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (status %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if out != nil {
		switch v := out.(type) {
		case *string:
			*v = string(data)
		default:
			if err := json.Unmarshal(data, out); err != nil {
				return fmt.Errorf("decoding response: %w", err)
			}
		}
	}
	if resp.StatusCode == http.StatusConflict {
		return errConflict
	}
	return nil
}

var errConflict = errors.New("refused by current state")

func truncate(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
