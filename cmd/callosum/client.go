package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/callosum-dev/callosum/internal/config"
	"github.com/callosum-dev/callosum/internal/gate"
	"github.com/callosum-dev/callosum/internal/store"
)

// fetchStatus returns the live snapshot either by talking to a running
// server over RPC (remote mode) or by opening the store backend
// directly (local mode), mirroring how a plugin-mode gate would see
// the same state.
func fetchStatus(ctx context.Context, cfg *config.Config, contextKey string) (store.Snapshot, error) {
	if cfg.Mode == "remote" {
		var resp statusResponse
		if err := newAPIClient(cfg).postJSON(ctx, "/status", statusRequest{ContextKey: contextKey}, &resp); err != nil {
			return store.Snapshot{}, err
		}
		return store.Snapshot{Locks: resp.Locks, RecentContexts: resp.RecentContexts}, nil
	}

	st, err := gate.OpenStore(ctx, cfg)
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	return st.Status(ctx, contextKey)
}

// fetchJournal mirrors fetchStatus for the journal tail.
func fetchJournal(ctx context.Context, cfg *config.Config, limit int) ([]store.JournalEntry, error) {
	if cfg.Mode == "remote" {
		var resp journalResponse
		if err := newAPIClient(cfg).postJSON(ctx, "/journal", journalRequest{Limit: limit}, &resp); err != nil {
			return nil, err
		}
		return resp.Entries, nil
	}

	st, err := gate.OpenStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	return st.JournalTail(ctx, limit)
}

// The following mirror the server package's unexported RPC envelope
// shapes (spec.md §6); kept local rather than exported from internal/
// server since the CLI is the only client that needs them.
type statusRequest struct {
	ContextKey string `json:"contextKey,omitempty"`
}

type statusResponse struct {
	Locks          []store.Lock          `json:"locks"`
	RecentContexts []store.ContextRecord `json:"recentContexts"`
}

type journalRequest struct {
	Limit int `json:"limit,omitempty"`
}

type journalResponse struct {
	Entries []store.JournalEntry `json:"entries"`
}

type apiClient struct {
	baseURL    string
	httpClient *http.Client
}

func newAPIClient(cfg *config.Config) *apiClient {
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &apiClient{
		baseURL:    strings.TrimRight(cfg.ServerURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *apiClient) postJSON(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if readErr != nil {
			return fmt.Errorf("request %s failed: %s", path, resp.Status)
		}
		return fmt.Errorf("request %s failed: %s (%s)", path, resp.Status, strings.TrimSpace(string(msg)))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
