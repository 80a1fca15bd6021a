package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// TargetInfo is one entry of the inspector's /json/list endpoint.
type TargetInfo struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// ListTargets fetches the debuggable targets exposed at address (host:port).
func ListTargets(ctx context.Context, client *http.Client, address string) ([]TargetInfo, error) {
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+address+"/json/list", nil)
	if err != nil {
		return nil, fmt.Errorf("build discovery request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("discover targets at %s: %w", address, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discover targets at %s: unexpected status %d", address, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read discovery response: %w", err)
	}

	var targets []TargetInfo
	if err := json.Unmarshal(body, &targets); err != nil {
		return nil, fmt.Errorf("%w: discovery response: %v", ErrInvalidMessage, err)
	}
	return targets, nil
}

// SelectTarget picks the target whose id matches, or the first attachable
// target when id is empty.
func SelectTarget(targets []TargetInfo, id string) (TargetInfo, error) {
	for _, t := range targets {
		if t.WebSocketDebuggerURL == "" {
			continue
		}
		if id == "" || t.ID == id {
			return t, nil
		}
	}
	if id != "" {
		return TargetInfo{}, fmt.Errorf("%w: %q", ErrNoTarget, id)
	}
	return TargetInfo{}, ErrNoTarget
}
