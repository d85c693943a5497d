package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/veorc/veorc/pkg/daemon"
)

// apiClient talks to a running daemon's control plane over its bound
// loopback address, resolved from the PID file.
type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient(repoRoot string) (*apiClient, error) {
	info, running, err := daemon.Status(repoRoot)
	if err != nil {
		return nil, fmt.Errorf("check daemon status: %w", err)
	}
	if !running {
		return nil, fmt.Errorf("no orchestrator daemon is running for %s (run `veorc start` first)", repoRoot)
	}
	return &apiClient{
		baseURL: fmt.Sprintf("http://%s:%d", info.Host, info.Port),
		http:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *apiClient) do(method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(data, &apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *apiClient) get(path string, out any) error         { return c.do(http.MethodGet, path, nil, out) }
func (c *apiClient) post(path string, body, out any) error  { return c.do(http.MethodPost, path, body, out) }
func (c *apiClient) patch(path string, body, out any) error { return c.do(http.MethodPatch, path, body, out) }
func (c *apiClient) delete(path string) error               { return c.do(http.MethodDelete, path, nil, nil) }
