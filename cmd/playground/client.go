package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/justinmoon/playground/internal/config"
)

// apiClient talks to a running playground server's JSON API.
type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient(serverFlag string) (*apiClient, error) {
	base := serverFlag
	if base == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		base = cfg.Client.ServerURL
	}
	return &apiClient{
		baseURL: strings.TrimRight(base, "/"),
		http:    &http.Client{Timeout: 5 * time.Minute},
	}, nil
}

func (c *apiClient) do(method, path string, out any) error {
	req, err := http.NewRequest(method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		body, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			// Failed operations still carry a body worth decoding.
			if out != nil && resp.StatusCode == http.StatusInternalServerError {
				json.Unmarshal(body, out)
			}
			return fmt.Errorf("server: %s", apiErr.Error)
		}
		return fmt.Errorf("server returned %s", resp.Status)
	}

	if out == nil {
		return nil
	}
	if w, ok := out.(io.Writer); ok {
		_, err := io.Copy(w, resp.Body)
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *apiClient) get(path string, out any) error {
	return c.do(http.MethodGet, path, out)
}

func (c *apiClient) post(path string, out any) error {
	return c.do(http.MethodPost, path, out)
}

func (c *apiClient) delete(path string, out any) error {
	return c.do(http.MethodDelete, path, out)
}
