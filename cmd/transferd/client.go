package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/transferd/transferd/internal/model"
	"github.com/transferd/transferd/internal/progress"
)

// apiClient talks to a running daemon's HTTP API.
type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient(baseURL string) *apiClient {
	return &apiClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *apiClient) get(path string, out any) error {
	resp, err := c.http.Get(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("cannot reach daemon at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return apiError(resp.StatusCode, body)
	}
	return json.Unmarshal(body, out)
}

func (c *apiClient) post(path string, payload, out any) error {
	data := []byte("{}")
	if payload != nil {
		var err error
		if data, err = json.Marshal(payload); err != nil {
			return err
		}
	}
	resp, err := c.http.Post(c.baseURL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("cannot reach daemon at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return apiError(resp.StatusCode, body)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

func apiError(status int, body []byte) error {
	return fmt.Errorf("daemon returned %d: %s", status, strings.TrimSpace(string(body)))
}

func (c *apiClient) status() (progress.Snapshot, error) {
	var snap progress.Snapshot
	err := c.get("/api/v1/status", &snap)
	return snap, err
}

func (c *apiClient) tasks() ([]model.Task, error) {
	var out []model.Task
	err := c.get("/api/v1/tasks", &out)
	return out, err
}

func (c *apiClient) control(taskID, action string) error {
	return c.post("/api/v1/tasks/"+taskID+"/control", map[string]string{"action": action}, nil)
}
