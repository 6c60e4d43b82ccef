package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	httpAdapter "github.com/fetchq/fetchq/internal/adapter/http"
)

// apiClient is a thin HTTP client for the client subcommands. The CLI
// is just another front end: it never touches the store directly.
type apiClient struct {
	base   string
	secret string
	http   *http.Client
}

func newAPIClient() *apiClient {
	return &apiClient{
		base:   apiURL,
		secret: os.Getenv("FETCHQ_SECRET"),
		http:   &http.Client{Timeout: 30 * time.Second},
	}
}

// do sends a request and decodes the JSON response into out (when out
// is non-nil). Submissions are signed when a secret is configured.
func (c *apiClient) do(method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	req, err := http.NewRequest(method, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.secret != "" && payload != nil {
		timestamp := time.Now().Format(time.RFC3339)
		req.Header.Set("X-Timestamp", timestamp)
		req.Header.Set("X-Signature", httpAdapter.Sign(c.secret, timestamp, payload))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("%s", resp.Status)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// jobView mirrors the server's job representation.
type jobView struct {
	ID          string  `json:"id"`
	URL         string  `json:"url"`
	Options     string  `json:"options"`
	Destination string  `json:"destination"`
	Status      string  `json:"status"`
	Progress    float64 `json:"progress"`
	Retries     int     `json:"retries"`
	Error       string  `json:"error"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
}

func printJob(j jobView) {
	fmt.Printf("%-36s  %-11s  %5.1f%%  %s\n", j.ID, j.Status, j.Progress*100, j.URL)
	if j.Error != "" {
		fmt.Printf("%38s%s\n", "", j.Error)
	}
}
