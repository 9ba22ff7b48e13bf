package dashboard

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/Capitan-Parrot/parking-violation-system/internal/models"
	"github.com/goccy/go-json"
)

// Client posts violation records to the gateway's ingestion endpoint
type Client struct {
	URL        string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		URL:        strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{},
	}
}

func (c *Client) Name() string {
	return "dashboard"
}

// Forward sends one record. The caller bounds the call through ctx.
func (c *Client) Forward(ctx context.Context, rec models.ViolationRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL+"/violation", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("bad status: %s, error: %s", resp.Status, bodyBytes)
	}
	return nil
}
