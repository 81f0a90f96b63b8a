/**
 * @description
 * This package provides a minimal client for the object store that holds
 * cloud-init scripts. It is used only when seeding new VM images: the compute
 * client fetches the named script blob and embeds it, base64-encoded, in the
 * create-instance request.
 */
package objectstore

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// Client fetches script blobs by bucket and path.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient creates a new object store client.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// GetScript downloads the named blob and returns its contents.
func (c *Client) GetScript(ctx context.Context, bucket, path string) (string, error) {
	url := c.BaseURL + "/" + bucket + "/" + path

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create script request: %w", err)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch script %s/%s: %w", bucket, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read script response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Printf("level=warn component=object_store op=get_script bucket=%s path=%s status=%d", bucket, path, resp.StatusCode)
		return "", fmt.Errorf("object store returned status %d for %s/%s", resp.StatusCode, bucket, path)
	}

	log.Printf("level=debug component=object_store msg=\"fetched script\" bucket=%s path=%s bytes=%d", bucket, path, len(body))
	return string(body), nil
}
