/**
 * @description
 * This package provides a client for the managed secret store and a
 * per-process credential cache on top of it. Credential bundles are fetched
 * by logical name ("contabo", "mpesa") and memoized for the process lifetime:
 * concurrent callers before the first successful load share a single fetch,
 * and a failed fetch is never cached, so the next caller retries.
 *
 * @dependencies
 * - context, encoding/json, net/http, sync: Standard Go libraries.
 */
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"
)

// Source fetches a raw credential bundle by logical name.
type Source interface {
	GetSecret(ctx context.Context, name string) (map[string]json.RawMessage, error)
}

// Client is an HTTP client for the secret store.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new secret store client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// GetSecret fetches the latest version of the named secret bundle.
func (c *Client) GetSecret(ctx context.Context, name string) (map[string]json.RawMessage, error) {
	url := c.BaseURL + "/v1/secrets/" + name + "/versions/latest"

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create secret request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Api-Key", c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute secret request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Printf("level=warn component=secret_store op=get_secret name=%s status=%d msg=\"non-2xx response\"", name, resp.StatusCode)
		return nil, fmt.Errorf("secret store returned status %d for %q", resp.StatusCode, name)
	}

	var bundle map[string]json.RawMessage
	if err := json.Unmarshal(bodyBytes, &bundle); err != nil {
		return nil, fmt.Errorf("failed to decode secret bundle %q: %w", name, err)
	}
	return bundle, nil
}

// Cache memoizes one named bundle for the process lifetime. The gate is a
// single loaded flag, not per-field: the first successful load wins and every
// later call is served from memory.
type Cache struct {
	source Source
	name   string

	mu     sync.Mutex
	loaded bool
	bundle map[string]json.RawMessage
}

// NewCache creates a cache for the named bundle.
func NewCache(source Source, name string) *Cache {
	return &Cache{source: source, name: name}
}

// Get returns the cached bundle, fetching it on first use. Concurrent first
// callers are serialized; a fetch failure leaves the cache unloaded.
func (c *Cache) Get(ctx context.Context) (map[string]json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.loaded {
		return c.bundle, nil
	}

	bundle, err := c.source.GetSecret(ctx, c.name)
	if err != nil {
		return nil, fmt.Errorf("load %q credentials: %w", c.name, err)
	}

	c.bundle = bundle
	c.loaded = true
	log.Printf("level=debug component=secrets msg=\"credential bundle loaded\" name=%s", c.name)
	return c.bundle, nil
}

// ComputeCredentials is the typed view of the "contabo" bundle.
type ComputeCredentials struct {
	ClientID     string
	ClientSecret string
	APIUser      string
	APIPassword  string
	SSHKeyIDs    []int64
}

// GatewayCredentials is the typed view of the "mpesa" bundle.
type GatewayCredentials struct {
	ConsumerKey    string
	ConsumerSecret string
	Shortcode      string
	Passkey        string
	CallbackURL    string
	BaseURL        string
}

func bundleString(bundle map[string]json.RawMessage, key string) string {
	raw, ok := bundle[key]
	if !ok {
		return ""
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	return v
}

// ComputeCredentialsFrom extracts the compute provider credentials from a raw
// bundle. SSH key ids default to an empty list when absent or malformed.
func ComputeCredentialsFrom(bundle map[string]json.RawMessage) ComputeCredentials {
	creds := ComputeCredentials{
		ClientID:     bundleString(bundle, "client_id"),
		ClientSecret: bundleString(bundle, "client_secret"),
		APIUser:      bundleString(bundle, "api_user"),
		APIPassword:  bundleString(bundle, "api_password"),
		SSHKeyIDs:    []int64{},
	}
	if raw, ok := bundle["ssh_key_ids"]; ok {
		var ids []int64
		if err := json.Unmarshal(raw, &ids); err == nil {
			creds.SSHKeyIDs = ids
		} else {
			log.Printf("level=warn component=secrets msg=\"malformed ssh_key_ids; defaulting to empty list\" err=%v", err)
		}
	}
	return creds
}

// GatewayCredentialsFrom extracts the payment gateway credentials from a raw bundle.
func GatewayCredentialsFrom(bundle map[string]json.RawMessage) GatewayCredentials {
	return GatewayCredentials{
		ConsumerKey:    bundleString(bundle, "consumer_key"),
		ConsumerSecret: bundleString(bundle, "consumer_secret"),
		Shortcode:      bundleString(bundle, "shortcode"),
		Passkey:        bundleString(bundle, "passkey"),
		CallbackURL:    bundleString(bundle, "callback_url"),
		BaseURL:        bundleString(bundle, "base_url"),
	}
}
