/**
 * @description
 * This package provides a client for the compute provider's instance control
 * API (Contabo). It handles the password-grant token exchange, caches the
 * bearer token until near expiry, and exposes idempotent start/stop actions
 * plus instance creation from a fixed base image.
 *
 * Key features:
 * - Token cache with a 60s skew so an in-flight request never rides an
 *   expiring token.
 * - Start/stop report a tri-state outcome: applied, already in the target
 *   state (benign), or unrecognized failure. The caller decides what an
 *   unrecognized failure means for its own state.
 * - CreateInstance propagates errors unmodified; provisioning failures are
 *   never absorbed.
 *
 * @dependencies
 * - context, encoding/json, net/http, net/url, strings, sync, time: Standard Go libraries.
 * - github.com/google/uuid: Per-request trace ids the provider expects.
 * - pkg/secrets, pkg/objectstore: Credential and cloud-init script sources.
 */
package computeclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CarltonK/blackpaw-admin/pkg/objectstore"
	"github.com/CarltonK/blackpaw-admin/pkg/secrets"
)

// tokenSkew is the safety margin subtracted from a token's expiry before
// treating it as invalid, absorbing clock drift and request latency.
const tokenSkew = 60 * time.Second

// InstanceAction is a lifecycle action on a provisioned instance.
type InstanceAction string

const (
	ActionStart InstanceAction = "start"
	ActionStop  InstanceAction = "stop"
)

// ActionOutcome classifies the result of PerformAction.
type ActionOutcome int

const (
	// ActionApplied means the provider accepted and applied the action.
	ActionApplied ActionOutcome = iota
	// ActionAlreadyInState means the instance was already in the target
	// state; the action is a no-op and the call is treated as successful.
	ActionAlreadyInState
	// ActionUnrecognized means the provider rejected the action for a reason
	// this client does not understand. The accompanying error carries the
	// provider's response.
	ActionUnrecognized
)

// ScriptSource fetches the cloud-init payload used to seed new instances.
type ScriptSource interface {
	GetScript(ctx context.Context, bucket, path string) (string, error)
}

// Config carries the fixed provisioning parameters for new instances.
type Config struct {
	AuthURL      string
	APIBaseURL   string
	ImageID      string
	ProductID    string
	Region       string
	ScriptBucket string
	ScriptPath   string
}

// Client controls compute instances at the provider.
type Client struct {
	cfg        Config
	creds      *secrets.Cache
	scripts    ScriptSource
	httpClient *http.Client

	mu             sync.Mutex
	token          string
	tokenExpiresAt time.Time
}

// NewClient creates a new compute control client.
func NewClient(cfg Config, creds *secrets.Cache, scripts *objectstore.Client) *Client {
	return &Client{
		cfg:     cfg,
		creds:   creds,
		scripts: scripts,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// providerError is the provider's error body on non-2xx responses.
type providerError struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
}

func (e *providerError) Error() string {
	return fmt.Sprintf("compute provider error (status %d): %s", e.StatusCode, e.Message)
}

// accessToken returns a valid bearer token, exchanging credentials when the
// cached one is absent or within the skew window of expiry.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExpiresAt.Add(-tokenSkew)) {
		return c.token, nil
	}

	bundle, err := c.creds.Get(ctx)
	if err != nil {
		return "", err
	}
	creds := secrets.ComputeCredentialsFrom(bundle)
	if creds.ClientID == "" || creds.ClientSecret == "" || creds.APIUser == "" || creds.APIPassword == "" {
		return "", fmt.Errorf("compute credentials incomplete")
	}

	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("client_id", creds.ClientID)
	form.Set("client_secret", creds.ClientSecret)
	form.Set("username", creds.APIUser)
	form.Set("password", creds.APIPassword)

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.AuthURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to execute token request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Printf("level=warn component=compute_client op=token status=%d msg=\"token exchange failed\"", resp.StatusCode)
		return "", fmt.Errorf("token exchange returned status %d", resp.StatusCode)
	}

	var tok tokenResponse
	if err := json.Unmarshal(bodyBytes, &tok); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if tok.ExpiresIn <= 0 {
		tok.ExpiresIn = 300
	}

	c.token = tok.AccessToken
	c.tokenExpiresAt = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	log.Printf("level=debug component=compute_client msg=\"bearer token refreshed\" expires_in=%d", tok.ExpiresIn)
	return c.token, nil
}

// PerformAction issues a start or stop against an instance. Each call carries
// a fresh x-request-id; the provider expects one per request and it is not a
// retry key.
func (c *Client) PerformAction(ctx context.Context, instanceID string, action InstanceAction) (ActionOutcome, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return ActionUnrecognized, fmt.Errorf("acquire token: %w", err)
	}

	actionURL := fmt.Sprintf("%s/v1/compute/instances/%s/actions/%s", c.cfg.APIBaseURL, instanceID, action)
	req, err := http.NewRequestWithContext(ctx, "POST", actionURL, nil)
	if err != nil {
		return ActionUnrecognized, fmt.Errorf("failed to create action request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("x-request-id", uuid.New().String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ActionUnrecognized, fmt.Errorf("failed to execute %s on %s: %w", action, instanceID, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return ActionUnrecognized, fmt.Errorf("failed to read action response: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		log.Printf("level=info component=compute_client op=%s instance_id=%s msg=\"action applied\"", action, instanceID)
		return ActionApplied, nil
	}

	var provErr providerError
	if err := json.Unmarshal(bodyBytes, &provErr); err != nil {
		provErr = providerError{StatusCode: resp.StatusCode, Message: string(bodyBytes)}
	}
	if provErr.StatusCode == 0 {
		provErr.StatusCode = resp.StatusCode
	}

	if isAlreadyInState(action, provErr.Message) {
		log.Printf("level=info component=compute_client op=%s instance_id=%s msg=\"instance already in target state\"", action, instanceID)
		return ActionAlreadyInState, nil
	}

	log.Printf("level=warn component=compute_client op=%s instance_id=%s status=%d detail=%q", action, instanceID, provErr.StatusCode, provErr.Message)
	return ActionUnrecognized, &provErr
}

// isAlreadyInState reports whether the provider's error message indicates the
// instance is already in the state the action targets.
func isAlreadyInState(action InstanceAction, message string) bool {
	msg := strings.ToLower(message)
	switch action {
	case ActionStop:
		return strings.Contains(msg, "already stopped")
	case ActionStart:
		return strings.Contains(msg, "already running")
	}
	return false
}

type createInstanceRequest struct {
	ImageID     string  `json:"imageId"`
	ProductID   string  `json:"productId"`
	Region      string  `json:"region"`
	DisplayName string  `json:"displayName"`
	SSHKeys     []int64 `json:"sshKeys"`
	UserData    string  `json:"userData"`
}

type createInstanceResponse struct {
	Data []struct {
		InstanceID int64  `json:"instanceId"`
		Name       string `json:"name"`
		Status     string `json:"status"`
	} `json:"data"`
}

// CreateInstance provisions a new instance from the fixed base image, seeded
// with the cloud-init script from the object store. Unlike PerformAction,
// every failure propagates to the caller.
func (c *Client) CreateInstance(ctx context.Context, displayName string) (string, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return "", fmt.Errorf("acquire token: %w", err)
	}

	script, err := c.scripts.GetScript(ctx, c.cfg.ScriptBucket, c.cfg.ScriptPath)
	if err != nil {
		return "", fmt.Errorf("fetch cloud-init script: %w", err)
	}

	bundle, err := c.creds.Get(ctx)
	if err != nil {
		return "", err
	}
	creds := secrets.ComputeCredentialsFrom(bundle)

	payload := createInstanceRequest{
		ImageID:     c.cfg.ImageID,
		ProductID:   c.cfg.ProductID,
		Region:      c.cfg.Region,
		DisplayName: displayName,
		SSHKeys:     creds.SSHKeyIDs,
		UserData:    base64.StdEncoding.EncodeToString([]byte(script)),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal create request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.APIBaseURL+"/v1/compute/instances", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create instance request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("x-request-id", uuid.New().String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to execute create request: %w", err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read create response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var provErr providerError
		if err := json.Unmarshal(respBytes, &provErr); err != nil {
			return "", fmt.Errorf("create instance returned status %d: %s", resp.StatusCode, string(respBytes))
		}
		if provErr.StatusCode == 0 {
			provErr.StatusCode = resp.StatusCode
		}
		return "", &provErr
	}

	var created createInstanceResponse
	if err := json.Unmarshal(respBytes, &created); err != nil {
		return "", fmt.Errorf("failed to decode create response: %w", err)
	}
	if len(created.Data) == 0 {
		return "", fmt.Errorf("create instance response carried no instance data")
	}

	instanceID := fmt.Sprintf("%d", created.Data[0].InstanceID)
	log.Printf("level=info component=compute_client op=create_instance instance_id=%s name=%q", instanceID, displayName)
	return instanceID, nil
}
