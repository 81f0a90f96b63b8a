/**
 * @description
 * This package provides a client for the M-Pesa payment gateway (Daraja). It
 * handles the Basic-auth client-credentials token exchange with a near-expiry
 * cache, initiates STK push requests, and defines the callback payload types
 * the webhook boundary decodes.
 *
 * @dependencies
 * - context, encoding/json, net/http, sync, time: Standard Go libraries.
 * - pkg/secrets: Gateway credential source.
 */
package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/CarltonK/blackpaw-admin/pkg/secrets"
)

// tokenSkew is the safety margin subtracted from the gateway token's expiry
// before treating it as invalid.
const tokenSkew = 60 * time.Second

// Client calls the payment gateway.
type Client struct {
	creds      *secrets.Cache
	httpClient *http.Client

	mu             sync.Mutex
	token          string
	tokenExpiresAt time.Time
}

// NewClient creates a new gateway client.
func NewClient(creds *secrets.Cache) *Client {
	return &Client{
		creds: creds,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// GatewayError carries the upstream response body for a failed gateway call,
// so the initiation path can surface it in its structured result.
type GatewayError struct {
	Status int
	Body   string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway error (status %d): %s", e.Status, e.Body)
}

type tokenResponse struct {
	AccessToken string      `json:"access_token"`
	ExpiresIn   json.Number `json:"expires_in"`
}

// Credentials returns the typed gateway credential bundle.
func (c *Client) Credentials(ctx context.Context) (secrets.GatewayCredentials, error) {
	bundle, err := c.creds.Get(ctx)
	if err != nil {
		return secrets.GatewayCredentials{}, err
	}
	return secrets.GatewayCredentialsFrom(bundle), nil
}

// AccessToken returns a valid gateway token, exchanging consumer credentials
// when the cached one is absent or near expiry. Missing consumer credentials
// is a local failure detected before any network call.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if c.token != "" && now.Before(c.tokenExpiresAt.Add(-tokenSkew)) {
		return c.token, nil
	}

	creds, err := c.Credentials(ctx)
	if err != nil {
		return "", err
	}
	if creds.ConsumerKey == "" || creds.ConsumerSecret == "" {
		return "", fmt.Errorf("missing consumer credentials")
	}

	auth := base64.StdEncoding.EncodeToString([]byte(creds.ConsumerKey + ":" + creds.ConsumerSecret))
	url := creds.BaseURL + "/oauth/v1/generate?grant_type=client_credentials"

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Authorization", "Basic "+auth)

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
		log.Printf("level=warn component=mpesa_client op=token status=%d msg=\"token request failed\"", resp.StatusCode)
		return "", &GatewayError{Status: resp.StatusCode, Body: string(bodyBytes)}
	}

	var tok tokenResponse
	if err := json.Unmarshal(bodyBytes, &tok); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	// The sandbox returns expires_in as a string; default to the documented
	// lifetime when it is absent or unparsable.
	expiresIn, err := tok.ExpiresIn.Int64()
	if err != nil || expiresIn <= 0 {
		expiresIn = 3599
	}

	c.token = tok.AccessToken
	c.tokenExpiresAt = now.Add(time.Duration(expiresIn) * time.Second)
	log.Printf("level=debug component=mpesa_client msg=\"access token refreshed\" expires_in=%d", expiresIn)
	return c.token, nil
}

// STKPushRequest is the push-payment initiation payload.
type STKPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

// STKPushResponse is the gateway's acceptance of a push request.
type STKPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// STKPush submits a push-payment request to the gateway.
func (c *Client) STKPush(ctx context.Context, req STKPushRequest) (*STKPushResponse, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	creds, err := c.Credentials(ctx)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal push request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", creds.BaseURL+"/mpesa/stkpush/v1/processrequest", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create push request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to execute push request: %w", err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read push response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Printf("level=warn component=mpesa_client op=stkpush status=%d detail=%q", resp.StatusCode, string(respBytes))
		return nil, &GatewayError{Status: resp.StatusCode, Body: string(respBytes)}
	}

	var pushResp STKPushResponse
	if err := json.Unmarshal(respBytes, &pushResp); err != nil {
		return nil, fmt.Errorf("failed to decode push response: %w", err)
	}
	return &pushResp, nil
}

// Timestamp returns the gateway's local timestamp convention: the current UTC
// instant stripped of all non-digit characters and truncated to 14 digits
// (YYYYMMDDHHmmss).
func Timestamp(now time.Time) string {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, now.UTC().Format(time.RFC3339Nano))
	if len(digits) > 14 {
		digits = digits[:14]
	}
	return digits
}

// DerivePassword builds the push-request password: base64 of
// shortcode+passkey+timestamp.
func DerivePassword(shortcode, passkey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortcode + passkey + timestamp))
}
