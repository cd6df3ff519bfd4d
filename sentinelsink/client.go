package sentinelsink

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// HTTPStatusError carries the DCR endpoint's HTTP status code, used by
// classifyUploadError to build the "azure_error:<status>" category from
// section 4.7 step 7, grounded on the status-code branching in
// other_examples' LogAnalyticsOutput.transmitBatch.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("dcr endpoint returned status %d: %s", e.StatusCode, e.Body)
}

// AADConfig configures the OAuth2 client-credentials flow used to obtain
// bearer tokens for the Sentinel Logs Ingestion endpoint, per spec.md
// section 6: "authentication via OAuth2/managed-identity".
type AADConfig struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	Scope        string // defaults to "https://monitor.azure.com/.default"
}

func (c AADConfig) tokenSource(ctx context.Context) oauth2.TokenSource {
	scope := c.Scope
	if scope == "" {
		scope = "https://monitor.azure.com/.default"
	}
	cfg := &clientcredentials.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", c.TenantID),
		Scopes:       []string{scope},
	}
	return cfg.TokenSource(ctx)
}

// HTTPIngestionClient implements IngestionClient against an Azure Monitor
// Data Collection Rule endpoint, adapted from other_examples'
// LogAnalyticsOutput.transmitBatch: same POST/retry/status-code shape, with
// OAuth2 bearer auth in place of the HMAC shared-key signature since
// Sentinel Logs Ingestion authenticates via AAD, not a workspace key.
type HTTPIngestionClient struct {
	Endpoint       string
	tokenSource    oauth2.TokenSource
	httpClient     *http.Client
	maxRetries     int
	retryBaseDelay time.Duration
}

// NewHTTPIngestionClient builds a client that authenticates with the given
// AAD client-credentials config and POSTs batches to endpoint.
func NewHTTPIngestionClient(ctx context.Context, endpoint string, aad AADConfig, httpClient *http.Client) *HTTPIngestionClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPIngestionClient{
		Endpoint:       endpoint,
		tokenSource:    aad.tokenSource(ctx),
		httpClient:     httpClient,
		maxRetries:     3,
		retryBaseDelay: time.Second,
	}
}

// Upload POSTs body to
// <endpoint>/dataCollectionRules/<ruleID>/streams/<streamName>?api-version=2023-01-01,
// the DCR ingestion API shape, retrying transient failures and treating 4xx (except 429) as terminal, as
// other_examples' transmitBatch does for the HMAC-authenticated equivalent.
func (c *HTTPIngestionClient) Upload(ctx context.Context, ruleID, streamName string, body []byte, contentType string) error {
	token, err := c.tokenSource.Token()
	if err != nil {
		return fmt.Errorf("sentinelsink: fetch AAD token: %w", err)
	}

	url := fmt.Sprintf("%s/dataCollectionRules/%s/streams/%s?api-version=2023-01-01", c.Endpoint, ruleID, streamName)

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.retryBaseDelay * time.Duration(1<<uint(attempt-1))
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}
		req.Header.Set("Content-Type", "application/json")
		if contentType == "application/json+gzip" {
			req.Header.Set("Content-Encoding", "gzip")
		}
		req.Header.Set("Authorization", "Bearer "+token.AccessToken)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}

		statusErr := &HTTPStatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
		lastErr = statusErr

		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != 429 {
			return statusErr
		}
	}

	return fmt.Errorf("sentinelsink: upload failed after %d retries: %w", c.maxRetries, lastErr)
}

func gzipCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
