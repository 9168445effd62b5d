package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alanyoungcy/polybook/internal/domain"
)

// maxBodyBytes caps how much of a response body is read.
const maxBodyBytes = 8 << 20

// ClobClient is the read-only REST client for the Polymarket CLOB (Central
// Limit Order Book) API. It has no package-level state; construct one per
// feed.
type ClobClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewClobClient creates a new CLOB REST client.
//
// baseURL is the CLOB API root, e.g. "https://clob.polymarket.com".
func NewClobClient(baseURL string, timeout time.Duration) *ClobClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ClobClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// FetchSnapshot retrieves the full order book for a CLOB token id. Every
// failure wraps domain.ErrSnapshotFetch; HTTP 404 and 429 also wrap
// domain.ErrNotFound and domain.ErrRateLimited.
func (c *ClobClient) FetchSnapshot(ctx context.Context, tokenID string) (*domain.RawBook, error) {
	if strings.TrimSpace(tokenID) == "" {
		return nil, fmt.Errorf("polymarket/clob: fetch snapshot: %w: %w: empty token id", domain.ErrSnapshotFetch, domain.ErrValidation)
	}

	respBody, err := c.doRequest(ctx, http.MethodGet, "/book", url.Values{"token_id": {tokenID}})
	if err != nil {
		return nil, fmt.Errorf("polymarket/clob: fetch snapshot %s: %w: %w", tokenID, domain.ErrSnapshotFetch, err)
	}

	var msg BookMessage
	if err := json.Unmarshal(respBody, &msg); err != nil {
		return nil, fmt.Errorf("polymarket/clob: decode snapshot %s: %w: %w: %v", tokenID, domain.ErrSnapshotFetch, domain.ErrValidation, err)
	}
	raw := msg.ToDomainRawBook()
	if raw.AssetID == "" {
		raw.AssetID = tokenID
	}
	return raw, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// doRequest sends an unauthenticated request and returns the raw body of a
// 2xx response.
func (c *ClobClient) doRequest(ctx context.Context, method, path string, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}

	return respBody, nil
}

// checkHTTPStatus maps non-2xx status codes to appropriate domain errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	bodyStr := strings.TrimSpace(string(body))
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}

// MarketChannelURL returns the market channel websocket endpoint for wsHost,
// e.g. "wss://ws-subscriptions-clob.polymarket.com".
func MarketChannelURL(wsHost string) string {
	return strings.TrimRight(wsHost, "/") + "/ws/market"
}
