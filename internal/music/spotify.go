// Package music resolves free-text music requests to Spotify URIs.
package music

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/emberhall/hearth/internal/httpkit"
)

const (
	apiBaseURL = "https://api.spotify.com/v1"
	tokenURL   = "https://accounts.spotify.com/api/token"

	tokenCacheKey = "access_token"
	// Tokens are refreshed this long before their stated expiry.
	refreshMargin = 60 * time.Second
)

// searchTypeKeys maps singular search types to the plural keys in
// Spotify's search response.
var searchTypeKeys = map[string]string{
	"track":    "tracks",
	"artist":   "artists",
	"album":    "albums",
	"playlist": "playlists",
}

// Client searches Spotify using the client-credentials flow.
type Client struct {
	clientID     string
	clientSecret string
	market       string
	httpClient   *http.Client
	tokens       *gocache.Cache
	logger       *slog.Logger

	// overridable in tests
	apiBase  string
	tokenURL string
}

// New creates a Spotify client. market defaults to "US".
func New(clientID, clientSecret, market string, logger *slog.Logger) *Client {
	if market == "" {
		market = "US"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		clientID:     strings.TrimSpace(clientID),
		clientSecret: strings.TrimSpace(clientSecret),
		market:       market,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(15 * time.Second),
		),
		tokens:   gocache.New(time.Hour, 10*time.Minute),
		logger:   logger,
		apiBase:  apiBaseURL,
		tokenURL: tokenURL,
	}
}

// Enabled reports whether credentials are configured.
func (c *Client) Enabled() bool {
	return c.clientID != ""
}

// Search resolves an LLM-generated query to the URI of the first
// matching item, or "" when nothing matches or any step fails. Music
// is an enrichment, never a reason to fail the request.
func (c *Client) Search(ctx context.Context, llmQuery string) string {
	token, err := c.accessToken(ctx)
	if err != nil {
		c.logger.Warn("spotify token", "error", err)
		return ""
	}

	searchType, query := ParseQuery(llmQuery)

	params := url.Values{}
	params.Set("q", query)
	params.Set("type", searchType)
	params.Set("limit", "1")
	params.Set("market", c.market)

	req, err := http.NewRequestWithContext(ctx, "GET", c.apiBase+"/search?"+params.Encode(), nil)
	if err != nil {
		return ""
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("spotify search", "error", err)
		return ""
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("spotify search failed",
			"status", resp.StatusCode, "body", httpkit.ReadErrorBody(resp.Body, 256))
		return ""
	}

	var result map[string]struct {
		Items []struct {
			URI string `json:"uri"`
		} `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		c.logger.Warn("spotify decode", "error", err)
		return ""
	}

	pluralKey, ok := searchTypeKeys[searchType]
	if !ok {
		pluralKey = searchType + "s"
	}
	bucket, ok := result[pluralKey]
	if !ok || len(bucket.Items) == 0 {
		c.logger.Debug("spotify no results", "type", searchType, "query", query)
		return ""
	}
	uri := bucket.Items[0].URI
	c.logger.Info("spotify match", "type", searchType, "uri", uri)
	return uri
}

// ParseQuery splits an LLM query into its search type and the bare
// query text. A leading track:/artist:/album:/playlist: prefix selects
// the type; no prefix defaults to track.
func ParseQuery(llmQuery string) (searchType, query string) {
	clean := strings.TrimSpace(llmQuery)
	lowered := strings.ToLower(clean)
	for prefix := range searchTypeKeys {
		if strings.HasPrefix(lowered, prefix+":") {
			return prefix, strings.TrimSpace(clean[len(prefix)+1:])
		}
	}
	return "track", clean
}

// accessToken returns a cached client-credentials token, requesting a
// fresh one when the cached token is absent or near expiry.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	if tok, ok := c.tokens.Get(tokenCacheKey); ok {
		return tok.(string), nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, "POST", c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.clientID, c.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=utf-8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token request status %d: %s",
			resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 256))
	}

	var tokenInfo struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenInfo); err != nil {
		return "", fmt.Errorf("decode token: %w", err)
	}
	if tokenInfo.AccessToken == "" {
		return "", fmt.Errorf("empty access token")
	}

	ttl := time.Duration(tokenInfo.ExpiresIn)*time.Second - refreshMargin
	if ttl <= 0 {
		ttl = time.Second
	}
	c.tokens.Set(tokenCacheKey, tokenInfo.AccessToken, ttl)
	return tokenInfo.AccessToken, nil
}
