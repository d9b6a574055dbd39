// Package homeassistant provides clients for the Home Assistant API.
package homeassistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/emberhall/hearth/internal/httpkit"
)

// Client is a Home Assistant REST API client.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new Home Assistant client.
func NewClient(baseURL, token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(30*time.Second),
			httpkit.WithRetry(3, 2*time.Second),
			httpkit.WithLogger(logger),
		),
		logger: logger,
	}
}

// State represents an entity state from Home Assistant.
type State struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`
}

// Entity is the snapshot of a single exposed entity consumed by the
// retrieval index.
type Entity struct {
	EntityID   string
	Name       string
	Domain     string
	Attributes map[string]any
}

// APIStatus represents the HA API status response.
type APIStatus struct {
	Message string `json:"message"`
}

// Ping checks if the API is reachable.
func (c *Client) Ping(ctx context.Context) error {
	var status APIStatus
	if err := c.get(ctx, "/api/", &status); err != nil {
		return err
	}
	if status.Message != "API running." {
		return fmt.Errorf("unexpected API status: %s", status.Message)
	}
	return nil
}

// GetStates retrieves all entity states.
func (c *Client) GetStates(ctx context.Context) ([]State, error) {
	var states []State
	if err := c.get(ctx, "/api/states", &states); err != nil {
		return nil, err
	}
	return states, nil
}

// ListEntities retrieves the snapshot of entities exposed to the
// assistant. Exposure is controlled by the "conversation_exposed"
// attribute; entities without the attribute are exposed by default.
func (c *Client) ListEntities(ctx context.Context) ([]Entity, error) {
	states, err := c.GetStates(ctx)
	if err != nil {
		return nil, fmt.Errorf("get states: %w", err)
	}

	entities := make([]Entity, 0, len(states))
	for _, s := range states {
		if exposed, ok := s.Attributes["conversation_exposed"].(bool); ok && !exposed {
			continue
		}

		domain, _ := SplitEntityID(s.EntityID)
		if domain == "" {
			continue
		}

		name := s.EntityID
		if fn, ok := s.Attributes["friendly_name"].(string); ok && fn != "" {
			name = fn
		}

		entities = append(entities, Entity{
			EntityID:   s.EntityID,
			Name:       name,
			Domain:     domain,
			Attributes: s.Attributes,
		})
	}

	c.logger.Debug("listed exposed entities", "count", len(entities))
	return entities, nil
}

// CallService calls a Home Assistant service.
func (c *Client) CallService(ctx context.Context, domain, service string, data map[string]any) error {
	path := fmt.Sprintf("/api/services/%s/%s", domain, service)
	return c.post(ctx, path, data, nil)
}

// Execute runs a "domain.action" service call with the given payload
// and reports success. Malformed service strings, transport errors,
// and non-2xx responses all count as failure; callers never see an
// error, matching the best-effort executor contract.
func (c *Client) Execute(ctx context.Context, service string, data map[string]any) bool {
	domain, action := SplitEntityID(service)
	if domain == "" || action == "" {
		c.logger.Warn("invalid service format", "service", service)
		return false
	}

	if err := c.CallService(ctx, domain, action, data); err != nil {
		c.logger.Warn("service call failed", "service", service, "error", err)
		return false
	}

	c.logger.Info("service call succeeded", "service", service, "entity_id", data["entity_id"])
	return true
}

// SplitEntityID splits "domain.object" at the first dot. Returns empty
// strings when there is no dot.
func SplitEntityID(entityID string) (domain, object string) {
	for i, c := range entityID {
		if c == '.' {
			return entityID[:i], entityID[i+1:]
		}
	}
	return "", ""
}

// get performs a GET request to the HA API.
func (c *Client) get(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return fmt.Errorf("API error %d: %s", resp.StatusCode, body)
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}

// post performs a POST request to the HA API.
func (c *Client) post(ctx context.Context, path string, data any, result any) error {
	var reqBody []byte
	if data != nil {
		var err error
		reqBody, err = json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal data: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return fmt.Errorf("API error %d: %s", resp.StatusCode, body)
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}
