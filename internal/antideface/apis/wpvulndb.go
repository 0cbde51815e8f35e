package apis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/y0ug/antideface/internal/database/models"
)

// DefaultWPVulnDBURL is the public WPVulnDB v3 endpoint.
const DefaultWPVulnDBURL = "https://wpvulndb.com/api/v3/"

// WPVulnDBClient implements the VulnClient interface for WPVulnDB.
type WPVulnDBClient struct {
	BaseURL     string
	APIToken    string
	Client      *http.Client
	RateLimiter *RateLimiter
}

// WPVulnDBResponse represents the part of WPVulnDB's response we use.
type WPVulnDBResponse struct {
	Vulnerabilities []struct {
		Title   string `json:"title"`
		FixedIn string `json:"fixed_in"`
	} `json:"vulnerabilities"`
}

// NewWPVulnDBClient initializes a new WPVulnDBClient.
func NewWPVulnDBClient(baseURL, apiToken string) *WPVulnDBClient {
	if baseURL == "" {
		baseURL = DefaultWPVulnDBURL
	}
	return &WPVulnDBClient{
		BaseURL:  baseURL,
		APIToken: apiToken,
		Client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// SetRateLimiter sets the rate limiter for the WPVulnDBClient.
func (c *WPVulnDBClient) SetRateLimiter(limiter *RateLimiter) {
	c.RateLimiter = limiter
}

// ProviderName returns the name of the API provider.
func (c *WPVulnDBClient) ProviderName() string {
	return "WPVulnDB"
}

// Lookup queries {base}/{themes|plugins}/{name}/{version}.
func (c *WPVulnDBClient) Lookup(ctx context.Context, component models.Component) ([]models.Vulnerability, error) {
	if component.Name == "" {
		return nil, nil
	}
	if c.RateLimiter != nil {
		// Wait for permission to proceed based on rate limiter
		if err := c.RateLimiter.Limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter error: %w", err)
		}
	}

	var kind string
	switch component.Kind {
	case "theme":
		kind = "themes"
	case "plugin":
		kind = "plugins"
	default:
		return nil, fmt.Errorf("unsupported component kind %q", component.Kind)
	}

	endpoint := fmt.Sprintf("%s/%s/%s/%s",
		strings.TrimRight(c.BaseURL, "/"), kind,
		url.PathEscape(component.Name), url.PathEscape(component.Version))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if c.APIToken != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Token token=%s", c.APIToken))
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var body WPVulnDBResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, fmt.Errorf("failed to decode WPVulnDB response: %w", err)
		}
		vulns := make([]models.Vulnerability, 0, len(body.Vulnerabilities))
		for _, v := range body.Vulnerabilities {
			vulns = append(vulns, models.Vulnerability{
				Provider:  c.ProviderName(),
				Component: component,
				Title:     v.Title,
				FixedIn:   v.FixedIn,
			})
		}
		return vulns, nil
	case http.StatusNotFound:
		// Component unknown to WPVulnDB
		return nil, nil
	case http.StatusTooManyRequests:
		return nil, fmt.Errorf("WPVulnDB API rate limit exceeded")
	default:
		return nil, fmt.Errorf("WPVulnDB API returned status: %d", resp.StatusCode)
	}
}
