package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"crosspost/internal/domain"
	"crosspost/internal/infra/metrics"
)

// Client читает каналы из внешнего реестра: GET {base}/api/v1/channels/{id}.
type Client struct {
	baseURL    *url.URL
	token      string
	httpClient *http.Client
}

var _ domain.ChannelRegistry = (*Client)(nil)

// New создаёт клиента реестра.
func New(baseURL, token string, timeout time.Duration) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("baseURL is required")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Scheme == "" {
		parsed.Scheme = "http"
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{baseURL: parsed, token: token, httpClient: &http.Client{Timeout: timeout}}, nil
}

type channelResponse struct {
	ID          string                    `json:"id"`
	Platform    string                    `json:"platform"`
	ExternalID  string                    `json:"external_id"`
	AuthToken   string                    `json:"auth_token"`
	Constraints domain.ChannelConstraints `json:"constraints"`
}

// Resolve реализует domain.ChannelRegistry.
func (c *Client) Resolve(ctx context.Context, channelID string) (domain.Channel, error) {
	endpoint := *c.baseURL
	endpoint.Path = strings.TrimSuffix(c.baseURL.Path, "/") + "/api/v1/channels/" + url.PathEscape(channelID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return domain.Channel{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.ObserveNetworkRequest("registry", "resolve", "channels", start, err)
	if err != nil {
		code := domain.Classify(err)
		if code != domain.ErrorCodeTimeout {
			code = domain.ErrorCodeNetwork
		}
		return domain.Channel{}, &domain.PublishError{Code: code, Message: "channel registry request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return domain.Channel{}, mapStatus(resp.StatusCode, channelID, strings.TrimSpace(string(data)))
	}

	var body channelResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return domain.Channel{}, &domain.PublishError{Code: domain.ErrorCodeNetwork, Message: "decode registry response", Err: err}
	}
	if body.ID == "" {
		body.ID = channelID
	}
	return domain.Channel{
		ID:          body.ID,
		Platform:    strings.ToLower(strings.TrimSpace(body.Platform)),
		ExternalID:  body.ExternalID,
		AuthToken:   body.AuthToken,
		Constraints: body.Constraints,
	}, nil
}

func mapStatus(status int, channelID, raw string) error {
	switch {
	case status == http.StatusNotFound:
		return &domain.PublishError{
			Code:    domain.ErrorCodeValidation,
			Message: fmt.Sprintf("channel %s not found", channelID),
			Raw:     raw,
			Err:     domain.ErrNotFound,
		}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &domain.PublishError{Code: domain.ErrorCodeAuth, Message: fmt.Sprintf("channel registry: status %d", status), Raw: raw}
	case status >= 500:
		return &domain.PublishError{Code: domain.ErrorCodeNetwork, Message: fmt.Sprintf("channel registry: status %d", status), Raw: raw}
	default:
		return &domain.PublishError{Code: domain.ErrorCodeValidation, Message: fmt.Sprintf("channel registry: status %d: %s", status, raw), Raw: raw}
	}
}
