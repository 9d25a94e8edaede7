package platform

import (
	"bytes"
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

const maxRawResponse = 4096

// Gateway публикует через HTTP-шлюз платформ: POST {base}/platforms/{platform}/posts.
type Gateway struct {
	baseURL    *url.URL
	httpClient *http.Client
	now        func() time.Time
}

var _ domain.PlatformClient = (*Gateway)(nil)

// Option настраивает клиент шлюза.
type Option func(*Gateway)

// WithHTTPClient подменяет HTTP-клиент.
func WithHTTPClient(client *http.Client) Option {
	return func(g *Gateway) {
		if client != nil {
			g.httpClient = client
		}
	}
}

// WithTimeout задаёт таймаут HTTP-клиента.
func WithTimeout(timeout time.Duration) Option {
	return func(g *Gateway) {
		if timeout > 0 {
			g.httpClient.Timeout = timeout
		}
	}
}

// NewGateway создаёт клиент шлюза.
func NewGateway(baseURL string, opts ...Option) (*Gateway, error) {
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
	g := &Gateway{
		baseURL:    parsed,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

type postRequest struct {
	ExternalID string   `json:"external_id"`
	Text       string   `json:"text"`
	Hashtags   []string `json:"hashtags"`
	Mentions   []string `json:"mentions"`
	MediaRefs  []string `json:"media_refs"`
}

type postResponse struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// Publish реализует domain.PlatformClient.
func (g *Gateway) Publish(ctx context.Context, adaptation domain.ContentAdaptation, channel domain.Channel) (domain.PublishResult, error) {
	platform := strings.ToLower(strings.TrimSpace(channel.Platform))
	payload, err := json.Marshal(postRequest{
		ExternalID: channel.ExternalID,
		Text:       adaptation.AdaptedText,
		Hashtags:   adaptation.Hashtags,
		Mentions:   adaptation.Mentions,
		MediaRefs:  adaptation.MediaRefs,
	})
	if err != nil {
		return domain.PublishResult{}, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := *g.baseURL
	endpoint.Path = strings.TrimSuffix(g.baseURL.Path, "/") + "/platforms/" + url.PathEscape(platform) + "/posts"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(payload))
	if err != nil {
		return domain.PublishResult{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if channel.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+channel.AuthToken)
	}

	start := time.Now()
	resp, err := g.httpClient.Do(req)
	metrics.ObserveNetworkRequest("platform", "publish", platform, start, err)
	if err != nil {
		return domain.PublishResult{}, transportError("gateway request failed", err)
	}
	defer resp.Body.Close()

	data, readErr := io.ReadAll(io.LimitReader(resp.Body, maxRawResponse))
	raw := strings.TrimSpace(string(data))
	if resp.StatusCode >= 300 {
		var body postResponse
		_ = json.Unmarshal(data, &body)
		message := body.Error
		if message == "" {
			message = raw
		}
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		pubErr := &domain.PublishError{
			Code:    codeForStatus(resp.StatusCode),
			Message: fmt.Sprintf("%s: status %d: %s", platform, resp.StatusCode, message),
			Raw:     raw,
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
			pubErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), g.now())
		}
		return domain.PublishResult{}, pubErr
	}
	if readErr != nil {
		return domain.PublishResult{}, transportError("read response", readErr)
	}

	var body postResponse
	if err := json.Unmarshal(data, &body); err != nil || body.ID == "" {
		return domain.PublishResult{}, &domain.PublishError{
			Code:    domain.ErrorCodeUnknown,
			Message: "unexpected gateway response",
			Raw:     raw,
			Err:     err,
		}
	}
	return domain.PublishResult{PostID: body.ID, Raw: raw}, nil
}
