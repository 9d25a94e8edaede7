package platform

import (
	"context"
	"fmt"
	"strings"

	"crosspost/internal/domain"
)

// Router выбирает клиента по типу платформы канала.
type Router struct {
	clients  map[string]domain.PlatformClient
	fallback domain.PlatformClient
}

var _ domain.PlatformClient = (*Router)(nil)

// NewRouter создаёт маршрутизатор. fallback обслуживает платформы без отдельного клиента.
func NewRouter(fallback domain.PlatformClient) *Router {
	return &Router{clients: make(map[string]domain.PlatformClient), fallback: fallback}
}

// Register закрепляет клиента за платформой.
func (r *Router) Register(platform string, client domain.PlatformClient) *Router {
	r.clients[strings.ToLower(strings.TrimSpace(platform))] = client
	return r
}

// Publish реализует domain.PlatformClient.
func (r *Router) Publish(ctx context.Context, adaptation domain.ContentAdaptation, channel domain.Channel) (domain.PublishResult, error) {
	client, ok := r.clients[strings.ToLower(strings.TrimSpace(channel.Platform))]
	if !ok {
		client = r.fallback
	}
	if client == nil {
		return domain.PublishResult{}, domain.NewPublishError(domain.ErrorCodeValidation,
			fmt.Sprintf("no client for platform %q", channel.Platform), nil)
	}
	return client.Publish(ctx, adaptation, channel)
}
