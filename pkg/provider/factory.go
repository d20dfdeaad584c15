package provider

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"fleetwatch/pkg/config"
	"fleetwatch/pkg/interfaces"
	"fleetwatch/pkg/metrics"
	redisstore "fleetwatch/pkg/store/redis"
	"fleetwatch/pkg/stream"
)

// Dependencies shared collaborators handed to event source factories
type Dependencies struct {
	Tokens  stream.TokenSource
	Metrics *metrics.Metrics
}

// EventSourceFactory creates an event source for a configuration
type EventSourceFactory func(ctx context.Context, cfg *config.Config, deps Dependencies) (interfaces.EventSource, error)

var eventSourceFactories = map[string]EventSourceFactory{}

// RegisterEventSource registers new event source factory
func RegisterEventSource(name string, factory EventSourceFactory) {
	if name == "" || factory == nil {
		return
	}
	eventSourceFactories[strings.ToLower(name)] = factory
}

func init() {
	RegisterEventSource(config.StreamDriverPusher, newPusherSource)
	RegisterEventSource("reverb", newPusherSource)
	RegisterEventSource(config.StreamDriverRedis, newRedisSource)
}

// ProviderFactory provider factory
type ProviderFactory struct {
	cfg  *config.Config
	deps Dependencies
}

// NewProviderFactory creates provider factory
func NewProviderFactory(cfg *config.Config, deps Dependencies) *ProviderFactory {
	return &ProviderFactory{cfg: cfg, deps: deps}
}

// CreateEventSource creates the event source configured by stream.driver
func (f *ProviderFactory) CreateEventSource(ctx context.Context) (interfaces.EventSource, error) {
	driver := f.cfg.Stream.Driver
	if driver == "" {
		driver = config.StreamDriverPusher
	}

	factory, ok := eventSourceFactories[strings.ToLower(driver)]
	if !ok {
		return nil, fmt.Errorf("unsupported stream driver: %s", driver)
	}
	return factory(ctx, f.cfg, f.deps)
}

func newPusherSource(_ context.Context, cfg *config.Config, deps Dependencies) (interfaces.EventSource, error) {
	if cfg.Stream.URL == "" {
		return nil, fmt.Errorf("stream.url is required for the pusher driver")
	}
	if cfg.Stream.AppKey == "" {
		return nil, fmt.Errorf("stream.app_key is required for the pusher driver")
	}
	authURL, err := ResolveAuthURL(cfg.Backend.BaseURL, cfg.Stream.AuthEndpoint)
	if err != nil {
		return nil, err
	}

	return stream.NewPusherSource(stream.PusherConfig{
		URL:            cfg.Stream.URL,
		AppKey:         cfg.Stream.AppKey,
		AuthURL:        authURL,
		ReconnectDelay: cfg.Stream.ReconnectDelay,
	}, deps.Tokens, deps.Metrics), nil
}

// ownedRedisSource closes the Redis connection together with the source
type ownedRedisSource struct {
	*stream.RedisSource
	client *redisstore.RedisClient
}

func (s *ownedRedisSource) Close() error {
	err := s.RedisSource.Close()
	if closeErr := s.client.Close(); err == nil {
		err = closeErr
	}
	return err
}

func newRedisSource(ctx context.Context, cfg *config.Config, deps Dependencies) (interfaces.EventSource, error) {
	client, err := redisstore.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}
	return &ownedRedisSource{
		RedisSource: stream.NewRedisSource(client.GetClient(), cfg.Stream.RedisPrefix, deps.Metrics),
		client:      client,
	}, nil
}

// ResolveAuthURL resolves a relative channel authorization endpoint against
// the backend base URL; absolute endpoints are returned unchanged.
func ResolveAuthURL(baseURL, endpoint string) (string, error) {
	ref, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid auth endpoint: %w", err)
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	base, err := url.Parse(baseURL)
	if err != nil || !base.IsAbs() {
		return "", fmt.Errorf("backend.base_url must be absolute to resolve auth endpoint %q", endpoint)
	}
	return base.ResolveReference(ref).String(), nil
}
