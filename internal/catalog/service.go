package catalog

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
)

// LocalReader reads the cached reference data.
type LocalReader interface {
	AllProducts(ctx context.Context) ([]Product, error)
	AllCategories(ctx context.Context) ([]Category, error)
}

// RemoteReader reads reference data from the backend.
type RemoteReader interface {
	ListActiveProducts(ctx context.Context) ([]Product, error)
	ListActiveCategories(ctx context.Context) ([]Category, error)
}

// Connectivity is the subset of the network observer used by the read path.
type Connectivity interface {
	Online() bool
}

// remoteTimeout bounds a shared backend read. Coalesced callers wait on it
// together, so it cannot follow any single request.
const remoteTimeout = 10 * time.Second

// Service answers product and category lookups, preferring the backend while
// online and the local cache otherwise.
type Service struct {
	local  LocalReader
	remote RemoteReader
	net    Connectivity
	logger  *slog.Logger
	group   singleflight.Group
	timeout time.Duration
}

// NewService builds Service.
func NewService(local LocalReader, remote RemoteReader, net Connectivity, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{local: local, remote: remote, net: net, logger: logger, timeout: remoteTimeout}
}

// Products lists products matching query and category.
func (s *Service) Products(ctx context.Context, query, categoryID string) ([]Product, error) {
	if s.useRemote() {
		v, err, _ := s.group.Do("products", func() (interface{}, error) {
			ctx, cancel := s.sharedContext(ctx)
			defer cancel()
			return s.remote.ListActiveProducts(ctx)
		})
		if err == nil {
			return Filter(v.([]Product), query, categoryID), nil
		}
		s.logger.Warn("catalog: remote products, using local cache", slog.Any("error", err))
	}
	all, err := s.local.AllProducts(ctx)
	if err != nil {
		return nil, err
	}
	return Filter(all, query, categoryID), nil
}

// Categories lists the categories.
func (s *Service) Categories(ctx context.Context) ([]Category, error) {
	if s.useRemote() {
		v, err, _ := s.group.Do("categories", func() (interface{}, error) {
			ctx, cancel := s.sharedContext(ctx)
			defer cancel()
			return s.remote.ListActiveCategories(ctx)
		})
		if err == nil {
			return v.([]Category), nil
		}
		s.logger.Warn("catalog: remote categories, using local cache", slog.Any("error", err))
	}
	return s.local.AllCategories(ctx)
}

// sharedContext detaches a coalesced read from the request that started it;
// one client going away must not fail the others.
func (s *Service) sharedContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
}

func (s *Service) useRemote() bool {
	return s.remote != nil && s.net != nil && s.net.Online()
}
