package calendar

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/beekhof/calensync/internal/auth"
	"github.com/beekhof/calensync/internal/config"
	"github.com/beekhof/calensync/internal/model"
	"golang.org/x/oauth2"
)

// ProviderFactory builds the Provider for one configured account.
type ProviderFactory func(ctx context.Context, accountID string) (Provider, error)

// Registry hands out gateways, building and caching one Provider per account.
// It is safe for concurrent use.
type Registry struct {
	factory ProviderFactory
	nodes   NodeStore
	log     *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	providers map[string]Provider
}

func NewRegistry(factory ProviderFactory, nodes NodeStore, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		factory:   factory,
		nodes:     nodes,
		log:       log,
		now:       time.Now,
		providers: make(map[string]Provider),
	}
}

// SetClock replaces time.Now for every gateway handed out afterwards.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

// Provider returns the cached provider for accountID, building it on first use.
func (r *Registry) Provider(ctx context.Context, accountID string) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.providers[accountID]; ok {
		return p, nil
	}
	p, err := r.factory(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("account %s: %w", accountID, err)
	}
	r.providers[accountID] = p
	return p, nil
}

// Gateway returns a new gateway for node with an empty batch.
func (r *Registry) Gateway(ctx context.Context, node model.CalendarNode) (*Gateway, error) {
	p, err := r.Provider(ctx, node.AccountID)
	if err != nil {
		return nil, err
	}
	return NewGateway(node, p, r.nodes, WithLogger(r.log), WithClock(r.now)), nil
}

// StaticFactory serves fixed providers keyed by account id.
func StaticFactory(providers map[string]Provider) ProviderFactory {
	return func(_ context.Context, accountID string) (Provider, error) {
		p, ok := providers[accountID]
		if !ok {
			return nil, fmt.Errorf("%w: unknown account", ErrPermanent)
		}
		return p, nil
	}
}

// AccountFactory builds providers from the configured accounts. Google
// accounts need a stored token; run "calsync auth" first.
func AccountFactory(cfg *config.Config, oauthConfig *oauth2.Config) ProviderFactory {
	return func(ctx context.Context, accountID string) (Provider, error) {
		acct, ok := cfg.Account(accountID)
		if !ok {
			return nil, fmt.Errorf("%w: account %q is not configured", ErrPermanent, accountID)
		}

		switch acct.Type {
		case config.AccountGoogle:
			store := auth.NewFileTokenStore(acct.TokenPath)
			client, err := auth.NewClient(ctx, oauthConfig, store)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrPermanent, err)
			}
			limiter := NewRateLimiter(RateLimitConfig{
				RequestsPerSecond: cfg.Settings.RequestsPerSecond,
				BurstSize:         cfg.Settings.RequestBurst,
			})
			return NewGoogleProvider(ctx, client, limiter)
		case config.AccountCalDAV:
			return NewCalDAVProvider(acct.ServerURL, acct.Username, acct.Password, nil), nil
		default:
			return nil, fmt.Errorf("%w: account %q has unknown type %q", ErrPermanent, accountID, acct.Type)
		}
	}
}
