package webhook

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/cyphera/stripe-sync/internal/db"
	"github.com/cyphera/stripe-sync/internal/stripeapi"
)

// EndpointAPI is the slice of the source API the registry needs.
type EndpointAPI interface {
	CreateWebhookEndpoint(ctx context.Context, endpointURL, description string, enabledEvents []string) (*stripeapi.WebhookEndpoint, error)
	DeleteWebhookEndpoint(ctx context.Context, id string) error
}

// EndpointStore is the persistence slice the registry needs.
type EndpointStore interface {
	Insert(ctx context.Context, wh *db.ManagedWebhook) error
	GetByLocalUUID(ctx context.Context, localUUID uuid.UUID) (*db.ManagedWebhook, error)
	List(ctx context.Context, accountID string) ([]*db.ManagedWebhook, error)
	Delete(ctx context.Context, providerWebhookID string) (bool, error)
}

// Locker serializes endpoint creation across processes. The store handed to
// fn performs its writes under the lock.
type Locker interface {
	WithLock(ctx context.Context, name string, fn func(store EndpointStore) error) error
}

// PoolLocker implements Locker with a Postgres advisory lock; the store
// handed to fn runs inside the lock's transaction.
type PoolLocker struct {
	pool  *pgxpool.Pool
	store *db.ManagedWebhookStore
}

func NewPoolLocker(pool *pgxpool.Pool, store *db.ManagedWebhookStore) *PoolLocker {
	return &PoolLocker{pool: pool, store: store}
}

func (l *PoolLocker) WithLock(ctx context.Context, name string, fn func(store EndpointStore) error) error {
	return db.WithAdvisoryLock(ctx, l.pool, name, func(tx pgx.Tx) error {
		return fn(l.store.WithTx(tx))
	})
}

// Registry owns the lifecycle of provider-side webhook endpoints. Each
// endpoint's public URL embeds a locally generated uuid so the verifier can
// recover the endpoint secret from the request path.
type Registry struct {
	locker   Locker
	webhooks EndpointStore
	api      EndpointAPI
	logger   *zap.Logger
}

func NewRegistry(locker Locker, webhooks EndpointStore, api EndpointAPI, logger *zap.Logger) *Registry {
	return &Registry{locker: locker, webhooks: webhooks, api: api, logger: logger}
}

// enabledEvents subscribes the endpoint to everything; the router ignores
// types it does not handle.
var enabledEvents = []string{"*"}

// FindOrCreate returns the managed endpoint for (account, baseURL), creating
// it at the source when absent. Concurrent callers across processes are
// serialized by an advisory lock; the unique constraint on (account_id, url)
// is the backstop, and on violation the existing row is returned.
func (r *Registry) FindOrCreate(ctx context.Context, accountID, baseURL string) (*db.ManagedWebhook, error) {
	baseURL = strings.TrimSuffix(baseURL, "/")
	lockName := "webhook:" + accountID + ":" + baseURL

	var result *db.ManagedWebhook
	err := r.locker.WithLock(ctx, lockName, func(store EndpointStore) error {
		existing, err := r.findExisting(ctx, store, accountID, baseURL)
		if err != nil {
			return err
		}
		if existing != nil {
			result = existing
			return nil
		}

		localUUID := uuid.New()
		endpointURL := baseURL + "/" + localUUID.String()
		endpoint, err := r.api.CreateWebhookEndpoint(ctx, endpointURL,
			"Managed by stripe-sync", enabledEvents)
		if err != nil {
			return fmt.Errorf("failed to register webhook endpoint: %w", err)
		}

		wh := &db.ManagedWebhook{
			LocalUUID:         localUUID,
			ProviderWebhookID: endpoint.ID,
			AccountID:         accountID,
			URL:               endpointURL,
			Secret:            endpoint.Secret,
		}
		if err := store.Insert(ctx, wh); err != nil {
			if errors.Is(err, db.ErrDuplicateEndpoint) {
				// Lost the race despite the lock (e.g. a writer outside
				// it). Drop the endpoint we just created and reuse theirs.
				if delErr := r.api.DeleteWebhookEndpoint(ctx, endpoint.ID); delErr != nil {
					r.logger.Warn("Failed to remove duplicate webhook endpoint",
						zap.String("endpoint_id", endpoint.ID), zap.Error(delErr))
				}
				existing, readErr := r.findExisting(ctx, store, accountID, baseURL)
				if readErr != nil {
					return readErr
				}
				if existing == nil {
					return err
				}
				result = existing
				return nil
			}
			return err
		}

		r.logger.Info("Registered webhook endpoint",
			zap.String("endpoint_id", endpoint.ID),
			zap.String("url", endpointURL))
		result = wh
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// findExisting looks for an endpoint whose URL is baseURL plus a uuid path
// segment. URLs are stored fully qualified, so match on the prefix.
func (r *Registry) findExisting(ctx context.Context, store EndpointStore, accountID, baseURL string) (*db.ManagedWebhook, error) {
	all, err := store.List(ctx, accountID)
	if err != nil {
		return nil, err
	}
	prefix := baseURL + "/"
	for _, wh := range all {
		rest, ok := strings.CutPrefix(wh.URL, prefix)
		if !ok {
			continue
		}
		if _, err := uuid.Parse(rest); err == nil {
			return wh, nil
		}
	}
	return nil, nil
}

// Delete removes the endpoint at the source (best effort) and locally.
func (r *Registry) Delete(ctx context.Context, providerWebhookID string) error {
	if err := r.api.DeleteWebhookEndpoint(ctx, providerWebhookID); err != nil {
		r.logger.Warn("Failed to delete webhook endpoint at source",
			zap.String("endpoint_id", providerWebhookID), zap.Error(err))
	}
	deleted, err := r.webhooks.Delete(ctx, providerWebhookID)
	if err != nil {
		return err
	}
	if deleted {
		r.logger.Info("Deleted managed webhook endpoint",
			zap.String("endpoint_id", providerWebhookID))
	}
	return nil
}

// List returns the endpoints this tool manages for the account.
func (r *Registry) List(ctx context.Context, accountID string) ([]*db.ManagedWebhook, error) {
	return r.webhooks.List(ctx, accountID)
}

// SecretForEndpoint resolves the verification secret for the uuid embedded in
// a webhook request path.
func (r *Registry) SecretForEndpoint(ctx context.Context, endpointUUID string) (string, string, error) {
	parsed, err := uuid.Parse(endpointUUID)
	if err != nil {
		return "", "", fmt.Errorf("invalid endpoint uuid %q: %w", endpointUUID, err)
	}
	wh, err := r.webhooks.GetByLocalUUID(ctx, parsed)
	if err != nil {
		return "", "", err
	}
	if wh == nil {
		return "", "", fmt.Errorf("no managed endpoint for uuid %s", endpointUUID)
	}
	return wh.Secret, wh.AccountID, nil
}
