package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"

	"github.com/cyphera/stripe-sync/internal/config"
	syncpkg "github.com/cyphera/stripe-sync/internal/sync"
)

// ErrSignature marks an invalid, unsigned or stale webhook signature.
type ErrSignature struct {
	cause error
}

func (e *ErrSignature) Error() string {
	return fmt.Sprintf("webhook signature verification failed: %v", e.cause)
}

func (e *ErrSignature) Unwrap() error { return e.cause }

// Result reports the outcome of a processed event.
type Result struct {
	Received  bool   `json:"received"`
	Ignored   bool   `json:"ignored,omitempty"`
	EventID   string `json:"event_id,omitempty"`
	EventType string `json:"event_type,omitempty"`
}

// Router verifies and dispatches incoming events to the per-kind upsert
// logic. The source retries on non-2xx, so every path through Process must be
// idempotent; the timestamp guard on upserts provides that.
type Router struct {
	upserter *syncpkg.Upserter
	source   syncpkg.Source
	cfg      *config.Config
	logger   *zap.Logger

	now func() time.Time
}

func NewRouter(upserter *syncpkg.Upserter, source syncpkg.Source, cfg *config.Config, logger *zap.Logger) *Router {
	return &Router{upserter: upserter, source: source, cfg: cfg, logger: logger, now: time.Now}
}

// Process verifies the signature against the endpoint secret and applies the
// event. Returns ErrSignature for verification failures; any other error is a
// downstream failure the caller should surface as a 400 so the source
// retries.
func (r *Router) Process(ctx context.Context, payload []byte, sigHeader, secret, accountID string) (*Result, error) {
	event, err := stripewebhook.ConstructEventWithOptions(payload, sigHeader, secret,
		stripewebhook.ConstructEventOptions{
			Tolerance:                r.cfg.SignatureTolerance,
			IgnoreAPIVersionMismatch: true,
		})
	if err != nil {
		return nil, &ErrSignature{cause: err}
	}
	return r.Dispatch(ctx, &event, accountID)
}

// Dispatch applies an already verified event. The live-stream path calls this
// directly after its own signature check.
func (r *Router) Dispatch(ctx context.Context, event *stripe.Event, accountID string) (*Result, error) {
	eventType := string(event.Type)
	object := event.Data.Object
	syncedAt := time.Unix(event.Created, 0)

	result := &Result{Received: true, EventID: event.ID, EventType: eventType}

	handle, ok := r.route(eventType)
	if !ok {
		r.logger.Debug("Ignoring unhandled event type", zap.String("type", eventType))
		result.Ignored = true
		return result, nil
	}

	if err := handle(ctx, object, accountID, syncedAt); err != nil {
		return nil, fmt.Errorf("failed to process %s event %s: %w", eventType, event.ID, err)
	}

	r.logger.Info("Processed webhook event",
		zap.String("type", eventType), zap.String("event_id", event.ID))
	return result, nil
}

type handlerFunc func(ctx context.Context, object map[string]any, accountID string, syncedAt time.Time) error

// route maps an event type to its handler. Order matters where prefixes
// overlap: customer.subscription and customer.tax_id before customer, and
// charge.dispute before charge.
func (r *Router) route(eventType string) (handlerFunc, bool) {
	switch {
	case strings.HasPrefix(eventType, "customer.subscription."):
		return r.upsertHandler(syncpkg.KindSubscription), true
	case eventType == "customer.tax_id.deleted":
		return r.deleteHandler(syncpkg.KindTaxID), true
	case strings.HasPrefix(eventType, "customer.tax_id."):
		return r.upsertHandler(syncpkg.KindTaxID), true
	case eventType == "customer.created" || eventType == "customer.updated" || eventType == "customer.deleted":
		// Exact matches only: customer.discount.* and customer.source.*
		// payloads are not customer objects.
		return r.upsertHandler(syncpkg.KindCustomer), true
	case strings.HasPrefix(eventType, "invoice."):
		return r.upsertHandler(syncpkg.KindInvoice), true
	case eventType == "product.deleted":
		return r.deleteHandler(syncpkg.KindProduct), true
	case strings.HasPrefix(eventType, "product."):
		return r.upsertHandler(syncpkg.KindProduct), true
	case eventType == "price.deleted":
		return r.deleteHandler(syncpkg.KindPrice), true
	case strings.HasPrefix(eventType, "price."):
		return r.upsertHandler(syncpkg.KindPrice), true
	case eventType == "plan.deleted":
		return r.deleteHandler(syncpkg.KindPlan), true
	case strings.HasPrefix(eventType, "plan."):
		return r.upsertHandler(syncpkg.KindPlan), true
	case strings.HasPrefix(eventType, "setup_intent."):
		return r.upsertHandler(syncpkg.KindSetupIntent), true
	case strings.HasPrefix(eventType, "subscription_schedule."):
		return r.upsertHandler(syncpkg.KindSubscriptionSchedule), true
	case strings.HasPrefix(eventType, "payment_method."):
		return r.upsertHandler(syncpkg.KindPaymentMethod), true
	case strings.HasPrefix(eventType, "charge.dispute."):
		return r.upsertHandler(syncpkg.KindDispute), true
	case strings.HasPrefix(eventType, "charge."):
		return r.upsertHandler(syncpkg.KindCharge), true
	case strings.HasPrefix(eventType, "payment_intent."):
		return r.upsertHandler(syncpkg.KindPaymentIntent), true
	case strings.HasPrefix(eventType, "credit_note."):
		return r.upsertHandler(syncpkg.KindCreditNote), true
	case strings.HasPrefix(eventType, "checkout.session."):
		return r.upsertHandler(syncpkg.KindCheckoutSession), true
	case eventType == "entitlements.active_entitlement_summary.updated":
		return r.entitlementSummaryHandler(), true
	default:
		return nil, false
	}
}

func (r *Router) upsertHandler(kindName string) handlerFunc {
	return func(ctx context.Context, object map[string]any, accountID string, syncedAt time.Time) error {
		kind, err := syncpkg.GetKind(kindName)
		if err != nil {
			return err
		}
		object, syncedAt, err = r.revalidate(ctx, kind, object, syncedAt)
		if err != nil {
			return err
		}
		_, err = r.upserter.Upsert(ctx, kind, []map[string]any{object}, accountID, syncedAt,
			r.cfg.BackfillRelatedEntities)
		return err
	}
}

func (r *Router) deleteHandler(kindName string) handlerFunc {
	return func(ctx context.Context, object map[string]any, accountID string, _ time.Time) error {
		kind, err := syncpkg.GetKind(kindName)
		if err != nil {
			return err
		}
		id, _ := object["id"].(string)
		if id == "" {
			return fmt.Errorf("delete event payload carries no id")
		}
		_, err = r.upserter.Delete(ctx, kind, id, accountID)
		return err
	}
}

// entitlementSummaryHandler replaces the customer's active entitlement set
// from the summary payload.
func (r *Router) entitlementSummaryHandler() handlerFunc {
	return func(ctx context.Context, object map[string]any, accountID string, syncedAt time.Time) error {
		customerID, _ := object["customer"].(string)
		if customerID == "" {
			return fmt.Errorf("entitlement summary carries no customer")
		}
		var records []map[string]any
		if sublist, ok := object["entitlements"].(map[string]any); ok {
			if data, ok := sublist["data"].([]any); ok {
				for _, item := range data {
					if m, ok := item.(map[string]any); ok {
						records = append(records, m)
					}
				}
			}
		}
		_, err := r.upserter.UpsertActiveEntitlements(ctx, customerID, records, accountID, syncedAt)
		return err
	}
}

// revalidate refetches the canonical record for configured kinds, except when
// the payload already shows a terminal status that cannot change again.
// Revalidated objects use the fetch moment as their synced-at.
func (r *Router) revalidate(ctx context.Context, kind *syncpkg.Kind, object map[string]any, syncedAt time.Time) (map[string]any, time.Time, error) {
	if !r.cfg.RevalidatesKind(kind.Name) || kind.RetrievePath == "" {
		return object, syncedAt, nil
	}
	if isTerminal(kind, object) {
		return object, syncedAt, nil
	}
	id, _ := object["id"].(string)
	if id == "" {
		return object, syncedAt, nil
	}
	fresh, err := r.source.Retrieve(ctx, fmt.Sprintf(kind.RetrievePath, id))
	if err != nil {
		return nil, syncedAt, fmt.Errorf("failed to revalidate %s %s: %w", kind.Name, id, err)
	}
	return fresh, r.now(), nil
}

// isTerminal reports whether a record has reached a status the source will
// never move it out of, making a refetch pointless.
func isTerminal(kind *syncpkg.Kind, object map[string]any) bool {
	status, _ := object["status"].(string)
	switch kind.Name {
	case syncpkg.KindInvoice:
		if status == "void" || status == "uncollectible" {
			return true
		}
		paid, _ := object["paid"].(bool)
		return status == "paid" && paid
	default:
		return false
	}
}

// DecodeEvent parses a raw envelope without signature verification, for
// callers that verified transport-level authenticity themselves.
func DecodeEvent(payload []byte) (*stripe.Event, error) {
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("failed to parse event envelope: %w", err)
	}
	return &event, nil
}
