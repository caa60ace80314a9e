package sync

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/cyphera/stripe-sync/internal/config"
	"github.com/cyphera/stripe-sync/internal/stripeapi"
)

const pageSize = 100

// Store is the persistence gateway the upserter writes through.
type Store interface {
	Upsert(ctx context.Context, table string, columns []string, records []map[string]any, accountID string, syncedAt time.Time) ([]string, error)
	Delete(ctx context.Context, table, id, accountID string) (bool, error)
	FindMissing(ctx context.Context, table string, ids []string, accountID string) ([]string, error)
	ListIDs(ctx context.Context, table, accountID string) ([]string, error)
	MarkDeletedSubscriptionItems(ctx context.Context, subscriptionID string, keepIDs []string, accountID string) (int64, error)
	DeleteEntitlementsNotIn(ctx context.Context, customerID string, keepIDs []string, accountID string) (int64, error)
}

// Source is the slice of the source API client the upserter needs.
type Source interface {
	List(ctx context.Context, path string, params url.Values) (*stripeapi.ListPage, error)
	Retrieve(ctx context.Context, path string) (map[string]any, error)
}

// Upserter normalizes source records and persists them: it flattens expanded
// references, expands truncated sub-lists, backfills missing referenced
// entities, and handles the per-kind secondary effects (subscription items,
// checkout session line items, entitlement pruning).
type Upserter struct {
	store  Store
	source Source
	cfg    *config.Config
	logger *zap.Logger
}

func NewUpserter(store Store, source Source, cfg *config.Config, logger *zap.Logger) *Upserter {
	return &Upserter{store: store, source: source, cfg: cfg, logger: logger}
}

// deletedCustomerColumns is the minimal projection for "deleted customer"
// payloads, which carry only id, object and deleted.
var deletedCustomerColumns = []string{"id", "object", "deleted"}

// Upsert persists records of one kind. backfillRelated additionally fetches
// referenced entities that are missing locally; bulk callers disable it to
// avoid redundant fetches during a full backfill.
func (u *Upserter) Upsert(ctx context.Context, kind *Kind, records []map[string]any, accountID string, syncedAt time.Time, backfillRelated bool) ([]string, error) {
	if len(records) == 0 {
		return nil, nil
	}

	if kind.Name == KindCustomer {
		return u.upsertCustomers(ctx, records, accountID, syncedAt)
	}

	if backfillRelated {
		if err := u.backfillRefs(ctx, kind, records, accountID, syncedAt); err != nil {
			return nil, err
		}
	}

	if err := u.expandSubLists(ctx, kind, records); err != nil {
		return nil, err
	}

	for _, rec := range records {
		flattenRefs(rec, kind.Refs)
	}

	written, err := u.store.Upsert(ctx, kind.Table, kind.Columns, records, accountID, syncedAt)
	if err != nil {
		return nil, err
	}

	switch kind.Name {
	case KindSubscription:
		if err := u.syncSubscriptionItems(ctx, records, accountID, syncedAt); err != nil {
			return nil, err
		}
	case KindInvoice:
		if err := u.syncInvoiceLineItems(ctx, records, accountID, syncedAt); err != nil {
			return nil, err
		}
	case KindCheckoutSession:
		if err := u.syncCheckoutLineItems(ctx, records, accountID, syncedAt); err != nil {
			return nil, err
		}
	}

	return written, nil
}

// UpsertActiveEntitlements replaces a customer's active entitlement set: rows
// absent from the new set are removed, then the set is upserted.
func (u *Upserter) UpsertActiveEntitlements(ctx context.Context, customerID string, records []map[string]any, accountID string, syncedAt time.Time) ([]string, error) {
	kind := kinds[KindActiveEntitlement]
	keep := make([]string, 0, len(records))
	for _, rec := range records {
		if id, ok := rec["id"].(string); ok {
			keep = append(keep, id)
		}
		if _, ok := rec["customer"]; !ok {
			rec["customer"] = customerID
		}
	}
	if _, err := u.store.DeleteEntitlementsNotIn(ctx, customerID, keep, accountID); err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	for _, rec := range records {
		flattenRefs(rec, kind.Refs)
	}
	return u.store.Upsert(ctx, kind.Table, kind.Columns, records, accountID, syncedAt)
}

// Delete removes one record. Reports whether a row existed.
func (u *Upserter) Delete(ctx context.Context, kind *Kind, id, accountID string) (bool, error) {
	return u.store.Delete(ctx, kind.Table, id, accountID)
}

// upsertCustomers splits off "deleted customer" payloads, which have no
// projection beyond id/object/deleted and must not null out real columns.
func (u *Upserter) upsertCustomers(ctx context.Context, records []map[string]any, accountID string, syncedAt time.Time) ([]string, error) {
	kind := kinds[KindCustomer]
	var live, deleted []map[string]any
	for _, rec := range records {
		if isDeleted, _ := rec["deleted"].(bool); isDeleted {
			deleted = append(deleted, map[string]any{
				"id":      rec["id"],
				"object":  rec["object"],
				"deleted": true,
			})
			continue
		}
		live = append(live, rec)
	}

	var written []string
	if len(live) > 0 {
		ids, err := u.store.Upsert(ctx, kind.Table, kind.Columns, live, accountID, syncedAt)
		if err != nil {
			return nil, err
		}
		written = append(written, ids...)
	}
	if len(deleted) > 0 {
		ids, err := u.store.Upsert(ctx, kind.Table, deletedCustomerColumns, deleted, accountID, syncedAt)
		if err != nil {
			return nil, err
		}
		written = append(written, ids...)
	}
	return written, nil
}

// backfillRefs fetches referenced entities that are missing locally, so a
// record never points at a row that does not exist because its own webhook
// has not arrived yet.
func (u *Upserter) backfillRefs(ctx context.Context, kind *Kind, records []map[string]any, accountID string, syncedAt time.Time) error {
	for _, ref := range kind.Refs {
		if !ref.Backfill {
			continue
		}
		refKind := kinds[ref.Kind]

		seen := map[string]bool{}
		var ids []string
		for _, rec := range records {
			id := refID(rec[ref.Field])
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			ids = append(ids, id)
		}
		if len(ids) == 0 {
			continue
		}

		missing, err := u.store.FindMissing(ctx, refKind.Table, ids, accountID)
		if err != nil {
			return err
		}
		for _, id := range missing {
			u.logger.Debug("Backfilling related entity",
				zap.String("kind", refKind.Name), zap.String("id", id))
			record, err := u.source.Retrieve(ctx, fmt.Sprintf(refKind.RetrievePath, id))
			if err != nil {
				return fmt.Errorf("failed to backfill %s %s: %w", refKind.Name, id, err)
			}
			if _, err := u.Upsert(ctx, refKind, []map[string]any{record}, accountID, syncedAt, true); err != nil {
				return err
			}
		}
	}
	return nil
}

// expandSubLists pages out truncated embedded lists (invoice lines, charge
// refunds, credit note lines, subscription items) when configured, so the
// stored blob is the complete list.
func (u *Upserter) expandSubLists(ctx context.Context, kind *Kind, records []map[string]any) error {
	if !u.cfg.AutoExpandLists {
		return nil
	}
	var field string
	switch kind.Name {
	case KindInvoice, KindCreditNote:
		field = "lines"
	case KindCharge:
		field = "refunds"
	case KindSubscription:
		field = "items"
	default:
		return nil
	}
	for _, rec := range records {
		sublist, ok := rec[field].(map[string]any)
		if !ok {
			continue
		}
		if err := u.expandList(ctx, sublist); err != nil {
			return fmt.Errorf("failed to expand %s.%s: %w", kind.Name, field, err)
		}
	}
	return nil
}

// expandList follows a sub-list's url until has_more is false, appending to
// data in place and resetting has_more.
func (u *Upserter) expandList(ctx context.Context, sublist map[string]any) error {
	hasMore, _ := sublist["has_more"].(bool)
	if !hasMore {
		return nil
	}
	listURL, _ := sublist["url"].(string)
	if listURL == "" {
		return fmt.Errorf("sub-list has has_more=true but no url")
	}
	data, _ := sublist["data"].([]any)

	for hasMore {
		params := url.Values{}
		params.Set("limit", strconv.Itoa(pageSize))
		if len(data) > 0 {
			if last, ok := data[len(data)-1].(map[string]any); ok {
				if id, ok := last["id"].(string); ok {
					params.Set("starting_after", id)
				}
			}
		}
		page, err := u.source.List(ctx, listURL, params)
		if err != nil {
			return err
		}
		for _, item := range page.Data {
			data = append(data, item)
		}
		hasMore = page.HasMore
	}

	sublist["data"] = data
	sublist["has_more"] = false
	return nil
}

// syncSubscriptionItems upserts every item enclosed in the subscriptions and
// soft-deletes items that disappeared from their subscription.
func (u *Upserter) syncSubscriptionItems(ctx context.Context, subscriptions []map[string]any, accountID string, syncedAt time.Time) error {
	itemColumns := []string{
		"id", "object", "billing_thresholds", "created", "deleted", "metadata",
		"quantity", "price", "subscription", "tax_rates",
	}
	for _, sub := range subscriptions {
		subID, _ := sub["id"].(string)
		if subID == "" {
			continue
		}
		items := subListData(sub["items"])

		rows := make([]map[string]any, 0, len(items))
		keep := make([]string, 0, len(items))
		for _, item := range items {
			row := make(map[string]any, len(item)+2)
			for k, v := range item {
				row[k] = v
			}
			row["price"] = refID(row["price"])
			row["subscription"] = subID
			if _, ok := row["deleted"]; !ok {
				row["deleted"] = false
			}
			rows = append(rows, row)
			if id, ok := row["id"].(string); ok {
				keep = append(keep, id)
			}
		}

		if len(rows) > 0 {
			if _, err := u.store.Upsert(ctx, "subscription_items", itemColumns, rows, accountID, syncedAt); err != nil {
				return err
			}
		}
		// A truncated embedded list does not name every live item, so the set
		// difference must wait until the list has been expanded.
		if listTruncated(sub["items"]) {
			continue
		}
		if _, err := u.store.MarkDeletedSubscriptionItems(ctx, subID, keep, accountID); err != nil {
			return err
		}
	}
	return nil
}

// syncInvoiceLineItems projects the enclosed invoice lines into their own
// table alongside the jsonb blob on the invoice.
func (u *Upserter) syncInvoiceLineItems(ctx context.Context, invoices []map[string]any, accountID string, syncedAt time.Time) error {
	lineColumns := []string{
		"id", "object", "amount", "currency", "description", "discountable",
		"invoice", "livemode", "metadata", "period", "price", "proration",
		"quantity", "subscription", "subscription_item", "type",
	}
	for _, inv := range invoices {
		invID, _ := inv["id"].(string)
		lines := subListData(inv["lines"])
		if invID == "" || len(lines) == 0 {
			continue
		}
		rows := make([]map[string]any, 0, len(lines))
		for _, line := range lines {
			row := make(map[string]any, len(line)+1)
			for k, v := range line {
				row[k] = v
			}
			row["invoice"] = invID
			row["subscription"] = refID(row["subscription"])
			rows = append(rows, row)
		}
		if _, err := u.store.Upsert(ctx, "invoice_line_items", lineColumns, rows, accountID, syncedAt); err != nil {
			return err
		}
	}
	return nil
}

// syncCheckoutLineItems fetches each session's line items, which the session
// payload does not embed, and persists them keyed by session id.
func (u *Upserter) syncCheckoutLineItems(ctx context.Context, sessions []map[string]any, accountID string, syncedAt time.Time) error {
	lineColumns := []string{
		"id", "object", "amount_discount", "amount_subtotal", "amount_tax",
		"amount_total", "currency", "description", "price", "quantity",
		"checkout_session",
	}
	for _, session := range sessions {
		sessionID, _ := session["id"].(string)
		if sessionID == "" {
			continue
		}
		var rows []map[string]any
		startingAfter := ""
		for {
			params := url.Values{}
			params.Set("limit", strconv.Itoa(pageSize))
			if startingAfter != "" {
				params.Set("starting_after", startingAfter)
			}
			page, err := u.source.List(ctx, "/v1/checkout/sessions/"+sessionID+"/line_items", params)
			if err != nil {
				return fmt.Errorf("failed to list line items for session %s: %w", sessionID, err)
			}
			for _, item := range page.Data {
				row := make(map[string]any, len(item)+1)
				for k, v := range item {
					row[k] = v
				}
				row["checkout_session"] = sessionID
				rows = append(rows, row)
			}
			if !page.HasMore || page.LastID() == "" {
				break
			}
			startingAfter = page.LastID()
		}
		if len(rows) > 0 {
			if _, err := u.store.Upsert(ctx, "checkout_session_line_items", lineColumns, rows, accountID, syncedAt); err != nil {
				return err
			}
		}
	}
	return nil
}

// flattenRefs replaces expanded reference objects with their ids so they fit
// text columns.
func flattenRefs(rec map[string]any, refs []Ref) {
	for _, ref := range refs {
		if obj, ok := rec[ref.Field].(map[string]any); ok {
			rec[ref.Field] = obj["id"]
		}
	}
}

// refID extracts a reference id from either a bare string or an expanded
// object.
func refID(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		id, _ := t["id"].(string)
		return id
	default:
		return ""
	}
}

// listTruncated reports whether an embedded list object still has pages
// beyond its data slice.
func listTruncated(v any) bool {
	sublist, ok := v.(map[string]any)
	if !ok {
		return false
	}
	hasMore, _ := sublist["has_more"].(bool)
	return hasMore
}

// subListData pulls the data slice out of an embedded list object.
func subListData(v any) []map[string]any {
	sublist, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	data, ok := sublist["data"].([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(data))
	for _, item := range data {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}
