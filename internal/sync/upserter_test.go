package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cyphera/stripe-sync/internal/config"
)

func newTestUpserter(store *fakeStore, source *fakeSource, cfg *config.Config) *Upserter {
	if cfg == nil {
		cfg = &config.Config{BackfillRelatedEntities: true}
	}
	return NewUpserter(store, source, cfg, zap.NewNop())
}

func mustKind(t *testing.T, name string) *Kind {
	t.Helper()
	kind, err := GetKind(name)
	require.NoError(t, err)
	return kind
}

func subscriptionWithItems(subID string, itemIDs ...string) map[string]any {
	items := make([]any, 0, len(itemIDs))
	for _, id := range itemIDs {
		items = append(items, map[string]any{
			"id":       id,
			"object":   "subscription_item",
			"price":    map[string]any{"id": "price_1", "object": "price"},
			"quantity": float64(1),
		})
	}
	return map[string]any{
		"id":       subID,
		"object":   "subscription",
		"created":  float64(1704902400),
		"status":   "active",
		"customer": "cus_1",
		"items":    map[string]any{"object": "list", "data": items, "has_more": false},
	}
}

func TestSubscriptionItemsSoftDelete(t *testing.T) {
	store := newFakeStore()
	source := newFakeSource()
	u := newTestUpserter(store, source, &config.Config{})
	ctx := context.Background()
	kind := mustKind(t, KindSubscription)

	_, err := u.Upsert(ctx, kind, []map[string]any{subscriptionWithItems("sub_1", "si_1", "si_2")},
		"acct_1", time.Unix(1000, 0), false)
	require.NoError(t, err)

	require.NotNil(t, store.record("subscription_items", "si_1"))
	require.NotNil(t, store.record("subscription_items", "si_2"))
	// Nested price objects are flattened to ids and deleted defaults false.
	assert.Equal(t, "price_1", store.record("subscription_items", "si_1")["price"])
	assert.Equal(t, false, store.record("subscription_items", "si_1")["deleted"])

	// Re-upserting without si_2 soft-deletes it rather than removing it.
	_, err = u.Upsert(ctx, kind, []map[string]any{subscriptionWithItems("sub_1", "si_1")},
		"acct_1", time.Unix(2000, 0), false)
	require.NoError(t, err)

	require.NotNil(t, store.record("subscription_items", "si_2"))
	assert.Equal(t, true, store.record("subscription_items", "si_2")["deleted"])
	assert.Equal(t, false, store.record("subscription_items", "si_1")["deleted"])
}

// truncateItems marks a subscription's embedded item list as having more
// pages at the given url.
func truncateItems(sub map[string]any, listURL string) map[string]any {
	items := sub["items"].(map[string]any)
	items["has_more"] = true
	items["url"] = listURL
	return sub
}

func TestSubscriptionItemsExpandedBeforeSoftDelete(t *testing.T) {
	store := newFakeStore()
	source := newFakeSource()
	u := newTestUpserter(store, source, &config.Config{AutoExpandLists: true})
	ctx := context.Background()

	store.rows["subscription_items"] = map[string]map[string]any{
		"si_old": {"id": "si_old", "subscription": "sub_1", "deleted": false},
	}
	source.lists["/v1/subscription_items?subscription=sub_1"] = []map[string]any{
		{"id": "si_1", "object": "subscription_item", "price": map[string]any{"id": "price_1"}},
		{"id": "si_2", "object": "subscription_item", "price": map[string]any{"id": "price_1"}},
	}
	sub := truncateItems(subscriptionWithItems("sub_1", "si_1"), "/v1/subscription_items?subscription=sub_1")

	_, err := u.Upsert(ctx, mustKind(t, KindSubscription), []map[string]any{sub},
		"acct_1", time.Unix(1000, 0), false)
	require.NoError(t, err)

	// The stored blob carries the complete list.
	items := store.record("subscriptions", "sub_1")["items"].(map[string]any)
	assert.Equal(t, false, items["has_more"])
	assert.Len(t, items["data"], 2)

	// Every live item is projected; only the vanished one is soft-deleted.
	require.NotNil(t, store.record("subscription_items", "si_1"))
	require.NotNil(t, store.record("subscription_items", "si_2"))
	assert.Equal(t, false, store.record("subscription_items", "si_2")["deleted"])
	assert.Equal(t, true, store.record("subscription_items", "si_old")["deleted"])
}

func TestTruncatedItemsDoNotSoftDelete(t *testing.T) {
	store := newFakeStore()
	source := newFakeSource()
	u := newTestUpserter(store, source, &config.Config{AutoExpandLists: false})
	ctx := context.Background()

	store.rows["subscription_items"] = map[string]map[string]any{
		"si_offpage": {"id": "si_offpage", "subscription": "sub_1", "deleted": false},
	}
	sub := truncateItems(subscriptionWithItems("sub_1", "si_1"), "/v1/subscription_items?subscription=sub_1")

	_, err := u.Upsert(ctx, mustKind(t, KindSubscription), []map[string]any{sub},
		"acct_1", time.Unix(1000, 0), false)
	require.NoError(t, err)
	assert.Empty(t, source.listCalls)

	// Items beyond the embedded page must survive until a complete list is
	// seen.
	require.NotNil(t, store.record("subscription_items", "si_1"))
	assert.Equal(t, false, store.record("subscription_items", "si_offpage")["deleted"])
}

func TestDeletedCustomerUsesMinimalProjection(t *testing.T) {
	store := newFakeStore()
	u := newTestUpserter(store, newFakeSource(), &config.Config{})
	ctx := context.Background()

	records := []map[string]any{
		{"id": "cus_live", "object": "customer", "email": "a@b.c", "created": float64(1704902400)},
		{"id": "cus_gone", "object": "customer", "deleted": true},
	}
	written, err := u.Upsert(ctx, mustKind(t, KindCustomer), records, "acct_1", time.Unix(1000, 0), false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"cus_live", "cus_gone"}, written)

	require.Len(t, store.upserts, 2)
	assert.Equal(t, kinds[KindCustomer].Columns, store.upserts[0].columns)
	assert.Equal(t, []string{"id", "object", "deleted"}, store.upserts[1].columns)
	assert.Equal(t, true, store.record("customers", "cus_gone")["deleted"])
}

func TestStaleWriteIsNoOp(t *testing.T) {
	store := newFakeStore()
	u := newTestUpserter(store, newFakeSource(), &config.Config{})
	ctx := context.Background()
	kind := mustKind(t, KindCharge)

	first := map[string]any{"id": "ch_1", "object": "charge", "paid": true, "created": float64(1704902400)}
	_, err := u.Upsert(ctx, kind, []map[string]any{first}, "acct_1", time.Unix(2000, 0), false)
	require.NoError(t, err)

	// An older event with a flipped field must not win.
	stale := map[string]any{"id": "ch_1", "object": "charge", "paid": false, "created": float64(1704902340)}
	written, err := u.Upsert(ctx, kind, []map[string]any{stale}, "acct_1", time.Unix(1940, 0), false)
	require.NoError(t, err)
	assert.Empty(t, written)
	assert.Equal(t, true, store.record("charges", "ch_1")["paid"])
}

func TestRelatedEntityBackfill(t *testing.T) {
	store := newFakeStore()
	source := newFakeSource()
	u := newTestUpserter(store, source, &config.Config{BackfillRelatedEntities: true})
	ctx := context.Background()

	source.records["/v1/products/prod_1"] = map[string]any{
		"id": "prod_1", "object": "product", "created": float64(1704000000),
	}
	price := map[string]any{"id": "price_1", "object": "price", "product": "prod_1", "created": float64(1704902400)}

	_, err := u.Upsert(ctx, mustKind(t, KindPrice), []map[string]any{price}, "acct_1", time.Unix(1000, 0), true)
	require.NoError(t, err)

	assert.Equal(t, []string{"/v1/products/prod_1"}, source.retrieved)
	assert.NotNil(t, store.record("products", "prod_1"))
	assert.NotNil(t, store.record("prices", "price_1"))

	// Present references are not refetched.
	price2 := map[string]any{"id": "price_2", "object": "price", "product": "prod_1", "created": float64(1704902500)}
	_, err = u.Upsert(ctx, mustKind(t, KindPrice), []map[string]any{price2}, "acct_1", time.Unix(1001, 0), true)
	require.NoError(t, err)
	assert.Len(t, source.retrieved, 1)
}

func TestBackfillDisabled(t *testing.T) {
	store := newFakeStore()
	source := newFakeSource()
	u := newTestUpserter(store, source, &config.Config{})

	price := map[string]any{"id": "price_1", "object": "price", "product": "prod_1", "created": float64(1704902400)}
	_, err := u.Upsert(context.Background(), mustKind(t, KindPrice), []map[string]any{price}, "acct_1", time.Unix(1000, 0), false)
	require.NoError(t, err)
	assert.Empty(t, source.retrieved)
}

func TestInvoiceLineExpansion(t *testing.T) {
	store := newFakeStore()
	source := newFakeSource()
	u := newTestUpserter(store, source, &config.Config{AutoExpandLists: true})
	ctx := context.Background()

	source.lists["/v1/invoices/in_1/lines"] = []map[string]any{
		{"id": "il_1", "object": "line_item", "amount": float64(100)},
		{"id": "il_2", "object": "line_item", "amount": float64(200)},
		{"id": "il_3", "object": "line_item", "amount": float64(300)},
	}
	invoice := map[string]any{
		"id": "in_1", "object": "invoice", "created": float64(1704902400),
		"lines": map[string]any{
			"object":   "list",
			"data":     []any{map[string]any{"id": "il_1", "object": "line_item", "amount": float64(100)}},
			"has_more": true,
			"url":      "/v1/invoices/in_1/lines",
		},
	}

	_, err := u.Upsert(ctx, mustKind(t, KindInvoice), []map[string]any{invoice}, "acct_1", time.Unix(1000, 0), false)
	require.NoError(t, err)

	stored := store.record("invoices", "in_1")
	lines := stored["lines"].(map[string]any)
	assert.Equal(t, false, lines["has_more"])
	assert.Len(t, lines["data"], 3)

	// Lines are also projected into their own table keyed by invoice.
	require.NotNil(t, store.record("invoice_line_items", "il_3"))
	assert.Equal(t, "in_1", store.record("invoice_line_items", "il_3")["invoice"])
}

func TestInvoiceLinesNotExpandedWhenDisabled(t *testing.T) {
	store := newFakeStore()
	source := newFakeSource()
	u := newTestUpserter(store, source, &config.Config{AutoExpandLists: false})

	invoice := map[string]any{
		"id": "in_1", "object": "invoice", "created": float64(1704902400),
		"lines": map[string]any{
			"object":   "list",
			"data":     []any{map[string]any{"id": "il_1", "object": "line_item"}},
			"has_more": true,
			"url":      "/v1/invoices/in_1/lines",
		},
	}
	_, err := u.Upsert(context.Background(), mustKind(t, KindInvoice), []map[string]any{invoice}, "acct_1", time.Unix(1000, 0), false)
	require.NoError(t, err)
	assert.Empty(t, source.listCalls)

	lines := store.record("invoices", "in_1")["lines"].(map[string]any)
	assert.Equal(t, true, lines["has_more"])
}

func TestCheckoutSessionLineItems(t *testing.T) {
	store := newFakeStore()
	source := newFakeSource()
	u := newTestUpserter(store, source, &config.Config{})
	ctx := context.Background()

	source.lists["/v1/checkout/sessions/cs_1/line_items"] = []map[string]any{
		{"id": "li_1", "object": "item", "amount_total": float64(500)},
	}
	session := map[string]any{"id": "cs_1", "object": "checkout.session", "created": float64(1704902400)}

	_, err := u.Upsert(ctx, mustKind(t, KindCheckoutSession), []map[string]any{session}, "acct_1", time.Unix(1000, 0), false)
	require.NoError(t, err)

	require.NotNil(t, store.record("checkout_session_line_items", "li_1"))
	assert.Equal(t, "cs_1", store.record("checkout_session_line_items", "li_1")["checkout_session"])
}

func TestActiveEntitlementReplacement(t *testing.T) {
	store := newFakeStore()
	u := newTestUpserter(store, newFakeSource(), &config.Config{})
	ctx := context.Background()

	_, err := u.UpsertActiveEntitlements(ctx, "cus_1", []map[string]any{
		{"id": "ent_1", "object": "entitlements.active_entitlement", "feature": "feat_a"},
		{"id": "ent_2", "object": "entitlements.active_entitlement", "feature": "feat_b"},
	}, "acct_1", time.Unix(1000, 0))
	require.NoError(t, err)
	assert.Len(t, store.rows["active_entitlements"], 2)
	assert.Equal(t, "cus_1", store.record("active_entitlements", "ent_1")["customer"])

	// The next summary drops ent_2; it must disappear.
	_, err = u.UpsertActiveEntitlements(ctx, "cus_1", []map[string]any{
		{"id": "ent_1", "object": "entitlements.active_entitlement", "feature": "feat_a"},
	}, "acct_1", time.Unix(2000, 0))
	require.NoError(t, err)
	assert.Len(t, store.rows["active_entitlements"], 1)
	assert.Nil(t, store.record("active_entitlements", "ent_2"))
}

func TestRefHelpers(t *testing.T) {
	t.Run("refID", func(t *testing.T) {
		assert.Equal(t, "cus_1", refID("cus_1"))
		assert.Equal(t, "cus_2", refID(map[string]any{"id": "cus_2"}))
		assert.Equal(t, "", refID(nil))
		assert.Equal(t, "", refID(float64(7)))
	})

	t.Run("flattenRefs", func(t *testing.T) {
		rec := map[string]any{
			"customer": map[string]any{"id": "cus_1", "email": "a@b.c"},
			"invoice":  "in_1",
		}
		flattenRefs(rec, []Ref{{Field: "customer", Kind: KindCustomer}, {Field: "invoice", Kind: KindInvoice}})
		assert.Equal(t, "cus_1", rec["customer"])
		assert.Equal(t, "in_1", rec["invoice"])
	})
}
