package sync

import (
	"fmt"
	"strings"
)

// Ref is a foreign reference carried by an entity kind. The field is always
// flattened from an expanded object to its id before persisting; when
// Backfill is set the referenced record is fetched if absent locally.
type Ref struct {
	Field    string
	Kind     string
	Backfill bool
}

// Kind describes one synchronized entity kind: where it lists from, which
// table and columns it projects into, and how it relates to other kinds.
type Kind struct {
	// Name is the kind identifier used in sync requests and object runs,
	// e.g. "payment_intent".
	Name string
	// Table is the destination table name.
	Table string
	// ListPath is the REST list endpoint, empty for per-parent kinds.
	ListPath string
	// RetrievePath formats the single-record endpoint.
	RetrievePath string
	// Columns is the typed projection, matching the table definition.
	Columns []string
	// Refs are foreign references to flatten and optionally backfill.
	Refs []Ref
	// PerParent marks kinds enumerated per customer rather than globally.
	PerParent bool
	// ParentListPath formats the per-customer list endpoint.
	ParentListPath string
	// IDPrefixes are the source id prefixes used to infer the kind from a
	// bare entity id.
	IDPrefixes []string
	// HardDelete marks kinds whose "deleted" webhook removes the row.
	// Kinds without it handle deletion as an upsert (soft delete).
	HardDelete bool
}

const (
	KindCustomer             = "customer"
	KindProduct              = "product"
	KindPrice                = "price"
	KindPlan                 = "plan"
	KindSubscription         = "subscription"
	KindSubscriptionSchedule = "subscription_schedule"
	KindInvoice              = "invoice"
	KindCharge               = "charge"
	KindDispute              = "dispute"
	KindPaymentIntent        = "payment_intent"
	KindPaymentMethod        = "payment_method"
	KindSetupIntent          = "setup_intent"
	KindTaxID                = "tax_id"
	KindCreditNote           = "credit_note"
	KindCheckoutSession      = "checkout_session"
	KindActiveEntitlement    = "active_entitlement"
)

var kinds = map[string]*Kind{
	KindCustomer: {
		Name:         KindCustomer,
		Table:        "customers",
		ListPath:     "/v1/customers",
		RetrievePath: "/v1/customers/%s",
		Columns: []string{
			"id", "object", "address", "description", "email", "metadata",
			"name", "phone", "shipping", "balance", "created", "currency",
			"deleted", "delinquent", "discount", "invoice_prefix", "livemode",
			"tax_exempt",
		},
		IDPrefixes: []string{"cus_"},
	},
	KindProduct: {
		Name:         KindProduct,
		Table:        "products",
		ListPath:     "/v1/products",
		RetrievePath: "/v1/products/%s",
		Columns: []string{
			"id", "object", "active", "description", "metadata", "name",
			"created", "images", "livemode", "package_dimensions", "shippable",
			"statement_descriptor", "unit_label", "updated", "url", "deleted",
		},
		IDPrefixes: []string{"prod_"},
		HardDelete: true,
	},
	KindPrice: {
		Name:         KindPrice,
		Table:        "prices",
		ListPath:     "/v1/prices",
		RetrievePath: "/v1/prices/%s",
		Columns: []string{
			"id", "object", "active", "currency", "metadata", "nickname",
			"recurring", "type", "unit_amount", "billing_scheme", "created",
			"livemode", "lookup_key", "tiers_mode", "transform_quantity",
			"unit_amount_decimal", "product", "deleted",
		},
		Refs:       []Ref{{Field: "product", Kind: KindProduct, Backfill: true}},
		IDPrefixes: []string{"price_"},
		HardDelete: true,
	},
	KindPlan: {
		Name:         KindPlan,
		Table:        "plans",
		ListPath:     "/v1/plans",
		RetrievePath: "/v1/plans/%s",
		Columns: []string{
			"id", "object", "active", "amount", "currency", "interval",
			"metadata", "nickname", "product", "created", "interval_count",
			"livemode", "trial_period_days", "usage_type", "billing_scheme",
			"deleted",
		},
		Refs:       []Ref{{Field: "product", Kind: KindProduct, Backfill: true}},
		IDPrefixes: []string{"plan_"},
		HardDelete: true,
	},
	KindSubscription: {
		Name:         KindSubscription,
		Table:        "subscriptions",
		ListPath:     "/v1/subscriptions",
		RetrievePath: "/v1/subscriptions/%s",
		Columns: []string{
			"id", "object", "cancel_at_period_end", "current_period_end",
			"current_period_start", "default_payment_method", "items",
			"metadata", "pending_setup_intent", "pending_update", "status",
			"application_fee_percent", "billing_cycle_anchor",
			"billing_thresholds", "cancel_at", "canceled_at",
			"collection_method", "created", "days_until_due", "default_source",
			"discount", "ended_at", "livemode",
			"next_pending_invoice_item_invoice", "pause_collection", "schedule",
			"start_date", "trial_end", "trial_start", "customer",
			"latest_invoice", "plan",
		},
		Refs: []Ref{
			{Field: "customer", Kind: KindCustomer, Backfill: true},
			{Field: "latest_invoice", Kind: KindInvoice},
			{Field: "default_payment_method", Kind: KindPaymentMethod},
			{Field: "pending_setup_intent", Kind: KindSetupIntent},
			{Field: "schedule", Kind: KindSubscriptionSchedule},
		},
		IDPrefixes: []string{"sub_"},
	},
	KindSubscriptionSchedule: {
		Name:         KindSubscriptionSchedule,
		Table:        "subscription_schedules",
		ListPath:     "/v1/subscription_schedules",
		RetrievePath: "/v1/subscription_schedules/%s",
		Columns: []string{
			"id", "object", "application", "canceled_at", "completed_at",
			"created", "current_phase", "customer", "default_settings",
			"end_behavior", "livemode", "metadata", "phases", "released_at",
			"released_subscription", "status", "subscription", "test_clock",
		},
		Refs: []Ref{
			{Field: "customer", Kind: KindCustomer, Backfill: true},
			{Field: "subscription", Kind: KindSubscription},
		},
		IDPrefixes: []string{"sub_sched_"},
	},
	KindInvoice: {
		Name:         KindInvoice,
		Table:        "invoices",
		ListPath:     "/v1/invoices",
		RetrievePath: "/v1/invoices/%s",
		Columns: []string{
			"id", "object", "auto_advance", "collection_method", "currency",
			"description", "hosted_invoice_url", "lines", "metadata",
			"period_end", "period_start", "status", "total", "account_country",
			"account_name", "amount_due", "amount_paid", "amount_remaining",
			"attempt_count", "attempted", "billing_reason", "created",
			"customer", "customer_address", "customer_email", "customer_name",
			"due_date", "ending_balance", "invoice_pdf", "number", "paid",
			"payment_intent", "receipt_number", "starting_balance",
			"statement_descriptor", "status_transitions", "subscription",
			"subtotal", "tax", "total_discount_amounts", "total_tax_amounts",
			"webhooks_delivered_at", "charge",
		},
		Refs: []Ref{
			{Field: "customer", Kind: KindCustomer, Backfill: true},
			{Field: "subscription", Kind: KindSubscription, Backfill: true},
			{Field: "payment_intent", Kind: KindPaymentIntent},
			{Field: "charge", Kind: KindCharge},
		},
		IDPrefixes: []string{"in_"},
	},
	KindCharge: {
		Name:         KindCharge,
		Table:        "charges",
		ListPath:     "/v1/charges",
		RetrievePath: "/v1/charges/%s",
		Columns: []string{
			"id", "object", "paid", "amount", "review", "source", "status",
			"created", "dispute", "invoice", "outcome", "refunds", "captured",
			"currency", "customer", "livemode", "metadata", "refunded",
			"shipping", "application", "description", "failure_code",
			"on_behalf_of", "fraud_details", "receipt_email", "payment_intent",
			"receipt_number", "transfer_group", "amount_refunded",
			"failure_message", "balance_transaction", "statement_descriptor",
			"payment_method_details",
		},
		Refs: []Ref{
			{Field: "customer", Kind: KindCustomer, Backfill: true},
			{Field: "invoice", Kind: KindInvoice, Backfill: true},
			{Field: "payment_intent", Kind: KindPaymentIntent},
			{Field: "dispute", Kind: KindDispute},
		},
		IDPrefixes: []string{"ch_", "py_"},
	},
	KindDispute: {
		Name:         KindDispute,
		Table:        "disputes",
		ListPath:     "/v1/disputes",
		RetrievePath: "/v1/disputes/%s",
		Columns: []string{
			"id", "object", "amount", "charge", "reason", "status", "created",
			"currency", "evidence", "livemode", "metadata", "evidence_details",
			"balance_transactions", "is_charge_refundable", "payment_intent",
		},
		Refs: []Ref{
			{Field: "charge", Kind: KindCharge, Backfill: true},
			{Field: "payment_intent", Kind: KindPaymentIntent},
		},
		IDPrefixes: []string{"dp_", "du_", "dispute_"},
	},
	KindPaymentIntent: {
		Name:         KindPaymentIntent,
		Table:        "payment_intents",
		ListPath:     "/v1/payment_intents",
		RetrievePath: "/v1/payment_intents/%s",
		Columns: []string{
			"id", "object", "amount", "amount_capturable", "amount_received",
			"application", "application_fee_amount", "canceled_at",
			"cancellation_reason", "capture_method", "confirmation_method",
			"created", "currency", "customer", "description", "invoice",
			"last_payment_error", "latest_charge", "livemode", "metadata",
			"next_action", "on_behalf_of", "payment_method",
			"payment_method_types", "processing", "receipt_email", "review",
			"setup_future_usage", "shipping", "statement_descriptor",
			"statement_descriptor_suffix", "status", "transfer_data",
			"transfer_group",
		},
		Refs: []Ref{
			{Field: "customer", Kind: KindCustomer, Backfill: true},
			{Field: "invoice", Kind: KindInvoice, Backfill: true},
			{Field: "latest_charge", Kind: KindCharge},
			{Field: "payment_method", Kind: KindPaymentMethod},
		},
		IDPrefixes: []string{"pi_"},
	},
	KindPaymentMethod: {
		Name:           KindPaymentMethod,
		Table:          "payment_methods",
		RetrievePath:   "/v1/payment_methods/%s",
		PerParent:      true,
		ParentListPath: "/v1/customers/%s/payment_methods",
		Columns: []string{
			"id", "object", "created", "customer", "type", "billing_details",
			"metadata", "card", "livemode",
		},
		Refs:       []Ref{{Field: "customer", Kind: KindCustomer}},
		IDPrefixes: []string{"pm_", "card_", "src_"},
	},
	KindSetupIntent: {
		Name:         KindSetupIntent,
		Table:        "setup_intents",
		ListPath:     "/v1/setup_intents",
		RetrievePath: "/v1/setup_intents/%s",
		Columns: []string{
			"id", "object", "created", "customer", "description",
			"payment_method", "status", "usage", "cancellation_reason",
			"latest_attempt", "mandate", "single_use_mandate", "on_behalf_of",
		},
		Refs: []Ref{
			{Field: "customer", Kind: KindCustomer, Backfill: true},
			{Field: "payment_method", Kind: KindPaymentMethod},
		},
		IDPrefixes: []string{"seti_"},
	},
	KindTaxID: {
		Name:           KindTaxID,
		Table:          "tax_ids",
		RetrievePath:   "/v1/tax_ids/%s",
		PerParent:      true,
		ParentListPath: "/v1/customers/%s/tax_ids",
		Columns: []string{
			"id", "object", "country", "customer", "type", "value", "created",
			"livemode", "owner",
		},
		Refs:       []Ref{{Field: "customer", Kind: KindCustomer, Backfill: true}},
		IDPrefixes: []string{"txi_"},
		HardDelete: true,
	},
	KindCreditNote: {
		Name:         KindCreditNote,
		Table:        "credit_notes",
		ListPath:     "/v1/credit_notes",
		RetrievePath: "/v1/credit_notes/%s",
		Columns: []string{
			"id", "object", "amount", "amount_shipping", "created", "currency",
			"customer", "customer_balance_transaction", "discount_amount",
			"discount_amounts", "invoice", "lines", "livemode", "memo",
			"metadata", "number", "out_of_band_amount", "pdf", "reason",
			"refund", "shipping_cost", "status", "subtotal",
			"subtotal_excluding_tax", "total", "total_excluding_tax", "type",
			"voided_at",
		},
		Refs: []Ref{
			{Field: "customer", Kind: KindCustomer, Backfill: true},
			{Field: "invoice", Kind: KindInvoice, Backfill: true},
		},
		IDPrefixes: []string{"cn_"},
	},
	KindCheckoutSession: {
		Name:         KindCheckoutSession,
		Table:        "checkout_sessions",
		ListPath:     "/v1/checkout/sessions",
		RetrievePath: "/v1/checkout/sessions/%s",
		Columns: []string{
			"id", "object", "created", "currency", "customer", "subscription",
			"invoice", "payment_intent", "setup_intent", "status", "mode",
			"payment_status", "amount_subtotal", "amount_total", "metadata",
			"livemode",
		},
		Refs: []Ref{
			{Field: "customer", Kind: KindCustomer},
			{Field: "subscription", Kind: KindSubscription},
			{Field: "invoice", Kind: KindInvoice},
			{Field: "payment_intent", Kind: KindPaymentIntent},
			{Field: "setup_intent", Kind: KindSetupIntent},
		},
		IDPrefixes: []string{"cs_"},
	},
	KindActiveEntitlement: {
		Name:           KindActiveEntitlement,
		Table:          "active_entitlements",
		PerParent:      true,
		ParentListPath: "/v1/entitlements/active_entitlements?customer=%s",
		Columns: []string{
			"id", "object", "feature", "livemode", "lookup_key", "customer",
		},
		Refs:       []Ref{{Field: "customer", Kind: KindCustomer}},
		IDPrefixes: []string{"ent_"},
	},
}

// allKindsOrder fixes the iteration order for "all" syncs: reference targets
// first so related-entity backfill rarely fires during a full run.
var allKindsOrder = []string{
	KindCustomer,
	KindProduct,
	KindPrice,
	KindPlan,
	KindSubscriptionSchedule,
	KindSubscription,
	KindInvoice,
	KindCharge,
	KindDispute,
	KindPaymentIntent,
	KindSetupIntent,
	KindPaymentMethod,
	KindTaxID,
	KindCreditNote,
	KindCheckoutSession,
	KindActiveEntitlement,
}

// GetKind returns the kind descriptor for a name.
func GetKind(name string) (*Kind, error) {
	k, ok := kinds[name]
	if !ok {
		return nil, fmt.Errorf("unknown entity kind %q", name)
	}
	return k, nil
}

// AllKinds returns every kind in full-sync order.
func AllKinds() []*Kind {
	out := make([]*Kind, 0, len(allKindsOrder))
	for _, name := range allKindsOrder {
		out = append(out, kinds[name])
	}
	return out
}

// idPrefixOrder resolves ambiguous prefixes: longer prefixes are checked
// before their shorter overlaps (sub_sched_ before sub_).
var idPrefixOrder = []string{
	KindSubscriptionSchedule,
	KindCustomer,
	KindProduct,
	KindPrice,
	KindPlan,
	KindSubscription,
	KindInvoice,
	KindCharge,
	KindDispute,
	KindPaymentIntent,
	KindPaymentMethod,
	KindSetupIntent,
	KindTaxID,
	KindCreditNote,
	KindCheckoutSession,
	KindActiveEntitlement,
}

// KindForID infers the entity kind from a source id prefix.
func KindForID(entityID string) (*Kind, error) {
	for _, name := range idPrefixOrder {
		k := kinds[name]
		for _, prefix := range k.IDPrefixes {
			if strings.HasPrefix(entityID, prefix) {
				return k, nil
			}
		}
	}
	return nil, fmt.Errorf("cannot infer entity kind from id %q", entityID)
}
