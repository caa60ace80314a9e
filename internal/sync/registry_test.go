package sync

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindForID(t *testing.T) {
	tests := []struct {
		entityID string
		want     string
	}{
		{"cus_abc", KindCustomer},
		{"prod_abc", KindProduct},
		{"price_abc", KindPrice},
		{"plan_abc", KindPlan},
		{"sub_abc", KindSubscription},
		{"sub_sched_abc", KindSubscriptionSchedule},
		{"in_abc", KindInvoice},
		{"ch_abc", KindCharge},
		{"py_abc", KindCharge},
		{"dp_abc", KindDispute},
		{"du_abc", KindDispute},
		{"pi_abc", KindPaymentIntent},
		{"pm_abc", KindPaymentMethod},
		{"card_abc", KindPaymentMethod},
		{"seti_abc", KindSetupIntent},
		{"txi_abc", KindTaxID},
		{"cn_abc", KindCreditNote},
		{"cs_abc", KindCheckoutSession},
		{"ent_abc", KindActiveEntitlement},
	}
	for _, tt := range tests {
		t.Run(tt.entityID, func(t *testing.T) {
			kind, err := KindForID(tt.entityID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, kind.Name)
		})
	}

	t.Run("unknown", func(t *testing.T) {
		_, err := KindForID("foo_123")
		require.Error(t, err)
	})
}

func TestGetKind(t *testing.T) {
	kind, err := GetKind(KindInvoice)
	require.NoError(t, err)
	assert.Equal(t, "invoices", kind.Table)

	_, err = GetKind("nope")
	require.Error(t, err)
}

func TestAllKindsCoversRegistry(t *testing.T) {
	all := AllKinds()
	assert.Len(t, all, len(kinds))
	seen := map[string]bool{}
	for _, k := range all {
		assert.False(t, seen[k.Name], "kind %s listed twice", k.Name)
		seen[k.Name] = true
	}
}

func TestKindShapeInvariants(t *testing.T) {
	for name, kind := range kinds {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, name, kind.Name)
			require.NotEmpty(t, kind.Columns)
			assert.Equal(t, "id", kind.Columns[0], "id must lead the projection")
			if kind.PerParent {
				assert.NotEmpty(t, kind.ParentListPath)
				assert.Contains(t, kind.ParentListPath, "%s")
			} else {
				assert.NotEmpty(t, kind.ListPath)
			}
			for _, ref := range kind.Refs {
				_, ok := kinds[ref.Kind]
				assert.True(t, ok, "ref %s points at unknown kind %s", ref.Field, ref.Kind)
				assert.Contains(t, kind.Columns, ref.Field,
					fmt.Sprintf("ref field %s missing from columns", ref.Field))
			}
		})
	}
}
