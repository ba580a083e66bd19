package domain

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFingerprintIgnoresIncidentalFields(t *testing.T) {
	// Two honest retries of the same conversion may carry different notes,
	// ref codes and operators; they must still fingerprint identically.
	first := EntryMeta{
		Note:    "first attempt",
		RefCode: "01ARZ3NDEKTSV4RRFFQ69G5FAV",
		Conversion: &ConversionMeta{
			FromAssetCode: "GOLD",
			ToAssetCode:   "USD",
			FromAmount:    10,
		},
	}
	retry := EntryMeta{
		Note:    "retry after timeout",
		RefCode: "01BX5ZZKBKACTAV9WEVGEMMVRZ",
		Conversion: &ConversionMeta{
			FromAssetCode: "GOLD",
			ToAssetCode:   "USD",
			FromAmount:    10,
		},
	}

	require.Equal(t,
		first.Fingerprint(BusinessTypeConvertDebit, -10),
		retry.Fingerprint(BusinessTypeConvertDebit, -10))
}

func TestFingerprintDistinguishesRequests(t *testing.T) {
	base := EntryMeta{Conversion: &ConversionMeta{FromAssetCode: "GOLD", ToAssetCode: "USD", FromAmount: 10}}

	tests := []struct {
		name  string
		meta  EntryMeta
		bt    BusinessType
		delta int64
	}{
		{"different amount", EntryMeta{Conversion: &ConversionMeta{FromAssetCode: "GOLD", ToAssetCode: "USD", FromAmount: 11}}, BusinessTypeConvertDebit, -11},
		{"different pair", EntryMeta{Conversion: &ConversionMeta{FromAssetCode: "GOLD", ToAssetCode: "USDT", FromAmount: 10}}, BusinessTypeConvertDebit, -10},
		{"different business type", base, BusinessTypeExchangeDebit, -10},
	}

	want := base.Fingerprint(BusinessTypeConvertDebit, -10)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NotEqual(t, want, tt.meta.Fingerprint(tt.bt, tt.delta))
		})
	}
}

func TestFingerprintUsesDeltaMagnitude(t *testing.T) {
	meta := EntryMeta{}
	require.Equal(t,
		meta.Fingerprint(BusinessTypeAdjust, -25),
		meta.Fingerprint(BusinessTypeAdjust, 25))
}

func TestFingerprintAdjustmentIncludesReason(t *testing.T) {
	a := EntryMeta{Adjustment: &AdjustmentMeta{Reason: "chargeback", Operator: "ops-1"}}
	b := EntryMeta{Adjustment: &AdjustmentMeta{Reason: "goodwill", Operator: "ops-1"}}
	c := EntryMeta{Adjustment: &AdjustmentMeta{Reason: "chargeback", Operator: "ops-2"}}

	require.NotEqual(t, a.Fingerprint(BusinessTypeAdjust, -5), b.Fingerprint(BusinessTypeAdjust, -5))
	// Operator is incidental.
	require.Equal(t, a.Fingerprint(BusinessTypeAdjust, -5), c.Fingerprint(BusinessTypeAdjust, -5))
}

func TestChangeRequestValidate(t *testing.T) {
	valid := ChangeRequest{
		AccountID:    7,
		AssetCode:    "USD",
		Delta:        100,
		BusinessID:   "biz-1",
		BusinessType: BusinessTypeAdjust,
	}

	tests := []struct {
		name    string
		mutate  func(r *ChangeRequest)
		wantErr bool
	}{
		{"valid", func(r *ChangeRequest) {}, false},
		{"zero delta", func(r *ChangeRequest) { r.Delta = 0 }, true},
		{"delta above bound", func(r *ChangeRequest) { r.Delta = maxAmount + 1 }, true},
		{"delta at overflow edge", func(r *ChangeRequest) { r.Delta = math.MinInt64 }, true},
		{"delta at bound", func(r *ChangeRequest) { r.Delta = maxAmount }, false},
		{"missing business id", func(r *ChangeRequest) { r.BusinessID = "" }, true},
		{"missing asset", func(r *ChangeRequest) { r.AssetCode = "" }, true},
		{"bad account", func(r *ChangeRequest) { r.AccountID = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			err := req.Validate()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestBalanceTotal(t *testing.T) {
	b := AssetBalance{Available: 70, Frozen: 30}
	require.Equal(t, int64(100), b.Total())
	require.True(t, b.CanDebit(70))
	require.False(t, b.CanDebit(71))
}
