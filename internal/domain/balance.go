package domain

import "time"

// AssetBalance is the single mutable row per (account, asset). Both amounts
// stay non-negative at all times; rows are created lazily on first mutation
// and never deleted.
type AssetBalance struct {
	AccountID int64     `json:"account_id"`
	AssetCode string    `json:"asset_code"`
	Available int64     `json:"available_amount"`
	Frozen    int64     `json:"frozen_amount"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Total is derived, never stored.
func (b *AssetBalance) Total() int64 {
	return b.Available + b.Frozen
}

// CanDebit reports whether the available amount covers a debit of amount.
func (b *AssetBalance) CanDebit(amount int64) bool {
	return amount >= 0 && b.Available >= amount
}
