package models

import "time"

type PortraitStyle string

const (
	StyleRenaissance PortraitStyle = "renaissance"
	StyleBaroque     PortraitStyle = "baroque"
	StyleRegal       PortraitStyle = "regal"
)

type PetGender string

const (
	GenderMale   PetGender = "male"
	GenderFemale PetGender = "female"
)

// Portrait is the persisted record for one generated artifact, keyed by its
// public UUID. The HD locator is never exposed to the client until Paid is set.
type Portrait struct {
	ID                string
	ClientID          string
	PetName           string
	PetGender         PetGender
	Style             PortraitStyle
	Description       string
	PreviewURL        string
	HDKey             string
	Paid              bool
	PaidAt            *time.Time
	CheckoutSessionID string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ClientLedger mirrors the per-client usage counters. The authoritative copy
// lives server-side; whatever the browser keeps is only a hint.
type ClientLedger struct {
	ClientID             string
	FreeGenerationsUsed  int
	FreeRetryUsed        bool
	PurchaseCount        int
	PackPurchaseCount    int
	PackCreditsRemaining int
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

type Payment struct {
	ID             int64
	ClientID       string
	PortraitID     *string
	PackID         *int64
	Provider       string
	ProviderCharge string
	Currency       string
	Amount         int
	Status         string
	RawPayload     string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CreditPack is a purchasable bundle of unwatermarked generations.
type CreditPack struct {
	ID              int64
	Title           string
	Description     string
	Currency        string
	PriceMinorUnits int
	Credits         int
	IsActive        bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type PromoCode struct {
	ID        int64
	Code      string
	MaxUses   int
	Uses      int
	CreatedAt time.Time
}
