// Package ledger holds the per-client usage counters that decide whether a
// new portrait generation is currently allowed. The authoritative copy is
// persisted server-side keyed by a durable client identifier; the browser's
// own bookkeeping is treated as a hint only.
package ledger

// Rules parameterizes the quota formula: a client may generate for free until
// FreeLimit + PurchaseBonus per completed purchase is exhausted, after which
// only pack credits unlock further generations.
type Rules struct {
	FreeLimit     int
	PurchaseBonus int
}

// DefaultRules returns the standard quota: two free portraits, five more per
// purchase.
func DefaultRules() Rules {
	return Rules{FreeLimit: 2, PurchaseBonus: 5}
}

// Ledger is the usage record for one client. Zero value means a fresh client.
type Ledger struct {
	FreeGenerationsUsed  int
	FreeRetryUsed        bool
	PurchaseCount        int
	PackPurchaseCount    int
	PackCreditsRemaining int
}

// Decision is the outcome of a quota check. Reason is set only when Allowed
// is false and carries the user-facing refusal message.
type Decision struct {
	Allowed bool
	Reason  string
}

// ReasonQuotaExhausted invites the user to buy credits once the free quota is
// spent.
const ReasonQuotaExhausted = "You have used all of your free portraits. Purchase a portrait or a credit pack to keep generating."

// FreeAllowance is the total number of free generations the quota formula
// currently grants this client.
func (l Ledger) FreeAllowance(r Rules) int {
	return r.FreeLimit + r.PurchaseBonus*l.PurchaseCount
}

// Evaluate reports whether a new generation is currently allowed. Pack
// credits always allow; otherwise the free allowance must not be exhausted.
func (l Ledger) Evaluate(r Rules) Decision {
	if l.PackCreditsRemaining > 0 {
		return Decision{Allowed: true}
	}
	if l.FreeGenerationsUsed < l.FreeAllowance(r) {
		return Decision{Allowed: true}
	}
	return Decision{Allowed: false, Reason: ReasonQuotaExhausted}
}

// RecordGeneration accounts one completed free-quota generation. It is the
// only operation that increments FreeGenerationsUsed and it never touches
// pack credits.
func (l *Ledger) RecordGeneration(isRetry bool) {
	l.FreeGenerationsUsed++
	if isRetry {
		l.FreeRetryUsed = true
	}
}

// ConsumePackCredit spends one pack credit, floored at zero.
func (l *Ledger) ConsumePackCredit() {
	if l.PackCreditsRemaining > 0 {
		l.PackCreditsRemaining--
	}
}

// RecordPurchase accounts a confirmed purchase. packCredits is zero for a
// single-portrait purchase and positive for a credit pack.
func (l *Ledger) RecordPurchase(packCredits int) {
	l.PurchaseCount++
	if packCredits > 0 {
		l.PackPurchaseCount++
		l.PackCreditsRemaining += packCredits
	}
}

// GrantPromoCredits adds bonus credits from a redeemed promo code without
// counting a purchase.
func (l *Ledger) GrantPromoCredits(n int) {
	if n > 0 {
		l.PackCreditsRemaining += n
	}
}
