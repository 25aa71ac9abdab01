// Package session coordinates one client's upload → preview → purchase cycle.
// Each client gets a single machine; every transition is driven by a discrete
// request and at most one generation is in flight per client at any time.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pawcasso/pawcasso/internal/ledger"
	"github.com/pawcasso/pawcasso/internal/models"
)

type State int

const (
	StateIdle State = iota
	StateSubmitting
	StateAwaitingResult
	StateResultReady
	StateCollectingEmail
	StateRedirectingToPay
	StateExpired
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubmitting:
		return "submitting"
	case StateAwaitingResult:
		return "awaiting_result"
	case StateResultReady:
		return "result_ready"
	case StateCollectingEmail:
		return "collecting_email"
	case StateRedirectingToPay:
		return "redirecting_to_pay"
	case StateExpired:
		return "expired"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	// ErrBusy rejects a trigger while another transition is still running or
	// the machine is not in a state that permits it.
	ErrBusy = errors.New("another request is already in progress")
	// ErrExpired means the preview's purchase window has closed; only a
	// reset recovers.
	ErrExpired = errors.New("this portrait has expired, start over to generate a new one")
	// ErrRetryUnavailable means the one free retry for this lineage is gone.
	ErrRetryUnavailable = errors.New("the free retry has already been used")
	// ErrInvalidEmail keeps the machine collecting until a valid address
	// arrives.
	ErrInvalidEmail = errors.New("please enter a valid email address")
	// ErrNoAttempt fires when a purchase trigger arrives without a preview.
	ErrNoAttempt = errors.New("no portrait result to act on")
)

// QuotaError carries the ledger's user-facing refusal.
type QuotaError struct {
	Reason string
}

func (e *QuotaError) Error() string { return e.Reason }

// Attempt is one upload-to-result cycle. PreviewURL is set once the result
// arrives; ExpiresAt closes the purchase window 15 minutes later.
type Attempt struct {
	AttemptID  string
	PreviewURL string
	IsRetry    bool
	ExpiresAt  time.Time
}

// GenerateInput is the uploaded photo plus descriptive fields. The machine
// retains it for the one free retry and drops it on reset.
type GenerateInput struct {
	Photo       []byte
	ContentType string
	PetName     string
	PetGender   models.PetGender
	Style       models.PortraitStyle
}

// GenerateOutput is what the external transformation run produces.
type GenerateOutput struct {
	AttemptID  string
	PreviewURL string
}

// Generator runs one portrait generation, blocking until the preview exists.
type Generator interface {
	Generate(ctx context.Context, clientID string, in GenerateInput) (*GenerateOutput, error)
}

// CheckoutStarter hands a purchase intent to the payment collaborator and
// returns the redirect URL.
type CheckoutStarter interface {
	StartPortraitCheckout(ctx context.Context, clientID, portraitID, email string) (string, error)
}

// LedgerStore loads and persists the per-client usage ledger.
type LedgerStore interface {
	Load(ctx context.Context, clientID string) (ledger.Ledger, error)
	Save(ctx context.Context, clientID string, l ledger.Ledger) error
}

// Machine is the per-client session state machine.
type Machine struct {
	mu       sync.Mutex
	clientID string
	state    State
	attempt  *Attempt
	input    *GenerateInput
	lastErr  string
	inFlight bool

	gen      Generator
	checkout CheckoutStarter
	ledgers  LedgerStore
	rules    ledger.Rules
	ttl      time.Duration
	now      func() time.Time

	touched time.Time
}

func NewMachine(clientID string, gen Generator, checkout CheckoutStarter, ledgers LedgerStore, rules ledger.Rules, ttl time.Duration) *Machine {
	return &Machine{
		clientID: clientID,
		state:    StateIdle,
		gen:      gen,
		checkout: checkout,
		ledgers:  ledgers,
		rules:    rules,
		ttl:      ttl,
		now:      time.Now,
		touched:  time.Now(),
	}
}

// Submit starts a new attempt from Idle. The ledger must currently allow a
// generation; a refusal surfaces as *QuotaError with no state change.
func (m *Machine) Submit(ctx context.Context, in GenerateInput) (*Attempt, error) {
	m.mu.Lock()
	m.touch()
	m.checkExpiryLocked()
	if m.state == StateExpired {
		m.mu.Unlock()
		return nil, ErrExpired
	}
	if m.state != StateIdle {
		m.mu.Unlock()
		return nil, ErrBusy
	}

	led, err := m.ledgers.Load(ctx, m.clientID)
	if err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	if d := led.Evaluate(m.rules); !d.Allowed {
		m.mu.Unlock()
		return nil, &QuotaError{Reason: d.Reason}
	}

	m.state = StateSubmitting
	m.input = &in
	m.mu.Unlock()

	return m.runGeneration(ctx, in, false)
}

// Retry regenerates from the retained input, discarding the previous preview.
// Allowed at most once per attempt lineage and only while the free retry is
// unused and the ledger still allows a generation.
func (m *Machine) Retry(ctx context.Context) (*Attempt, error) {
	m.mu.Lock()
	m.touch()
	m.checkExpiryLocked()
	switch m.state {
	case StateExpired:
		m.mu.Unlock()
		return nil, ErrExpired
	case StateResultReady:
	default:
		m.mu.Unlock()
		return nil, ErrBusy
	}
	if m.attempt != nil && m.attempt.IsRetry {
		m.mu.Unlock()
		return nil, ErrRetryUnavailable
	}
	if m.input == nil {
		m.mu.Unlock()
		return nil, ErrNoAttempt
	}

	led, err := m.ledgers.Load(ctx, m.clientID)
	if err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	if led.FreeRetryUsed {
		m.mu.Unlock()
		return nil, ErrRetryUnavailable
	}
	if d := led.Evaluate(m.rules); !d.Allowed {
		m.mu.Unlock()
		return nil, &QuotaError{Reason: d.Reason}
	}

	in := *m.input
	m.attempt = nil
	m.state = StateSubmitting
	m.mu.Unlock()

	return m.runGeneration(ctx, in, true)
}

// runGeneration performs the single blocking external call and settles the
// machine. The ledger is mutated exactly once, only on success; pack credit
// takes priority over the free quota.
func (m *Machine) runGeneration(ctx context.Context, in GenerateInput, isRetry bool) (*Attempt, error) {
	m.mu.Lock()
	m.state = StateAwaitingResult
	m.mu.Unlock()

	out, err := m.gen.Generate(ctx, m.clientID, in)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.state = StateFailed
		m.lastErr = "portrait generation failed, please try again"
		return nil, fmt.Errorf("generate portrait: %w", err)
	}

	led, lerr := m.ledgers.Load(ctx, m.clientID)
	if lerr != nil {
		m.state = StateFailed
		m.lastErr = "portrait generation failed, please try again"
		return nil, fmt.Errorf("load ledger: %w", lerr)
	}
	if led.PackCreditsRemaining > 0 {
		led.ConsumePackCredit()
	} else {
		led.RecordGeneration(isRetry)
	}
	if serr := m.ledgers.Save(ctx, m.clientID, led); serr != nil {
		m.state = StateFailed
		m.lastErr = "portrait generation failed, please try again"
		return nil, fmt.Errorf("save ledger: %w", serr)
	}

	m.attempt = &Attempt{
		AttemptID:  out.AttemptID,
		PreviewURL: out.PreviewURL,
		IsRetry:    isRetry,
		ExpiresAt:  m.now().Add(m.ttl),
	}
	m.state = StateResultReady
	m.lastErr = ""
	return m.attempt, nil
}

// BeginPurchase moves a ready result into email collection. No ledger
// mutation happens on this path.
func (m *Machine) BeginPurchase() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touch()
	m.checkExpiryLocked()
	switch m.state {
	case StateExpired:
		return ErrExpired
	case StateResultReady:
	default:
		return ErrBusy
	}
	if m.attempt == nil {
		return ErrNoAttempt
	}
	m.state = StateCollectingEmail
	return nil
}

// SubmitEmail validates the address and, if valid, hands the purchase intent
// to the payment collaborator, returning the redirect URL. An invalid
// address keeps the machine collecting and triggers no external call.
func (m *Machine) SubmitEmail(ctx context.Context, email string) (string, error) {
	m.mu.Lock()
	m.touch()
	m.checkExpiryLocked()
	switch m.state {
	case StateExpired:
		m.mu.Unlock()
		return "", ErrExpired
	case StateCollectingEmail:
	default:
		m.mu.Unlock()
		return "", ErrBusy
	}
	if m.inFlight {
		m.mu.Unlock()
		return "", ErrBusy
	}
	if !ValidEmail(email) {
		m.mu.Unlock()
		return "", ErrInvalidEmail
	}
	if m.attempt == nil {
		m.mu.Unlock()
		return "", ErrNoAttempt
	}
	attemptID := m.attempt.AttemptID
	m.inFlight = true
	m.mu.Unlock()

	url, err := m.checkout.StartPortraitCheckout(ctx, m.clientID, attemptID, email)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight = false
	if err != nil {
		m.state = StateFailed
		m.lastErr = "could not start checkout, please try again"
		return "", fmt.Errorf("start checkout: %w", err)
	}
	m.state = StateRedirectingToPay
	return url, nil
}

// Reset returns to Idle from any state, discarding the attempt and the
// retained upload.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touch()
	m.state = StateIdle
	m.attempt = nil
	m.input = nil
	m.lastErr = ""
	m.inFlight = false
}

// Snapshot is the client-visible view of the machine.
type Snapshot struct {
	State      string     `json:"state"`
	AttemptID  string     `json:"attempt_id,omitempty"`
	PreviewURL string     `json:"preview_url,omitempty"`
	IsRetry    bool       `json:"is_retry,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkExpiryLocked()
	s := Snapshot{State: m.state.String(), LastError: m.lastErr}
	if m.attempt != nil {
		s.AttemptID = m.attempt.AttemptID
		s.PreviewURL = m.attempt.PreviewURL
		s.IsRetry = m.attempt.IsRetry
		t := m.attempt.ExpiresAt
		s.ExpiresAt = &t
	}
	return s
}

// checkExpiryLocked fires the wall-clock expiration transition. Once fired
// the machine stays Expired until an explicit reset.
func (m *Machine) checkExpiryLocked() {
	if m.attempt == nil {
		return
	}
	switch m.state {
	case StateResultReady, StateCollectingEmail:
		if !m.now().Before(m.attempt.ExpiresAt) {
			m.state = StateExpired
		}
	}
}

func (m *Machine) touch() {
	m.touched = m.now()
}

// LastTouched reports the most recent client activity, used for store
// eviction.
func (m *Machine) LastTouched() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.touched
}

// SetClock overrides the machine's wall clock in tests.
func (m *Machine) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}
