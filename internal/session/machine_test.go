package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pawcasso/pawcasso/internal/ledger"
)

type fakeGenerator struct {
	mu      sync.Mutex
	calls   int
	err     error
	block   chan struct{}
	nextID  int
	preview string
}

func (g *fakeGenerator) Generate(ctx context.Context, clientID string, in GenerateInput) (*GenerateOutput, error) {
	g.mu.Lock()
	g.calls++
	g.nextID++
	id := g.nextID
	block := g.block
	err := g.err
	g.mu.Unlock()

	if block != nil {
		<-block
	}
	if err != nil {
		return nil, err
	}
	preview := g.preview
	if preview == "" {
		preview = fmt.Sprintf("https://cdn.example.com/previews/%d.png", id)
	}
	return &GenerateOutput{
		AttemptID:  fmt.Sprintf("00000000-0000-0000-0000-%012d", id),
		PreviewURL: preview,
	}, nil
}

func (g *fakeGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type fakeCheckout struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *fakeCheckout) StartPortraitCheckout(ctx context.Context, clientID, portraitID, email string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return "", c.err
	}
	return "https://checkout.example.com/session/" + portraitID, nil
}

func (c *fakeCheckout) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type memLedgers struct {
	mu      sync.Mutex
	records map[string]ledger.Ledger
}

func newMemLedgers() *memLedgers {
	return &memLedgers{records: make(map[string]ledger.Ledger)}
}

func (s *memLedgers) Load(ctx context.Context, clientID string) (ledger.Ledger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[clientID], nil
}

func (s *memLedgers) Save(ctx context.Context, clientID string, l ledger.Ledger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[clientID] = l
	return nil
}

func (s *memLedgers) get(clientID string) ledger.Ledger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[clientID]
}

func (s *memLedgers) set(clientID string, l ledger.Ledger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[clientID] = l
}

const testClient = "client-1"

func newTestMachine(gen *fakeGenerator, checkout *fakeCheckout, ledgers *memLedgers) *Machine {
	return NewMachine(testClient, gen, checkout, ledgers, ledger.DefaultRules(), 15*time.Minute)
}

func testInput() GenerateInput {
	return GenerateInput{Photo: []byte{0x89, 0x50}, ContentType: "image/png", PetName: "Otis"}
}

func TestSubmitProducesResultAndChargesFreeQuota(t *testing.T) {
	gen := &fakeGenerator{}
	ledgers := newMemLedgers()
	m := newTestMachine(gen, &fakeCheckout{}, ledgers)

	attempt, err := m.Submit(context.Background(), testInput())
	require.NoError(t, err)
	assert.NotEmpty(t, attempt.AttemptID)
	assert.NotEmpty(t, attempt.PreviewURL)
	assert.False(t, attempt.IsRetry)
	assert.Equal(t, "result_ready", m.Snapshot().State)
	assert.Equal(t, 1, ledgers.get(testClient).FreeGenerationsUsed)
}

func TestSubmitRefusedWhenQuotaExhausted(t *testing.T) {
	gen := &fakeGenerator{}
	ledgers := newMemLedgers()
	ledgers.set(testClient, ledger.Ledger{FreeGenerationsUsed: 2})
	m := newTestMachine(gen, &fakeCheckout{}, ledgers)

	_, err := m.Submit(context.Background(), testInput())
	var qe *QuotaError
	require.ErrorAs(t, err, &qe)
	assert.NotEmpty(t, qe.Reason)
	assert.Equal(t, "idle", m.Snapshot().State, "machine must stay in Idle")
	assert.Equal(t, 0, gen.callCount(), "no external call on refusal")
}

func TestPackCreditTakesPriorityOverFreeQuota(t *testing.T) {
	gen := &fakeGenerator{}
	ledgers := newMemLedgers()
	ledgers.set(testClient, ledger.Ledger{FreeGenerationsUsed: 1, PackCreditsRemaining: 2})
	m := newTestMachine(gen, &fakeCheckout{}, ledgers)

	_, err := m.Submit(context.Background(), testInput())
	require.NoError(t, err)

	after := ledgers.get(testClient)
	assert.Equal(t, 1, after.PackCreditsRemaining, "pack credit consumed")
	assert.Equal(t, 1, after.FreeGenerationsUsed, "free counter untouched")
}

func TestFailedGenerationNeverMutatesLedger(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("vendor exploded")}
	ledgers := newMemLedgers()
	before := ledger.Ledger{FreeGenerationsUsed: 1}
	ledgers.set(testClient, before)
	m := newTestMachine(gen, &fakeCheckout{}, ledgers)

	_, err := m.Submit(context.Background(), testInput())
	require.Error(t, err)
	assert.Equal(t, "failed", m.Snapshot().State)
	assert.Equal(t, before, ledgers.get(testClient), "ledger state before == after")

	m.Reset()
	assert.Equal(t, "idle", m.Snapshot().State)
}

func TestNoTwoConcurrentSubmittingPhases(t *testing.T) {
	gen := &fakeGenerator{block: make(chan struct{})}
	ledgers := newMemLedgers()
	m := newTestMachine(gen, &fakeCheckout{}, ledgers)

	done := make(chan error, 1)
	go func() {
		_, err := m.Submit(context.Background(), testInput())
		done <- err
	}()

	// Wait until the first submit is in flight.
	require.Eventually(t, func() bool { return gen.callCount() == 1 }, time.Second, 5*time.Millisecond)

	_, err := m.Submit(context.Background(), testInput())
	assert.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, 1, gen.callCount(), "second trigger must be a no-op")

	close(gen.block)
	require.NoError(t, <-done)
	assert.Equal(t, 1, ledgers.get(testClient).FreeGenerationsUsed, "exactly one ledger mutation")
}

func TestRetryOncePerLineage(t *testing.T) {
	gen := &fakeGenerator{}
	ledgers := newMemLedgers()
	m := newTestMachine(gen, &fakeCheckout{}, ledgers)

	first, err := m.Submit(context.Background(), testInput())
	require.NoError(t, err)

	retried, err := m.Retry(context.Background())
	require.NoError(t, err)
	assert.True(t, retried.IsRetry)
	assert.NotEqual(t, first.AttemptID, retried.AttemptID, "retry discards the previous preview")

	led := ledgers.get(testClient)
	assert.Equal(t, 2, led.FreeGenerationsUsed)
	assert.True(t, led.FreeRetryUsed)

	_, err = m.Retry(context.Background())
	assert.ErrorIs(t, err, ErrRetryUnavailable)
}

func TestRetryGatedOnLedgerAllowance(t *testing.T) {
	gen := &fakeGenerator{}
	ledgers := newMemLedgers()
	ledgers.set(testClient, ledger.Ledger{FreeGenerationsUsed: 1})
	m := newTestMachine(gen, &fakeCheckout{}, ledgers)

	_, err := m.Submit(context.Background(), testInput())
	require.NoError(t, err)

	// Free allowance of 2 is now exhausted; the retry must be refused.
	_, err = m.Retry(context.Background())
	var qe *QuotaError
	assert.ErrorAs(t, err, &qe)
}

func TestEmailCollection(t *testing.T) {
	gen := &fakeGenerator{}
	checkout := &fakeCheckout{}
	m := newTestMachine(gen, checkout, newMemLedgers())

	_, err := m.Submit(context.Background(), testInput())
	require.NoError(t, err)
	require.NoError(t, m.BeginPurchase())
	assert.Equal(t, "collecting_email", m.Snapshot().State)

	_, err = m.SubmitEmail(context.Background(), "not-an-email")
	assert.ErrorIs(t, err, ErrInvalidEmail)
	assert.Equal(t, "collecting_email", m.Snapshot().State, "machine remains collecting")
	assert.Equal(t, 0, checkout.callCount(), "no network call on invalid email")

	url, err := m.SubmitEmail(context.Background(), "a@b.co")
	require.NoError(t, err)
	assert.NotEmpty(t, url)
	assert.Equal(t, "redirecting_to_pay", m.Snapshot().State)
	assert.Equal(t, 1, checkout.callCount())
}

func TestCheckoutFailureMovesToFailed(t *testing.T) {
	gen := &fakeGenerator{}
	checkout := &fakeCheckout{err: errors.New("payment vendor down")}
	m := newTestMachine(gen, checkout, newMemLedgers())

	_, err := m.Submit(context.Background(), testInput())
	require.NoError(t, err)
	require.NoError(t, m.BeginPurchase())

	_, err = m.SubmitEmail(context.Background(), "a@b.co")
	require.Error(t, err)
	assert.Equal(t, "failed", m.Snapshot().State)
}

func TestExpirationIsMonotonicUntilReset(t *testing.T) {
	gen := &fakeGenerator{}
	m := newTestMachine(gen, &fakeCheckout{}, newMemLedgers())

	now := time.Now()
	m.SetClock(func() time.Time { return now })

	_, err := m.Submit(context.Background(), testInput())
	require.NoError(t, err)

	now = now.Add(14 * time.Minute)
	assert.Equal(t, "result_ready", m.Snapshot().State)

	now = now.Add(2 * time.Minute)
	assert.Equal(t, "expired", m.Snapshot().State)

	assert.ErrorIs(t, m.BeginPurchase(), ErrExpired)
	_, err = m.Retry(context.Background())
	assert.ErrorIs(t, err, ErrExpired)
	_, err = m.Submit(context.Background(), testInput())
	assert.ErrorIs(t, err, ErrExpired)
	assert.Equal(t, "expired", m.Snapshot().State, "expired until explicit reset")

	m.Reset()
	assert.Equal(t, "idle", m.Snapshot().State)
	_, err = m.Submit(context.Background(), testInput())
	assert.NoError(t, err)
}

func TestPurchaseExpiresMidEmailCollection(t *testing.T) {
	gen := &fakeGenerator{}
	checkout := &fakeCheckout{}
	m := newTestMachine(gen, checkout, newMemLedgers())

	now := time.Now()
	m.SetClock(func() time.Time { return now })

	_, err := m.Submit(context.Background(), testInput())
	require.NoError(t, err)
	require.NoError(t, m.BeginPurchase())

	now = now.Add(16 * time.Minute)
	_, err = m.SubmitEmail(context.Background(), "a@b.co")
	assert.ErrorIs(t, err, ErrExpired)
	assert.Equal(t, 0, checkout.callCount())
}

func TestValidEmail(t *testing.T) {
	valid := []string{"a@b.co", "jane.doe+tag@example.com", "x_y%z@sub.domain.org"}
	for _, e := range valid {
		assert.True(t, ValidEmail(e), e)
	}
	invalid := []string{"not-an-email", "a@b", "@example.com", "a b@c.co", "a@b.c", ""}
	for _, e := range invalid {
		assert.False(t, ValidEmail(e), e)
	}
}

func TestStoreReusesAndEvictsMachines(t *testing.T) {
	store := NewStore(&fakeGenerator{}, &fakeCheckout{}, newMemLedgers(), ledger.DefaultRules(), 15*time.Minute)

	m1 := store.Get("c1")
	m2 := store.Get("c1")
	assert.Same(t, m1, m2)
	assert.Equal(t, 1, store.Len())

	store.Get("c2")
	assert.Equal(t, 2, store.Len())

	store.sweep(time.Now().Add(2 * time.Hour))
	assert.Equal(t, 0, store.Len())
}
