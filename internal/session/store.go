package session

import (
	"context"
	"sync"
	"time"

	"github.com/pawcasso/pawcasso/internal/ledger"
)

// Store hands out one machine per client id. Machines idle past the
// retention window are evicted by a background sweep.
type Store struct {
	mu       sync.RWMutex
	machines map[string]*Machine

	gen       Generator
	checkout  CheckoutStarter
	ledgers   LedgerStore
	rules     ledger.Rules
	resultTTL time.Duration
	retention time.Duration
}

func NewStore(gen Generator, checkout CheckoutStarter, ledgers LedgerStore, rules ledger.Rules, resultTTL time.Duration) *Store {
	return &Store{
		machines:  make(map[string]*Machine),
		gen:       gen,
		checkout:  checkout,
		ledgers:   ledgers,
		rules:     rules,
		resultTTL: resultTTL,
		retention: time.Hour,
	}
}

// Get returns the client's machine, creating one on first use.
func (s *Store) Get(clientID string) *Machine {
	s.mu.RLock()
	m, ok := s.machines[clientID]
	s.mu.RUnlock()
	if ok {
		return m
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.machines[clientID]; ok {
		return m
	}
	m = NewMachine(clientID, s.gen, s.checkout, s.ledgers, s.rules, s.resultTTL)
	s.machines[clientID] = m
	return m
}

// Run sweeps idle machines until the context is canceled.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(time.Now())
		}
	}
}

func (s *Store) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, m := range s.machines {
		if now.Sub(m.LastTouched()) > s.retention {
			delete(s.machines, id)
		}
	}
}

// Len reports the number of live machines.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.machines)
}
