// Package balance tracks each bot's spendable cash within a single tick.
package balance

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
)

const numShards = 16

// ErrInsufficientBalance is returned when a reservation exceeds what is left.
var ErrInsufficientBalance = errors.New("insufficient balance")

// Balance is one bot's ledger entry, in minor currency units.
type Balance struct {
	Start     int64 `json:"start"`     // stored balance when the tick began
	Available int64 `json:"available"` // what later decisions in this tick may still spend
	Committed int64 `json:"committed"` // reserved by decisions already accepted this tick
}

// Ledger is the ephemeral per-tick available-balance map. It is seeded once
// from stored balances, only ever decremented, and discarded when the tick
// ends. Entries are sharded by bot id; each bot's entry is guarded by its
// shard lock so Available-then-Reserve sequences for one bot must come from a
// single goroutine.
type Ledger struct {
	shards [numShards]*ledgerShard
}

type ledgerShard struct {
	mu      sync.Mutex
	entries map[string]*Balance
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	l := &Ledger{}
	for i := 0; i < numShards; i++ {
		l.shards[i] = &ledgerShard{entries: make(map[string]*Balance)}
	}
	return l
}

func (l *Ledger) shard(botID string) *ledgerShard {
	h := fnv.New32a()
	h.Write([]byte(botID))
	return l.shards[h.Sum32()%numShards]
}

// Seed sets a bot's starting balance. Negative stored balances seed zero.
func (l *Ledger) Seed(botID string, amount int64) {
	if amount < 0 {
		amount = 0
	}
	s := l.shard(botID)
	s.mu.Lock()
	s.entries[botID] = &Balance{Start: amount, Available: amount}
	s.mu.Unlock()
}

// Available returns what the bot may still spend this tick; unknown bots have nothing.
func (l *Ledger) Available(botID string) int64 {
	s := l.shard(botID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.entries[botID]; ok {
		return b.Available
	}
	return 0
}

// Reserve commits amount against the bot's remaining balance.
func (l *Ledger) Reserve(botID string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("reserve negative amount %d", amount)
	}
	s := l.shard(botID)
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.entries[botID]
	if !ok {
		return fmt.Errorf("bot %s: %w: need %d, have 0", botID, ErrInsufficientBalance, amount)
	}
	if amount > b.Available {
		return fmt.Errorf("bot %s: %w: need %d, have %d", botID, ErrInsufficientBalance, amount, b.Available)
	}
	b.Available -= amount
	b.Committed += amount
	return nil
}

// Get returns a copy of the bot's entry.
func (l *Ledger) Get(botID string) (Balance, bool) {
	s := l.shard(botID)
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.entries[botID]
	if !ok {
		return Balance{}, false
	}
	return *b, true
}

// Snapshot returns a copy of every entry.
func (l *Ledger) Snapshot() map[string]Balance {
	out := make(map[string]Balance)
	for _, s := range l.shards {
		s.mu.Lock()
		for id, b := range s.entries {
			out[id] = *b
		}
		s.mu.Unlock()
	}
	return out
}

