// Package engine runs ticks: snapshot, index, facts, rules, decisions and one
// bulk write, in that order, for every bot.
package engine

import "context"

// Service defines the tick engine operations used by main and the API layer.
type Service interface {
	// RunTick runs exactly one tick to completion. It never schedules itself.
	RunTick(ctx context.Context) (*Report, error)
	// LastReport returns the most recent completed tick, if any.
	LastReport() (*Report, bool)
	// Status returns runner state and metrics.
	Status() SystemStatus
}

var _ Service = (*Runner)(nil)
