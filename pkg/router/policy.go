package router

import (
	"math/rand"

	"github.com/Latency-Zero/server/pkg/types"
)

// selectDestination picks one handler out of the candidate set according
// to the configured routing policy. Candidates arrive in registration
// order, which makes first_available deterministic and gives round_robin
// a stable cycle.
func (r *Router) selectDestination(trigger string, candidates []string) string {
	if len(candidates) == 1 {
		return candidates[0]
	}

	switch r.cfg.Policy {
	case types.RouteRandom:
		return candidates[rand.Intn(len(candidates))]
	case types.RouteFirstAvailable:
		return candidates[0]
	case types.RouteLoadBalanced:
		return r.leastLoaded(candidates)
	default:
		return r.nextRoundRobin(trigger, candidates)
	}
}

// nextRoundRobin advances the per-trigger cursor. The cursor indexes the
// candidate list, so membership churn simply shifts the cycle rather
// than breaking it.
func (r *Router) nextRoundRobin(trigger string, candidates []string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.cursors[trigger] % len(candidates)
	r.cursors[trigger] = idx + 1
	return candidates[idx]
}

// leastLoaded picks the candidate with the fewest in-flight records
// dispatched to it, breaking ties by candidate order.
func (r *Router) leastLoaded(candidates []string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	loads := make(map[string]int, len(candidates))
	for _, inf := range r.table {
		loads[inf.rec.DispatchedTo]++
	}

	best := candidates[0]
	bestLoad := loads[best]
	for _, c := range candidates[1:] {
		if loads[c] < bestLoad {
			best = c
			bestLoad = loads[c]
		}
	}
	return best
}
