package escrow

import (
	"errors"
	"fmt"
	"sort"
)

// ErrDependencyCycle is returned when declared dependencies form a cycle.
var ErrDependencyCycle = errors.New("escrow: dependency cycle")

// Resolver decides whether a unit's declared dependencies are satisfied.
type Resolver struct {
	success UnitStatus
}

// ResolverOption customises a resolver.
type ResolverOption func(*Resolver)

// WithSuccessStatus changes the status a dependency must reach. Workflows
// that gate on approval rather than payment use UnitApproved.
func WithSuccessStatus(status UnitStatus) ResolverOption {
	return func(r *Resolver) { r.success = status }
}

// NewResolver returns a resolver requiring dependencies to be paid unless
// configured otherwise.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{success: UnitPaid}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// SuccessStatus reports the status dependencies must hold.
func (r *Resolver) SuccessStatus() UnitStatus { return r.success }

// Eligible reports whether every dependency of the unit has reached the
// success status. A missing snapshot or unknown unit is never eligible.
func (r *Resolver) Eligible(unitID uint64, snap *Snapshot) bool {
	unit := snap.Unit(unitID)
	if unit == nil {
		return false
	}
	return len(r.blockers(unit, snap)) == 0
}

// Blockers lists the dependencies of the unit that are not yet satisfied.
func (r *Resolver) Blockers(unitID uint64, snap *Snapshot) []uint64 {
	unit := snap.Unit(unitID)
	if unit == nil {
		return nil
	}
	return r.blockers(unit, snap)
}

func (r *Resolver) blockers(unit *WorkUnit, snap *Snapshot) []uint64 {
	var out []uint64
	for _, dep := range unit.Dependencies {
		d := snap.Unit(dep)
		if d == nil || d.Status() != r.success {
			out = append(out, dep)
		}
	}
	return out
}

// ValidateDependencies checks a full set of units for references to unknown
// units, self references and cycles.
func ValidateDependencies(units []*WorkUnit) error {
	indegree := make(map[uint64]int, len(units))
	for _, u := range units {
		indegree[u.ID] = 0
	}
	dependents := make(map[uint64][]uint64, len(units))
	for _, u := range units {
		seen := make(map[uint64]struct{}, len(u.Dependencies))
		for _, dep := range u.Dependencies {
			if dep == u.ID {
				return rejectf("unit %d depends on itself", u.ID)
			}
			if _, ok := indegree[dep]; !ok {
				return rejectf("unit %d depends on unknown unit %d", u.ID, dep)
			}
			if _, dup := seen[dep]; dup {
				continue
			}
			seen[dep] = struct{}{}
			dependents[dep] = append(dependents[dep], u.ID)
			indegree[u.ID]++
		}
	}

	queue := make([]uint64, 0, len(units))
	for id, n := range indegree {
		if n == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited == len(indegree) {
		return nil
	}
	var stuck []uint64
	for id, n := range indegree {
		if n > 0 {
			stuck = append(stuck, id)
		}
	}
	sort.Slice(stuck, func(i, j int) bool { return stuck[i] < stuck[j] })
	return fmt.Errorf("%w: %w among units %v", ErrPreconditionRejected, ErrDependencyCycle, stuck)
}
