/*
Package merge copies a staging import into the shared target schema.

Every entity is stamped with a newly allocated area id. Entities whose id
already exists in the target are skipped (first writer wins) and reported
as collisions. Memberships of a way are only copied when the way itself was
copied for this area.

Each step is a single INSERT ... SELECT statement. Nothing is rolled back
when a later step fails.
*/
package merge

import (
	"context"
	"fmt"

	pq "github.com/lib/pq"
	"github.com/paulmach/orb"
	"github.com/pkg/errors"

	"github.com/roadgraphtool/roadgraphtool/database"
	"github.com/roadgraphtool/roadgraphtool/log"
)

type State int

const (
	StateAllocateArea State = iota
	StateCountCollisions
	StateCopyNodes
	StateCopyWays
	StateCopyRelations
	StateCopyMemberships
	StateDone
)

func (s State) String() string {
	switch s {
	case StateAllocateArea:
		return "allocate area"
	case StateCountCollisions:
		return "count collisions"
	case StateCopyNodes:
		return "copy nodes"
	case StateCopyWays:
		return "copy ways"
	case StateCopyRelations:
		return "copy relations"
	case StateCopyMemberships:
		return "copy memberships"
	case StateDone:
		return "done"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Tables with an id column that are checked for collisions.
var EntityTables = []string{"nodes", "ways", "relations"}

// StepError is returned when a merge step failed. Steps before State are
// committed.
type StepError struct {
	State State
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("merge failed in step %s: %s", e.State, e.Err)
}

func (e *StepError) Cause() error  { return e.Err }
func (e *StepError) Unwrap() error { return e.Err }

// IsUniqueViolation returns true if err is caused by a unique constraint
// violation.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

type Area struct {
	ID          int64
	Name        string
	Description string
	// Boundary is optional, in WGS84.
	Boundary orb.Geometry
}

// Result reports the progress of a merge, also of a failed one.
type Result struct {
	AreaID int64
	// State is the last step that was started.
	State      State
	Collisions map[string]int64
	Inserted   map[string]int64
}

type Engine struct {
	db database.Querier
}

func New(db database.Querier) *Engine {
	return &Engine{db: db}
}

// Merge copies all entities from staging to target as a new area. The
// Result is returned with the error.
func (e *Engine) Merge(ctx context.Context, staging, target string, area Area) (*Result, error) {
	res := &Result{
		State:      StateAllocateArea,
		Collisions: make(map[string]int64),
		Inserted:   make(map[string]int64),
	}
	fail := func(err error) (*Result, error) {
		return res, &StepError{State: res.State, Err: err}
	}

	id, err := e.AllocateAreaID(ctx, target)
	if err != nil {
		return fail(err)
	}
	res.AreaID = id
	area.ID = id
	if err := e.CreateArea(ctx, target, area); err != nil {
		return fail(err)
	}
	log.Printf("created area %d (%s)", id, area.Name)

	res.State = StateCountCollisions
	for _, table := range EntityTables {
		n, err := e.CountCollisions(ctx, staging, target, table)
		if err != nil {
			return fail(err)
		}
		res.Collisions[table] = n
		if n > 0 {
			log.Warnf("%d %s with the same id are already in %s and are not added", n, table, target)
		}
	}

	steps := []struct {
		state State
		table string
		copy  func(ctx context.Context, staging, target string, areaID int64) (int64, error)
	}{
		{StateCopyNodes, "nodes", e.CopyNodes},
		{StateCopyWays, "ways", e.CopyWays},
		{StateCopyRelations, "relations", e.CopyRelations},
		{StateCopyMemberships, "nodes_ways", e.CopyNodesWays},
	}
	for _, step := range steps {
		res.State = step.state
		n, err := step.copy(ctx, staging, target, id)
		if err != nil {
			return fail(err)
		}
		res.Inserted[step.table] = n
		log.Debugf("inserted %d %s", n, step.table)
	}
	res.State = StateDone
	return res, nil
}
