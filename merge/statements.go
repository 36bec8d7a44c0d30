package merge

import (
	"context"
	"fmt"

	"github.com/paulmach/orb/encoding/wkb"
	"github.com/pkg/errors"

	"github.com/roadgraphtool/roadgraphtool/database"
)

const AreaIDSequence = "dataset_id_seq"

// AllocateAreaID returns the next value of the area sequence in target.
func (e *Engine) AllocateAreaID(ctx context.Context, target string) (int64, error) {
	seq := database.QualifiedName(target, AreaIDSequence)
	id, err := database.QueryInt64(ctx, e.db, "SELECT nextval($1::regclass)", seq)
	if err != nil {
		return 0, errors.Wrapf(err, "allocating area id from %s", seq)
	}
	return id, nil
}

// CreateArea inserts the area row. An existing id fails with a unique
// violation.
func (e *Engine) CreateArea(ctx context.Context, target string, area Area) error {
	table := database.QualifiedName(target, "areas")
	var err error
	if area.Boundary != nil {
		var geom []byte
		geom, err = wkb.Marshal(area.Boundary)
		if err != nil {
			return errors.Wrap(err, "encoding area boundary")
		}
		_, err = e.db.ExecContext(ctx, fmt.Sprintf(
			`INSERT INTO %s (id, "name", description, geom) VALUES ($1, $2, $3, ST_SetSRID(ST_GeomFromWKB($4), 4326))`, table),
			area.ID, area.Name, area.Description, geom)
	} else {
		_, err = e.db.ExecContext(ctx, fmt.Sprintf(
			`INSERT INTO %s (id, "name", description) VALUES ($1, $2, $3)`, table),
			area.ID, area.Name, area.Description)
	}
	return errors.Wrapf(err, "inserting area %d", area.ID)
}

// CountCollisions returns the number of staging rows of table whose id
// already exists in target.
func (e *Engine) CountCollisions(ctx context.Context, staging, target, table string) (int64, error) {
	sql := fmt.Sprintf(`SELECT count(*) FROM %s i WHERE EXISTS (SELECT 1 FROM %s e WHERE i.id = e.id)`,
		database.QualifiedName(staging, table), database.QualifiedName(target, table))
	n, err := database.QueryInt64(ctx, e.db, sql)
	if err != nil {
		return 0, errors.Wrapf(err, "counting collisions in %s", table)
	}
	return n, nil
}

func (e *Engine) copyNew(ctx context.Context, staging, target, table, columns string, areaID int64) (int64, error) {
	sql := fmt.Sprintf(`INSERT INTO %[2]s (%[3]s, area) SELECT %[3]s, $1::bigint FROM %[1]s i `+
		`WHERE NOT EXISTS (SELECT 1 FROM %[2]s e WHERE i.id = e.id)`,
		database.QualifiedName(staging, table), database.QualifiedName(target, table), columns)
	return e.exec(ctx, table, sql, areaID)
}

func (e *Engine) exec(ctx context.Context, table, sql string, args ...interface{}) (int64, error) {
	r, err := e.db.ExecContext(ctx, sql, args...)
	if err != nil {
		return 0, errors.Wrapf(err, "copying %s", table)
	}
	n, err := r.RowsAffected()
	if err != nil {
		return 0, errors.Wrapf(err, "copying %s", table)
	}
	return n, nil
}

func (e *Engine) CopyNodes(ctx context.Context, staging, target string, areaID int64) (int64, error) {
	return e.copyNew(ctx, staging, target, "nodes", `id, tags, geom`, areaID)
}

func (e *Engine) CopyWays(ctx context.Context, staging, target string, areaID int64) (int64, error) {
	return e.copyNew(ctx, staging, target, "ways", `id, tags, geom, "from", "to", oneway`, areaID)
}

func (e *Engine) CopyRelations(ctx context.Context, staging, target string, areaID int64) (int64, error) {
	return e.copyNew(ctx, staging, target, "relations", `id, tags, members`, areaID)
}

// CopyNodesWays copies the memberships of all ways that were copied for
// areaID.
func (e *Engine) CopyNodesWays(ctx context.Context, staging, target string, areaID int64) (int64, error) {
	sql := fmt.Sprintf(`INSERT INTO %[2]s (way_id, node_id, "position", area) `+
		`SELECT way_id, node_id, "position", $1::bigint FROM %[1]s i `+
		`WHERE EXISTS (SELECT 1 FROM %[3]s e WHERE i.way_id = e.id AND e.area = $1::bigint)`,
		database.QualifiedName(staging, "nodes_ways"),
		database.QualifiedName(target, "nodes_ways"),
		database.QualifiedName(target, "ways"))
	return e.exec(ctx, "nodes_ways", sql, areaID)
}
