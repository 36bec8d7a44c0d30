package merge

import (
	"context"
	"errors"
	"io/ioutil"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	pq "github.com/lib/pq"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T) (*Engine, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func countRows(n int64) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"count"}).AddRow(n)
}

func expectAllocate(mock sqlmock.Sqlmock, id int64) {
	mock.ExpectQuery(regexp.QuoteMeta("SELECT nextval($1::regclass)")).
		WithArgs(`"public"."dataset_id_seq"`).
		WillReturnRows(sqlmock.NewRows([]string{"nextval"}).AddRow(id))
}

func expectCounts(mock sqlmock.Sqlmock, nodes, ways, relations int64) {
	for _, c := range []struct {
		table string
		n     int64
	}{{"nodes", nodes}, {"ways", ways}, {"relations", relations}} {
		mock.ExpectQuery(regexp.QuoteMeta(
			`SELECT count(*) FROM "osm_staging"."` + c.table + `" i WHERE EXISTS (SELECT 1 FROM "public"."` + c.table + `" e WHERE i.id = e.id)`)).
			WillReturnRows(countRows(c.n))
	}
}

// staging nodes 1..5, ways w1 (1->2) and w2 (3->4), node 1 already in
// target as area 7
func TestMergeScenario(t *testing.T) {
	e, mock := newEngine(t)

	expectAllocate(mock, 8)
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "public"."areas" (id, "name", description) VALUES ($1, $2, $3)`)).
		WithArgs(int64(8), "monaco", "monaco.osm.pbf").
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectCounts(mock, 1, 0, 0)
	mock.ExpectExec(regexp.QuoteMeta(
		`INSERT INTO "public"."nodes" (id, tags, geom, area) SELECT id, tags, geom, $1::bigint FROM "osm_staging"."nodes" i WHERE NOT EXISTS (SELECT 1 FROM "public"."nodes" e WHERE i.id = e.id)`)).
		WithArgs(int64(8)).
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectExec(regexp.QuoteMeta(
		`INSERT INTO "public"."ways" (id, tags, geom, "from", "to", oneway, area) SELECT id, tags, geom, "from", "to", oneway, $1::bigint FROM "osm_staging"."ways" i`)).
		WithArgs(int64(8)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "public"."relations" (id, tags, members, area)`)).
		WithArgs(int64(8)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(
		`INSERT INTO "public"."nodes_ways" (way_id, node_id, "position", area) SELECT way_id, node_id, "position", $1::bigint FROM "osm_staging"."nodes_ways" i WHERE EXISTS (SELECT 1 FROM "public"."ways" e WHERE i.way_id = e.id AND e.area = $1::bigint)`)).
		WithArgs(int64(8)).
		WillReturnResult(sqlmock.NewResult(0, 4))

	res, err := e.Merge(context.Background(), "osm_staging", "public",
		Area{Name: "monaco", Description: "monaco.osm.pbf"})
	require.NoError(t, err)
	assert.Equal(t, int64(8), res.AreaID)
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, map[string]int64{"nodes": 1, "ways": 0, "relations": 0}, res.Collisions)
	assert.Equal(t, map[string]int64{"nodes": 4, "ways": 2, "relations": 0, "nodes_ways": 4}, res.Inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMergeUniqueViolation(t *testing.T) {
	e, mock := newEngine(t)
	violation := &pq.Error{Code: "23505", Message: `duplicate key value violates unique constraint "ways_pkey"`}

	expectAllocate(mock, 9)
	mock.ExpectExec("INSERT INTO \"public\".\"areas\"").WillReturnResult(sqlmock.NewResult(0, 1))
	expectCounts(mock, 0, 0, 0)
	mock.ExpectExec(`INSERT INTO "public"."nodes"`).WillReturnResult(sqlmock.NewResult(0, 5))
	mock.ExpectExec(`INSERT INTO "public"."ways"`).WillReturnError(violation)

	res, err := e.Merge(context.Background(), "osm_staging", "public", Area{Name: "monaco"})
	require.Error(t, err)
	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, StateCopyWays, stepErr.State)
	assert.True(t, IsUniqueViolation(err))
	assert.Contains(t, err.Error(), "copy ways")

	require.NotNil(t, res)
	assert.Equal(t, int64(9), res.AreaID)
	assert.Equal(t, StateCopyWays, res.State)
	assert.Equal(t, int64(5), res.Inserted["nodes"])
	_, ok := res.Inserted["ways"]
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMergeAllocateFails(t *testing.T) {
	e, mock := newEngine(t)
	mock.ExpectQuery("SELECT nextval").WillReturnError(&pq.Error{Code: "42P01", Message: `relation "public.dataset_id_seq" does not exist`})

	res, err := e.Merge(context.Background(), "osm_staging", "public", Area{Name: "monaco"})
	require.Error(t, err)
	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, StateAllocateArea, stepErr.State)
	assert.False(t, IsUniqueViolation(err))
	assert.Equal(t, int64(0), res.AreaID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateAreaWithBoundary(t *testing.T) {
	e, mock := newEngine(t)
	boundary := orb.Polygon{{{7.40, 43.72}, {7.44, 43.72}, {7.44, 43.75}, {7.40, 43.72}}}

	mock.ExpectExec(regexp.QuoteMeta(`ST_SetSRID(ST_GeomFromWKB($4), 4326)`)).
		WithArgs(int64(3), "monaco", "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, e.CreateArea(context.Background(), "public", Area{ID: 3, Name: "monaco", Boundary: boundary}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, IsUniqueViolation(&pq.Error{Code: "23505"}))
	assert.True(t, IsUniqueViolation(&StepError{State: StateCopyNodes, Err: &pq.Error{Code: "23505"}}))
	assert.False(t, IsUniqueViolation(&pq.Error{Code: "23503"}))
	assert.False(t, IsUniqueViolation(errors.New("23505")))
	assert.False(t, IsUniqueViolation(nil))
}

func TestLoadBoundary(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, ioutil.WriteFile(p, []byte(content), 0644))
		return p
	}
	polygon := `{"type":"Polygon","coordinates":[[[7.40,43.72],[7.44,43.72],[7.44,43.75],[7.40,43.72]]]}`

	g, err := LoadBoundary(write("geometry.geojson", polygon))
	require.NoError(t, err)
	assert.IsType(t, orb.Polygon{}, g)

	g, err = LoadBoundary(write("feature.geojson", `{"type":"Feature","properties":{},"geometry":`+polygon+`}`))
	require.NoError(t, err)
	assert.IsType(t, orb.Polygon{}, g)

	g, err = LoadBoundary(write("collection.geojson",
		`{"type":"FeatureCollection","features":[{"type":"Feature","properties":{},"geometry":`+polygon+`}]}`))
	require.NoError(t, err)
	assert.IsType(t, orb.Polygon{}, g)

	_, err = LoadBoundary(write("point.geojson", `{"type":"Point","coordinates":[7.4,43.7]}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Polygon or MultiPolygon")

	_, err = LoadBoundary(write("empty.geojson", `{"type":"FeatureCollection","features":[]}`))
	assert.Error(t, err)

	_, err = LoadBoundary(filepath.Join(dir, "missing.geojson"))
	assert.Error(t, err)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "copy memberships", StateCopyMemberships.String())
	assert.Equal(t, "State(42)", State(42).String())
}
