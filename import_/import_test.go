package import_

import (
	"context"
	"database/sql"
	"errors"
	"io/ioutil"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roadgraphtool/roadgraphtool/database"
	"github.com/roadgraphtool/roadgraphtool/importer"
)

// mockConn is a Connection backed by sqlmock.
type mockConn struct {
	*sql.DB
	acquired int
}

func (c *mockConn) Acquire(ctx context.Context) (*sql.DB, error) {
	c.acquired++
	return c.DB, nil
}

func (c *mockConn) Endpoint() (string, int) { return "127.0.0.1", 1111 }

func (c *mockConn) Config() database.Config {
	return database.Config{Host: "db.example.org", Port: 5432, Name: "roads", User: "importer", Password: "s3cret"}
}

type fakeStaging struct {
	calls int
	opts  importer.Options
	err   error
}

func (f *fakeStaging) Run(ctx context.Context, opts importer.Options) error {
	f.calls++
	f.opts = opts
	return f.err
}

func setup(t *testing.T) (*mockConn, sqlmock.Sqlmock, Options) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	dir := t.TempDir()
	extractPath := filepath.Join(dir, "monaco.osm")
	stylePath := filepath.Join(dir, "highways.lua")
	require.NoError(t, ioutil.WriteFile(extractPath, []byte("<osm/>"), 0644))
	require.NoError(t, ioutil.WriteFile(stylePath, []byte("-- style"), 0644))

	opts := Options{
		ExtractPath:   extractPath,
		StyleFile:     stylePath,
		StagingSchema: "osm_staging",
		TargetSchema:  "public",
		PgpassFile:    filepath.Join(dir, "pgpass"),
	}
	return &mockConn{DB: db}, mock, opts
}

var tableExists = regexp.QuoteMeta(`SELECT EXISTS(SELECT * FROM information_schema.tables`)

func expectEmptyStaging(mock sqlmock.Sqlmock) {
	for _, table := range []string{"nodes", "ways"} {
		mock.ExpectQuery(tableExists).WithArgs("osm_staging", table).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	}
}

func expectSchemaSetup(mock sqlmock.Sqlmock) {
	mock.ExpectExec(regexp.QuoteMeta(`CREATE SCHEMA IF NOT EXISTS "osm_staging"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`CREATE EXTENSION IF NOT EXISTS "postgis" SCHEMA "osm_staging"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func expectMerge(mock sqlmock.Sqlmock, areaID int64) {
	mock.ExpectQuery("SELECT nextval").
		WillReturnRows(sqlmock.NewRows([]string{"nextval"}).AddRow(areaID))
	mock.ExpectExec(`INSERT INTO "public"."areas"`).
		WithArgs(areaID, "monaco", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	for i := 0; i < 3; i++ {
		mock.ExpectQuery("SELECT count").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	}
	for _, table := range []string{"nodes", "ways", "relations", "nodes_ways"} {
		mock.ExpectExec(`INSERT INTO "public"."` + table + `"`).
			WithArgs(areaID).
			WillReturnResult(sqlmock.NewResult(0, 2))
	}
}

func TestImport(t *testing.T) {
	conn, mock, opts := setup(t)
	staging := &fakeStaging{}

	expectEmptyStaging(mock)
	expectSchemaSetup(mock)
	expectMerge(mock, 8)

	id, err := New(conn, staging).Import(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, int64(8), id)
	assert.Equal(t, 1, conn.acquired)

	require.Equal(t, 1, staging.calls)
	assert.Equal(t, "postgresql://importer@127.0.0.1:1111/roads", staging.opts.ConnectionURI)
	assert.Equal(t, "osm_staging", staging.opts.Schema)
	require.NotNil(t, staging.opts.Pgpass)
	assert.Equal(t, "127.0.0.1:1111:roads:importer:s3cret", staging.opts.Pgpass.Line())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestImportProcessErrorSkipsMerge(t *testing.T) {
	conn, mock, opts := setup(t)
	staging := &fakeStaging{err: &importer.ProcessError{Command: []string{"osm2pgsql"}, ExitCode: 1}}

	expectEmptyStaging(mock)
	expectSchemaSetup(mock)

	_, err := New(conn, staging).Import(context.Background(), opts)
	require.Error(t, err)
	var perr *importer.ProcessError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, 1, perr.ExitCode)
	// no merge statement was executed
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestImportNonEmptyStaging(t *testing.T) {
	conn, mock, opts := setup(t)
	staging := &fakeStaging{}

	mock.ExpectQuery(tableExists).WithArgs("osm_staging", "nodes").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS(SELECT * FROM "osm_staging"."nodes" LIMIT 1)`)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	_, err := New(conn, staging).Import(context.Background(), opts)
	require.Error(t, err)
	var nerr *NonEmptyTargetError
	require.True(t, errors.As(err, &nerr))
	assert.Equal(t, "osm_staging", nerr.Schema)
	assert.Equal(t, 0, staging.calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestImportForceSkipsCheck(t *testing.T) {
	conn, mock, opts := setup(t)
	opts.Force = true
	opts.PgpassFile = ""
	opts.DropStaging = true
	staging := &fakeStaging{}

	expectSchemaSetup(mock)
	expectMerge(mock, 9)
	mock.ExpectExec(regexp.QuoteMeta(`DROP SCHEMA IF EXISTS "osm_staging" CASCADE`)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	id, err := New(conn, staging).Import(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, int64(9), id)
	assert.Nil(t, staging.opts.Pgpass)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestImportPostprocessFailure(t *testing.T) {
	conn, mock, opts := setup(t)
	// pipeline.lua has a post-processing script that does not exist
	opts.StyleFile = filepath.Join(filepath.Dir(opts.StyleFile), "pipeline.lua")
	require.NoError(t, ioutil.WriteFile(opts.StyleFile, []byte("-- style"), 0644))
	staging := &fakeStaging{}

	expectEmptyStaging(mock)
	expectSchemaSetup(mock)

	_, err := New(conn, staging).Import(context.Background(), opts)
	require.Error(t, err)
	// returned as reported by the processor
	assert.True(t, strings.HasPrefix(err.Error(), "reading post-processing script"), err.Error())
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Equal(t, 1, staging.calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestImportValidation(t *testing.T) {
	for _, tt := range []struct {
		name   string
		modify func(*Options)
		errMsg string
	}{
		{"missing extract", func(o *Options) { o.ExtractPath += ".pbf" }, "opening extract"},
		{"missing style", func(o *Options) { o.StyleFile += ".missing" }, "style file"},
		{"invalid bbox", func(o *Options) { o.BBox = "1,2,3" }, "bbox"},
		{"same schema", func(o *Options) { o.TargetSchema = o.StagingSchema }, "must differ"},
		{"missing boundary", func(o *Options) { o.Area.Boundary = "missing.geojson" }, "boundary"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			conn, mock, opts := setup(t)
			tt.modify(&opts)
			staging := &fakeStaging{}

			_, err := New(conn, staging).Import(context.Background(), opts)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
			assert.Equal(t, 0, conn.acquired)
			assert.Equal(t, 0, staging.calls)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestAreaName(t *testing.T) {
	assert.Equal(t, "monaco", areaName("/data/monaco.osm.pbf"))
	assert.Equal(t, "monaco-latest", areaName("monaco-latest.osm.bz2"))
	assert.Equal(t, "prague", areaName("prague.pbf"))
}
