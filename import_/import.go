/*
Package import_ runs a complete import of one OSM extract as a new area.

The extract is loaded into the staging schema by the bulk importer,
post-processed and then merged into the target schema.
*/
package import_

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/roadgraphtool/roadgraphtool/database"
	"github.com/roadgraphtool/roadgraphtool/extract"
	"github.com/roadgraphtool/roadgraphtool/importer"
	"github.com/roadgraphtool/roadgraphtool/log"
	"github.com/roadgraphtool/roadgraphtool/merge"
	"github.com/roadgraphtool/roadgraphtool/postprocess"
	"github.com/roadgraphtool/roadgraphtool/schema"
)

// Connection is the database connection an import runs on.
// *database.Manager implements it.
type Connection interface {
	database.Querier
	database.Beginner
	Acquire(ctx context.Context) (*sql.DB, error)
	Endpoint() (string, int)
	Config() database.Config
}

// StagingImporter loads an extract into the staging schema.
type StagingImporter interface {
	Run(ctx context.Context, opts importer.Options) error
}

type Options struct {
	Executable    string
	ExtractPath   string
	StyleFile     string
	StagingSchema string
	TargetSchema  string
	// Force skips the check for existing data in the staging schema.
	Force bool
	BBox  string
	Area  AreaOptions
	// Tables are checked for existing data. Empty checks nodes and ways.
	Tables []string
	// PgpassFile is written for the importer. Empty makes the importer
	// prompt for the password.
	PgpassFile  string
	Timeout     time.Duration
	SQLDir      string
	DropStaging bool
	Verbose     bool
}

type AreaOptions struct {
	// Name defaults to the extract file name without suffix.
	Name string
	// Description defaults to the extract path.
	Description string
	// Boundary is an optional GeoJSON file.
	Boundary string
}

// NonEmptyTargetError is returned when the staging schema already contains
// data and Force is not set.
type NonEmptyTargetError struct {
	Schema string
	Tables []string
}

func (e *NonEmptyTargetError) Error() string {
	return fmt.Sprintf("attempt to overwrite non-empty tables %s in schema %s, use force to proceed",
		strings.Join(e.Tables, ", "), e.Schema)
}

type Importer struct {
	conn    Connection
	staging StagingImporter
}

func New(conn Connection, staging StagingImporter) *Importer {
	return &Importer{conn: conn, staging: staging}
}

// Import runs all import steps and returns the id of the new area. The
// first failing step aborts the import. Nothing is cleaned up on failure.
func (imp *Importer) Import(ctx context.Context, opts Options) (int64, error) {
	defer log.Step("Import " + opts.ExtractPath)()

	area, err := prepare(&opts)
	if err != nil {
		return 0, err
	}

	if _, err := imp.conn.Acquire(ctx); err != nil {
		return 0, err
	}
	guard := schema.NewGuard(imp.conn)

	if !opts.Force {
		tables := opts.Tables
		if len(tables) == 0 {
			tables = schema.DefaultTables
		}
		ok, err := guard.IsImportable(ctx, opts.StagingSchema, tables)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, &NonEmptyTargetError{Schema: opts.StagingSchema, Tables: tables}
		}
	}

	if err := guard.EnsureSchema(ctx, opts.StagingSchema); err != nil {
		return 0, err
	}
	if err := guard.EnsureExtension(ctx, "postgis", opts.StagingSchema); err != nil {
		return 0, err
	}

	if err := imp.runStaging(ctx, opts); err != nil {
		return 0, err
	}

	step := log.Step("Post-processing")
	res := postprocess.New(imp.conn, opts.SQLDir).Apply(ctx, opts.StyleFile, opts.StagingSchema)
	step()
	switch res.Outcome {
	case postprocess.Applied:
		log.Printf("applied %s", res.Script)
	case postprocess.Skipped:
		log.Warnf("%s", res.Reason)
	case postprocess.Failed:
		return 0, res.Err
	}

	step = log.Step("Merging into " + opts.TargetSchema)
	result, err := merge.New(imp.conn).Merge(ctx, opts.StagingSchema, opts.TargetSchema, area)
	step()
	if err != nil {
		return 0, err
	}
	log.Printf("imported area %d: %d nodes, %d ways, %d relations, %d memberships",
		result.AreaID,
		result.Inserted["nodes"], result.Inserted["ways"],
		result.Inserted["relations"], result.Inserted["nodes_ways"])

	if opts.DropStaging {
		if err := guard.DropSchema(ctx, opts.StagingSchema); err != nil {
			return result.AreaID, err
		}
	}
	return result.AreaID, nil
}

// prepare validates the input files and fills option defaults.
func prepare(opts *Options) (merge.Area, error) {
	var area merge.Area

	info, err := extract.Inspect(opts.ExtractPath)
	if err != nil {
		return area, err
	}
	log.Printf("extract %s", info)

	if opts.StyleFile == "" {
		return area, errors.New("missing style file")
	}
	if _, err := os.Stat(opts.StyleFile); err != nil {
		return area, errors.Wrap(err, "opening style file")
	}
	if opts.BBox != "" {
		if _, err := extract.ParseBBox(opts.BBox); err != nil {
			return area, err
		}
	}
	if opts.StagingSchema == "" || opts.TargetSchema == "" {
		return area, errors.New("missing staging or target schema")
	}
	if opts.StagingSchema == opts.TargetSchema {
		return area, errors.Errorf("staging and target schema must differ, both are %s", opts.StagingSchema)
	}

	area.Name = opts.Area.Name
	if area.Name == "" {
		area.Name = areaName(opts.ExtractPath)
	}
	area.Description = opts.Area.Description
	if area.Description == "" {
		area.Description = opts.ExtractPath
	}
	if opts.Area.Boundary != "" {
		area.Boundary, err = merge.LoadBoundary(opts.Area.Boundary)
		if err != nil {
			return area, err
		}
	}
	return area, nil
}

// areaName returns the file name without the OSM suffix.
func areaName(path string) string {
	name := filepath.Base(path)
	for _, suffix := range []string{".osm.pbf", ".osm.bz2", ".osm", ".pbf"} {
		if strings.HasSuffix(strings.ToLower(name), suffix) {
			return name[:len(name)-len(suffix)]
		}
	}
	return name
}

func (imp *Importer) runStaging(ctx context.Context, opts Options) error {
	defer log.Step("Importing into " + opts.StagingSchema)()

	conf := imp.conn.Config()
	host, port := imp.conn.Endpoint()
	iopts := importer.Options{
		Executable:    opts.Executable,
		ExtractPath:   opts.ExtractPath,
		StyleFile:     opts.StyleFile,
		Schema:        opts.StagingSchema,
		ConnectionURI: database.ConnectionURI(conf.User, host, port, conf.Name),
		BBox:          opts.BBox,
		Timeout:       opts.Timeout,
		Verbose:       opts.Verbose,
	}
	if opts.PgpassFile != "" {
		iopts.Pgpass = &importer.Pgpass{
			Path:     opts.PgpassFile,
			Host:     host,
			Port:     port,
			Database: conf.Name,
			User:     conf.User,
			Password: conf.Password,
		}
	}
	return imp.staging.Run(ctx, iopts)
}
