// Package postprocess runs the SQL script that belongs to an importer style
// on the staging schema.
package postprocess

import (
	"context"
	"fmt"
	"io/ioutil"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/roadgraphtool/roadgraphtool/database"
	"github.com/roadgraphtool/roadgraphtool/log"
)

// DefaultScripts maps style file names to post-processing scripts.
var DefaultScripts = map[string]string{
	"pipeline.lua": "after_import.sql",
}

type Outcome int

const (
	Applied Outcome = iota
	Skipped
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Result is the outcome of Apply. Reason is set for Skipped, Err for Failed.
type Result struct {
	Outcome Outcome
	Script  string
	Reason  string
	Err     error
}

func applied(script string) Result {
	return Result{Outcome: Applied, Script: script}
}

func skipped(reason string) Result {
	return Result{Outcome: Skipped, Reason: reason}
}

func failed(script string, err error) Result {
	return Result{Outcome: Failed, Script: script, Err: err}
}

type Processor struct {
	db database.Beginner
	// Dir contains the scripts. Empty looks next to the style file.
	Dir     string
	Scripts map[string]string
}

func New(db database.Beginner, dir string) *Processor {
	return &Processor{db: db, Dir: dir, Scripts: DefaultScripts}
}

// Script returns the script path for styleFile.
func (p *Processor) Script(styleFile string) (string, bool) {
	name, ok := p.Scripts[filepath.Base(styleFile)]
	if !ok {
		return "", false
	}
	dir := p.Dir
	if dir == "" {
		dir = filepath.Dir(styleFile)
	}
	return filepath.Join(dir, name), true
}

// Apply runs the script for styleFile with search_path set to schema. The
// script runs in one transaction.
func (p *Processor) Apply(ctx context.Context, styleFile, schema string) Result {
	script, ok := p.Script(styleFile)
	if !ok {
		return skipped(fmt.Sprintf("no post-processing defined for style %s", filepath.Base(styleFile)))
	}
	sql, err := ioutil.ReadFile(script)
	if err != nil {
		return failed(script, errors.Wrap(err, "reading post-processing script"))
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return failed(script, errors.Wrap(err, "starting transaction"))
	}
	searchPath := fmt.Sprintf("SET LOCAL search_path TO %s, public", database.QuoteIdent(schema))
	if _, err := tx.ExecContext(ctx, searchPath); err != nil {
		tx.Rollback()
		return failed(script, errors.Wrapf(err, "setting search_path to %s", schema))
	}
	log.Debugf("running %s on schema %s", script, schema)
	if _, err := tx.ExecContext(ctx, string(sql)); err != nil {
		tx.Rollback()
		return failed(script, errors.Wrapf(err, "running %s", script))
	}
	if err := tx.Commit(); err != nil {
		return failed(script, errors.Wrap(err, "committing post-processing"))
	}
	return applied(script)
}
