// Package importer runs the external bulk importer (osm2pgsql) that loads an
// extract into the staging schema.
package importer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/roadgraphtool/roadgraphtool/log"
)

const DefaultExecutable = "osm2pgsql"

type Options struct {
	Executable    string
	ExtractPath   string
	StyleFile     string
	Schema        string
	ConnectionURI string
	// BBox is passed to the importer unchanged.
	BBox string
	// Pgpass is written before and removed after the run. Without Pgpass
	// the importer prompts for a password.
	Pgpass    *Pgpass
	Timeout   time.Duration
	Verbose   bool
	ExtraArgs []string
}

// Command returns the importer command line.
func Command(opts Options) []string {
	executable := opts.Executable
	if executable == "" {
		executable = DefaultExecutable
	}
	args := []string{
		executable,
		"-d", opts.ConnectionURI,
		"--output=flex",
		"-S", opts.StyleFile,
		opts.ExtractPath,
		"-x",
		"--schema=" + opts.Schema,
	}
	if opts.BBox != "" {
		args = append(args, "-b", opts.BBox)
	}
	if opts.Verbose {
		args = append(args, "--log-level=debug")
	}
	if opts.Pgpass == nil {
		args = append(args, "-W")
	}
	return append(args, opts.ExtraArgs...)
}

// ProcessError is returned when the importer did not exit successfully.
type ProcessError struct {
	Command []string
	// ExitCode is -1 if the process did not start or was killed by a signal.
	ExitCode int
	// Signal is the name of the terminating signal, if any.
	Signal string
	Stderr string
	Err    error
}

func (e *ProcessError) Error() string {
	name := "importer"
	if len(e.Command) > 0 {
		name = e.Command[0]
	}
	switch {
	case errors.Is(e.Err, exec.ErrNotFound):
		return fmt.Sprintf("%s not found, check that it is installed and in PATH: %s", name, e.Err)
	case e.Signal != "":
		return fmt.Sprintf("%s terminated by signal %s: %s", name, e.Signal, e.Err)
	case e.ExitCode >= 0:
		return fmt.Sprintf("%s failed with exit code %d", name, e.ExitCode)
	}
	return fmt.Sprintf("%s failed: %s", name, e.Err)
}

func (e *ProcessError) Cause() error  { return e.Err }
func (e *ProcessError) Unwrap() error { return e.Err }

// Runner executes a command. Errors implementing ExitCode() int report the
// exit status.
type Runner interface {
	Run(ctx context.Context, cmd []string, env []string, stdout, stderr io.Writer) error
}

// ExecRunner runs commands with os/exec. env is added to the environment of
// the current process.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, cmd []string, env []string, stdout, stderr io.Writer) error {
	c := exec.CommandContext(ctx, cmd[0], cmd[1:]...)
	c.Env = append(os.Environ(), env...)
	c.Stdout = stdout
	c.Stderr = stderr
	return c.Run()
}

type Importer struct {
	runner Runner
}

// New returns an Importer. A nil runner uses ExecRunner.
func New(runner Runner) *Importer {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Importer{runner: runner}
}

// Run executes the importer and blocks until it exits. The staging schema
// is left as the importer wrote it, also on failure.
func (imp *Importer) Run(ctx context.Context, opts Options) error {
	cmd := Command(opts)

	var env []string
	if opts.Pgpass != nil {
		if err := opts.Pgpass.Write(); err != nil {
			return err
		}
		log.Debugf("created pgpass file %s", opts.Pgpass.Path)
		defer func() {
			if err := opts.Pgpass.Remove(); err != nil {
				log.Warnf("removing pgpass file: %s", err)
			} else {
				log.Debugf("removed pgpass file %s", opts.Pgpass.Path)
			}
		}()
		env = append(env, "PGPASSFILE="+opts.Pgpass.Path)
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	log.Printf("calling external command: %s", strings.Join(cmd, " "))
	var stdout, stderr bytes.Buffer
	err := imp.runner.Run(ctx, cmd, env, &stdout, &stderr)
	if err == nil {
		if stdout.Len() > 0 {
			log.Debugf("importer output:\n%s", stdout.String())
		}
		return nil
	}

	perr := &ProcessError{
		Command:  cmd,
		ExitCode: -1,
		Stderr:   stderr.String(),
		Err:      err,
	}
	var exitErr interface{ ExitCode() int }
	if errors.As(err, &exitErr) {
		perr.ExitCode = exitErr.ExitCode()
	}
	perr.Signal = exitSignal(err)
	if ctx.Err() != nil {
		perr.Err = ctx.Err()
	}

	if errors.Is(err, exec.ErrNotFound) {
		log.Errorf("executable %s not found, check that it is in PATH", cmd[0])
	} else {
		log.Errorf("executable run failed for command: %s", strings.Join(cmd, " "))
	}
	if perr.Stderr != "" {
		log.Errorf("executable stderr output START\n%s", perr.Stderr)
		log.Errorf("executable stderr output END")
	}
	if perr.Signal != "" {
		log.Printf("terminated by signal %s", perr.Signal)
	} else if perr.ExitCode >= 0 {
		log.Printf("exit status code: %d", perr.ExitCode)
	}
	return perr
}
