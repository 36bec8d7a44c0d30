package importer

import (
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// Pgpass is a temporary PostgreSQL password file for the importer.
type Pgpass struct {
	Path     string
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

var pgpassEscaper = strings.NewReplacer(`\`, `\\`, `:`, `\:`)

// Line returns hostname:port:database:username:password.
func (p *Pgpass) Line() string {
	return fmt.Sprintf("%s:%d:%s:%s:%s",
		pgpassEscaper.Replace(p.Host),
		p.Port,
		pgpassEscaper.Replace(p.Database),
		pgpassEscaper.Replace(p.User),
		pgpassEscaper.Replace(p.Password),
	)
}

var createPgpass = func(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
}

// Write creates or overwrites the file, readable only by the owner. The
// file is removed again if it can not be written completely.
func (p *Pgpass) Write() error {
	f, err := createPgpass(p.Path)
	if err != nil {
		return errors.Wrap(err, "creating pgpass file")
	}
	if err := p.write(f); err != nil {
		os.Remove(p.Path)
		return err
	}
	return nil
}

func (p *Pgpass) write(f *os.File) error {
	// an existing file keeps its mode with OpenFile
	if err := f.Chmod(0600); err != nil {
		f.Close()
		return errors.Wrap(err, "creating pgpass file")
	}
	if _, err := f.WriteString(p.Line() + "\n"); err != nil {
		f.Close()
		return errors.Wrap(err, "writing pgpass file")
	}
	return errors.Wrap(f.Close(), "writing pgpass file")
}

// Remove deletes the file. A missing file is not an error.
func (p *Pgpass) Remove() error {
	if err := os.Remove(p.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
