package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/roadgraphtool/roadgraphtool/config"
	"github.com/roadgraphtool/roadgraphtool/database"
	"github.com/roadgraphtool/roadgraphtool/import_"
	"github.com/roadgraphtool/roadgraphtool/importer"
	"github.com/roadgraphtool/roadgraphtool/log"
	"github.com/roadgraphtool/roadgraphtool/tunnel"
)

type importFlags struct {
	configFile      string
	input           string
	style           string
	schema          string
	targetSchema    string
	force           bool
	bbox            string
	areaName        string
	areaDescription string
	areaBoundary    string
	pgpass          bool
	timeout         time.Duration
	dropStaging     bool
	verbose         bool
	quiet           bool
}

func newImportCmd() *cobra.Command {
	var f importFlags

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import an OSM extract into the staging schema and merge it as a new area",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := loadConfig(cmd, &f)
			if err != nil {
				return err
			}
			return runImport(cmd, conf, f.verbose || conf.LogLevel == string(log.LDebug))
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&f.configFile, "config", "c", "", "YAML configuration file")
	flags.StringVarP(&f.input, "input", "i", "", "OSM extract (.osm, .osm.pbf, .osm.bz2)")
	flags.StringVarP(&f.style, "style", "s", "", "osm2pgsql flex style file")
	flags.StringVar(&f.schema, "schema", "", "staging schema (default osm_staging)")
	flags.StringVar(&f.targetSchema, "target-schema", "", "target schema (default public)")
	flags.BoolVar(&f.force, "force", false, "import even if the staging tables are not empty")
	flags.StringVarP(&f.bbox, "bbox", "b", "", "only import min_lon,min_lat,max_lon,max_lat")
	flags.StringVar(&f.areaName, "area-name", "", "name of the new area (default extract name)")
	flags.StringVar(&f.areaDescription, "area-description", "", "description of the new area (default extract path)")
	flags.StringVar(&f.areaBoundary, "area-boundary", "", "GeoJSON file with the area boundary")
	flags.BoolVar(&f.pgpass, "pgpass", false, "pass the password to the importer with a temporary pgpass file")
	flags.DurationVar(&f.timeout, "timeout", 0, "timeout for the importer run (0 disables)")
	flags.BoolVar(&f.dropStaging, "drop-staging", false, "drop the staging schema after a successful merge")
	flags.BoolVarP(&f.verbose, "verbose", "v", false, "debug output")
	flags.BoolVarP(&f.quiet, "quiet", "q", false, "only log warnings and errors")
	return cmd
}

// loadConfig reads the config file and env files, then applies environment
// variables and command line flags, in this order.
func loadConfig(cmd *cobra.Command, f *importFlags) (*config.Config, error) {
	var conf *config.Config
	if f.configFile != "" {
		var err error
		conf, err = config.Load(f.configFile)
		if err != nil {
			return nil, err
		}
	} else {
		conf = config.New()
	}

	n, err := config.LoadEnv(config.DefaultEnvFiles)
	if err != nil {
		return nil, errors.Wrap(err, "loading .env")
	}
	if err := conf.ApplyEnv(); err != nil {
		return nil, err
	}

	changed := cmd.Flags().Changed
	if changed("input") {
		conf.Importer.InputFile = absPath(f.input)
	}
	if changed("style") {
		conf.Importer.StyleFile = absPath(f.style)
	}
	if changed("schema") {
		conf.Importer.Schema = f.schema
	}
	if changed("target-schema") {
		conf.Importer.TargetSchema = f.targetSchema
	}
	if changed("force") {
		conf.Importer.Force = f.force
	}
	if changed("bbox") {
		conf.Importer.BBox = f.bbox
	}
	if changed("area-name") {
		conf.Area.Name = f.areaName
	}
	if changed("area-description") {
		conf.Area.Description = f.areaDescription
	}
	if changed("area-boundary") {
		conf.Area.Boundary = absPath(f.areaBoundary)
	}
	if changed("pgpass") {
		conf.Importer.Pgpass = f.pgpass
	}
	if changed("timeout") {
		conf.Importer.Timeout = f.timeout
	}
	if changed("drop-staging") {
		conf.Importer.DropStaging = f.dropStaging
	}
	// home directory in the default pgpass path
	conf.ExpandPaths()

	switch {
	case f.verbose:
		log.SetMinLevel(log.LDebug)
	case f.quiet:
		log.SetMinLevel(log.LWarn)
	default:
		lvl, err := log.ParseLevel(conf.LogLevel)
		if err != nil {
			return nil, err
		}
		log.SetMinLevel(lvl)
	}
	if n > 0 {
		log.Debugf("loaded %d .env files", n)
	}

	if errs := conf.Check(); len(errs) > 0 {
		for _, err := range errs {
			log.Errorf("config: %s", err)
		}
		return nil, errors.New("invalid configuration")
	}
	return conf, nil
}

// absPath makes command line paths independent of the config directory.
func absPath(path string) string {
	if path == "" {
		return path
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

// newManager creates the connection manager with the optional SSH tunnel.
func newManager(conf *config.Config) *database.Manager {
	dbConf := database.Config{
		Host:     conf.DB.Host,
		Port:     conf.DB.Port,
		Name:     conf.DB.Name,
		User:     conf.DB.User,
		Password: conf.DB.Password,
		SSLMode:  conf.DB.SSLMode,
	}
	var tun database.Tunnel
	if ssh := conf.DB.SSH; ssh != nil {
		localPort := ssh.LocalPort
		if localPort < 0 {
			localPort = 0
		}
		tun = tunnel.New(tunnel.Config{
			Server:         tunnel.JoinHostPort(ssh.Server, ssh.ServerPort),
			User:           ssh.User,
			KeyPath:        ssh.PrivateKeyPath,
			Passphrase:     ssh.PrivateKeyPassphrase,
			KnownHostsFile: ssh.KnownHostsFile,
			RemoteAddr:     tunnel.JoinHostPort(ssh.Host, conf.DB.Port),
			LocalAddr:      tunnel.JoinHostPort("127.0.0.1", localPort),
		})
	}
	return database.NewManager(dbConf, tun)
}

func importOptions(conf *config.Config, verbose bool) import_.Options {
	opts := import_.Options{
		Executable:    conf.Importer.Executable,
		ExtractPath:   conf.Importer.InputFile,
		StyleFile:     conf.Importer.StyleFile,
		StagingSchema: conf.Importer.Schema,
		TargetSchema:  conf.Importer.TargetSchema,
		Force:         conf.Importer.Force,
		BBox:          conf.Importer.BBox,
		Area: import_.AreaOptions{
			Name:        conf.Area.Name,
			Description: conf.Area.Description,
			Boundary:    conf.Area.Boundary,
		},
		Tables:      conf.Importer.Tables,
		Timeout:     conf.Importer.Timeout,
		SQLDir:      conf.Importer.SQLDir,
		DropStaging: conf.Importer.DropStaging,
		Verbose:     verbose,
	}
	if conf.Importer.Pgpass {
		opts.PgpassFile = conf.Importer.PgpassFile
	}
	return opts
}

func runImport(cmd *cobra.Command, conf *config.Config, verbose bool) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigc)
	go func() {
		select {
		case sig := <-sigc:
			log.Warnf("received %s, stopping import", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	mgr := newManager(conf)
	defer func() {
		if err := mgr.Close(); err != nil {
			log.Warnf("closing connection: %s", err)
		}
	}()

	imp := import_.New(mgr, importer.New(nil))
	areaID, err := imp.Import(ctx, importOptions(conf, verbose))
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), strconv.FormatInt(areaID, 10))
	return nil
}
