// The sheetbot365 command polls a Microsoft 365 mailbox through the
// Graph API, persists messages and attachments into a local database,
// and ages old records out of both sides.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/chris17453/sheetbot365/internal/config"
	"github.com/chris17453/sheetbot365/internal/graph"
	"github.com/chris17453/sheetbot365/internal/graphhttp"
	"github.com/chris17453/sheetbot365/internal/persist"
	"github.com/chris17453/sheetbot365/internal/runlock"
	"github.com/chris17453/sheetbot365/internal/sync"
	"github.com/chris17453/sheetbot365/internal/tracehttp"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	_ "github.com/mattn/go-sqlite3"
)

const defaultConfigPath = "/etc/sheetbot365/config.yaml"

var (
	flagConfig = flag.String("config", defaultConfigPath, "path to YAML configuration file")
	flagTrace  = flag.Bool("trace", false, "dump Graph API requests and responses to stderr")
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `usage: sheetbot365 [flags] <command> [command flags]

Commands:
  scan    scan for new emails and add them to the database
  delete  delete aged emails from the database and/or the inbox
  status  show email status counts

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	if err := run(flag.Arg(0), flag.Args()[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(command string, args []string) error {
	cfg, err := config.Load(*flagConfig)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}

	ctx := context.Background()
	switch command {
	case "scan":
		return cmdScan(ctx, cfg, log, args)
	case "delete":
		return cmdDelete(ctx, cfg, log, args)
	case "status":
		return cmdStatus(ctx, cfg, log, args)
	}
	return errors.Errorf("unknown command %q", command)
}

// newLogger builds the process-wide logger once, from configuration.
// Output goes to stderr and, when configured, a log file as well.
func newLogger(cfg *config.Config) (*logrus.Logger, error) {
	log := logrus.New()
	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid log level %q", cfg.Logging.Level)
	}
	log.SetLevel(level)

	out := io.Writer(os.Stderr)
	if cfg.Paths.LogFile != "" {
		f, err := os.OpenFile(cfg.Paths.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, errors.Wrapf(err, "opening log file %q", cfg.Paths.LogFile)
		}
		out = io.MultiWriter(os.Stderr, f)
	}
	log.SetOutput(out)
	return log, nil
}

// newMailbox exchanges the configured credentials for a bearer token
// and wraps the resulting client in a Graph service. A credential
// failure here aborts the run before any mailbox or store mutation.
func newMailbox(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*graph.Service, error) {
	client, err := graphhttp.New(ctx, graphhttp.Config{
		TenantID:     cfg.Graph.TenantID,
		ClientID:     cfg.Graph.ClientID,
		ClientSecret: cfg.Graph.ClientSecret,
	})
	if err != nil {
		return nil, errors.Wrap(err, "unable to initialize Graph HTTP client")
	}
	if *flagTrace {
		tracehttp.WrapClient(client, os.Stderr)
	}
	log.Info("connected to Microsoft Graph API")
	return graph.New(client, cfg.Graph.EmailUser, log), nil
}

func openStore(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*persist.DB, error) {
	db, err := persist.Open(ctx, persist.ConnConfig{Path: cfg.Database.Path}, log)
	if err != nil {
		return nil, errors.Wrap(err, "unable to initialize database")
	}
	return db, nil
}

func cmdScan(ctx context.Context, cfg *config.Config, log *logrus.Logger, args []string) error {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	limit := fs.Int("limit", 0, "maximum number of emails to process (overrides config)")
	autoMark := fs.Bool("auto-mark-deleted", false, "mark old processed emails as deleted")
	daysOld := fs.Int("days-old", 0, "days-old threshold for marking as deleted (overrides config)")
	fs.Parse(args)

	effLimit := cfg.Defaults.Scan.Limit
	if *limit > 0 {
		effLimit = *limit
	}
	effDays := cfg.Defaults.Scan.MarkDeletedAfterDays
	if *daysOld > 0 {
		effDays = *daysOld
	}

	mailbox, err := newMailbox(ctx, cfg, log)
	if err != nil {
		return err
	}
	db, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer db.Close()

	eng := &sync.Engine{
		Mailbox: mailbox,
		DB:      db,
		Lock:    runlock.New(cfg.Paths.LockFile, log),
		Log:     log,
	}
	return eng.Scan(ctx, sync.ScanOptions{
		Limit:    effLimit,
		MarkAged: *autoMark,
		AgedDays: effDays,
	})
}

func cmdDelete(ctx context.Context, cfg *config.Config, log *logrus.Logger, args []string) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	daysOld := fs.Int("days-old", 0, "delete emails older than this many days (required)")
	dbOnly := fs.Bool("db-only", false, "delete only from the database")
	emailOnly := fs.Bool("email-only", false, "delete only from the email inbox")
	both := fs.Bool("both", false, "delete from both the database and the inbox")
	fs.Parse(args)

	if *daysOld <= 0 {
		return errors.New("delete requires --days-old")
	}
	if !*dbOnly && !*emailOnly && !*both {
		return errors.New("must specify at least one of --db-only, --email-only, or --both")
	}
	opts := sync.DeleteOptions{
		AgedDays: *daysOld,
		Database: *dbOnly || *both,
		Inbox:    *emailOnly || *both,
	}

	var mailbox *graph.Service
	if opts.Inbox {
		var err error
		mailbox, err = newMailbox(ctx, cfg, log)
		if err != nil {
			return err
		}
	}
	db, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer db.Close()

	eng := &sync.Engine{
		Mailbox: mailbox,
		DB:      db,
		Lock:    runlock.New(cfg.Paths.LockFile, log),
		Log:     log,
	}
	return eng.Delete(ctx, opts)
}

func cmdStatus(ctx context.Context, cfg *config.Config, log *logrus.Logger, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	verbose := fs.Bool("verbose", false, "show additional statistics")
	fs.BoolVar(verbose, "v", false, "show additional statistics (shorthand)")
	fs.Parse(args)

	db, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer db.Close()

	eng := &sync.Engine{DB: db, Log: log}
	return eng.Status(ctx, os.Stdout, *verbose)
}
