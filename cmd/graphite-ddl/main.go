/*
Graphite-ddl prints or applies the table definitions of the stock entity types
(logins, roles, and the login log) and the table that joins roles to logins.

Usage:

	graphite-ddl [flags]

By default the CREATE TABLE statements are printed to stdout. With --apply they
are executed against the default source of the configured database instead,
and with --drop DROP TABLE statements are produced in place of CREATE TABLE.

The flags are:

	-c, --config PATH
		Use the given file for the configuration instead of './graphite.yml'.
		The file must be in JSON or YAML format. Only needed with --apply, or
		to take the table prefix from it.

	-p, --prefix PREFIX
		Prefix table names with PREFIX. Overrides the prefix in the config.

	-a, --apply
		Execute the statements instead of printing them.

	-d, --drop
		Produce DROP TABLE statements instead of CREATE TABLE.

	-q, --query-log PATH
		After applying, write the query log of the run to PATH. The file can
		be read back with querylog.Import.

	--serve ADDR
		After applying, serve the query log of the run over HTTP on ADDR
		until interrupted.
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/dekarrin/graphite/config"
	"github.com/dekarrin/graphite/conn"
	"github.com/dekarrin/graphite/diag"
	"github.com/dekarrin/graphite/querylog"
	"github.com/dekarrin/jellog"
	"github.com/spf13/pflag"
)

const (
	exitSuccess   = 0
	exitError     = 1
	exitPanic     = 2
	exitInterrupt = 3
)

var exitCode = exitSuccess

var (
	flagConf     = pflag.StringP("config", "c", "graphite.yml", "Path to configuration file")
	flagPrefix   = pflag.StringP("prefix", "p", "", "Prefix for table names; overrides the config")
	flagApply    = pflag.BoolP("apply", "a", false, "Execute the statements instead of printing them")
	flagDrop     = pflag.BoolP("drop", "d", false, "Produce DROP TABLE statements instead of CREATE TABLE")
	flagQueryLog = pflag.StringP("query-log", "q", "", "Write the query log of an applied run to the given file")
	flagServe    = pflag.String("serve", "", "Serve the query log of an applied run on the given address until interrupted")
)

func main() {
	ctx, cancelMainContext := context.WithCancel(context.Background())
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt)
	defer func() {
		signal.Stop(signalChan)
		cancelMainContext()
	}()
	// listen for signals
	go func() {
		select {
		case <-signalChan: // first signal, cancel context
			cancelMainContext()
		case <-ctx.Done():
		}

		<-signalChan // second signal, hard exit
		os.Exit(exitInterrupt)
	}()

	defer func() {
		if panicErr := recover(); panicErr != nil {
			fmt.Fprintf(os.Stderr, "fatal panic: %v\n", panicErr)
			exitCode = exitPanic
		}
		os.Exit(exitCode)
	}()

	pflag.Parse()

	logger := jellog.New(jellog.Defaults[string]().WithComponent("graphite-ddl"))
	logger.AddHandler(jellog.LvInfo, jellog.NewStderrHandler(nil))

	var cfg config.Config
	if *flagApply || pflag.Lookup("config").Changed {
		logger.Infof("Loading config file %s...", *flagConf)

		var err error
		cfg, err = config.Load(*flagConf)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: %s\n", err.Error())
			exitCode = exitError
			return
		}
		cfg = cfg.FillDefaults()
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: %s: %s\n", *flagConf, err.Error())
			exitCode = exitError
			return
		}
	}
	if pflag.Lookup("prefix").Changed {
		cfg.Prefix = *flagPrefix
	}

	stmts, err := statements(cfg.Prefix, *flagDrop)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err.Error())
		exitCode = exitError
		return
	}

	if !*flagApply {
		for _, s := range stmts {
			fmt.Println(s)
			fmt.Println()
		}
		return
	}

	appLog, err := cfg.Log.Create()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err.Error())
		exitCode = exitError
		return
	}

	sources := &conn.Sources{Config: cfg, Logger: appLog}
	defer sources.Close()

	c, err := sources.Primary(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err.Error())
		exitCode = exitError
		return
	}

	executed := 0
	for _, s := range stmts {
		if _, err := c.Execute(ctx, s); err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: %s\n", err.Error())
			exitCode = exitError
			break
		}
		executed++
	}
	logger.Infof("Executed %d/%d statement(s) against %s", executed, len(stmts), c.HostInfo())

	if *flagQueryLog != "" {
		if err := writeQueryLog(*flagQueryLog, sources.QueryLog()); err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: %s\n", err.Error())
			exitCode = exitError
			return
		}
		logger.Infof("Wrote query log to %s", *flagQueryLog)
	}

	if *flagServe != "" {
		serveQueryLog(ctx, logger, sources)
	}
}

func writeQueryLog(path string, agg *querylog.Aggregate) error {
	merged := &querylog.Log{}
	for _, e := range agg.Entries() {
		merged.Add(e)
	}

	data, err := merged.Export()
	if err != nil {
		return fmt.Errorf("encode query log: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write query log: %w", err)
	}
	return nil
}

func serveQueryLog(ctx context.Context, logger jellog.Logger[string], sources *conn.Sources) {
	h := diag.Handler{
		Source:        sources,
		SlowThreshold: sources.Config.SlowQueryThreshold,
	}
	server := &http.Server{Addr: *flagServe, Handler: h.Router()}

	go func() {
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			logger.Info("Server shutdown by request")
		} else {
			logger.Errorf("Server encountered a problem: %v", err)
		}
	}()

	logger.Infof("Serving query log on %s/queries; Ctrl-C (SIGINT) to stop", *flagServe)

	<-ctx.Done()

	// ctrl-C likes to write "^C" or similar in some console output, so insert
	// a break right after that.
	logger.InsertBreak(jellog.LvAll)

	logger.Info("SIGINT received; shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn(err.Error())
	}
	logger.Info("Server shutdown complete")
}
