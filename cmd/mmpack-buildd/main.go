// Mmpack-buildd is a continuous build dispatcher that turns upstream source
// changes into binary mmpack packages, built across a pool of
// architecture-specific builders and published into partitioned package
// repositories.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/mmlabs-mindmaze/mmpack-buildd/internal/experiments"
	"github.com/mmlabs-mindmaze/mmpack-buildd/internal/osutil"
	"github.com/mmlabs-mindmaze/mmpack-buildd/logger"
	"github.com/mmlabs-mindmaze/mmpack-buildd/scheduler"
	"github.com/mmlabs-mindmaze/mmpack-buildd/signalwatcher"
	"github.com/mmlabs-mindmaze/mmpack-buildd/status"
	"github.com/mmlabs-mindmaze/mmpack-buildd/version"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli"
)

// expandHome replaces a leading "~" in path with the current user's home
// directory, as resolved by osutil.UserHomeDir.
func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := osutil.UserHomeDir()
	if err != nil {
		return path
	}
	return home + path[1:]
}

func main() {
	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Fprintf(c.App.Writer, "%s version %s\n", c.App.Name, version.Version())
	}

	app := cli.NewApp()
	app.Name = "mmpack-buildd"
	app.Version = version.Version()
	app.Usage = "continuous build dispatcher for mmpack source-to-binary pipelines"
	app.ErrWriter = os.Stderr
	app.Commands = []cli.Command{startCommand}

	app.CommandNotFound = func(c *cli.Context, command string) {
		fmt.Fprintf(app.ErrWriter, "mmpack-buildd: unknown subcommand %q\n", command)
		fmt.Fprintf(app.ErrWriter, "Run '%s --help' for usage.\n", c.App.Name)
		os.Exit(1)
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(app.ErrWriter, "mmpack-buildd: %v\n", err)
		os.Exit(1)
	}
}

var startCommand = cli.Command{
	Name:  "start",
	Usage: "start the build scheduler",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "config",
			Usage: "path to the YAML configuration file",
			Value: "/etc/mmpack-buildd/config.yaml",
		},
		cli.StringSliceFlag{
			Name:   "experiment",
			Usage:  "enable an experiment by name, may be repeated",
			EnvVar: "MMPACK_BUILDD_EXPERIMENT",
		},
		cli.BoolFlag{
			Name:  "json-log",
			Usage: "emit logs as JSON instead of human-readable text",
		},
	},
	Action: runStart,
}

func runStart(c *cli.Context) error {
	var printer logger.Printer
	if c.Bool("json-log") {
		printer = logger.NewJSONPrinter(os.Stdout)
	} else {
		printer = logger.NewTextPrinter(os.Stdout)
	}
	l := logger.NewConsoleLogger(printer, os.Exit)

	cfg, err := scheduler.LoadConfig(expandHome(c.String("config")))
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, key := range c.StringSlice("experiment") {
		ctx, _ = experiments.EnableWithWarnings(ctx, l, key)
	}

	sched, err := scheduler.New(cfg, l)
	if err != nil {
		return fmt.Errorf("constructing scheduler: %w", err)
	}

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}

	var httpServer *http.Server
	if cfg.Status.Listen != "" {
		r := chi.NewRouter()
		r.Get("/status", status.Handle)
		r.Handle("/metrics", promhttp.Handler())
		httpServer = &http.Server{Addr: cfg.Status.Listen, Handler: r}
		go func() {
			l.Info("[main] status/metrics server listening on %s", cfg.Status.Listen)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				l.Error("[main] status server: %v", err)
			}
		}()
	}

	shutdown := make(chan struct{})
	signalwatcher.Watch(func(sig signalwatcher.Signal) {
		l.Notice("[main] received signal %s, shutting down", sig)
		if httpServer != nil {
			httpServer.Shutdown(context.Background())
		}
		// ctx is what running builds execute under: cancel it only once
		// Stop has let every queued and in-flight build finish.
		sched.Stop()
		cancel()
		close(shutdown)
	})

	<-shutdown
	return nil
}
