package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/urfave/cli"
)

// Exit codes
const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

// Build-time variables (set via -ldflags).
var (
	version = "dev"
	commit  = "unknown"
)

const envHelp = `ENVIRONMENT:
   DATABASE_DRIVER            postgres | pgx | sqlite (default: postgres)
   DATABASE_URL               Connection string or SQLite path (required for postgres/pgx)
   HTTP_ADDR                  Admin API listen address (default: :8080, or :$PORT)
   REDIS_ADDR                 Enables per-trigger delivery statistics
   LOG_LEVEL                  debug | info | warn | error (default: info)
   LOG_FORMAT                 console | json (default: console)

   MATERIALIZE_INTERVAL       Materializer tick (default: 5s)
   HORIZON_COUNT              Occurrences kept ahead per cron trigger (default: 100)
   HORIZON_WINDOW             Upper bound of the look-ahead (default: 168h)

   DISPATCH_POLL_INTERVAL     Dispatcher poll interval (default: 1s)
   DISPATCHER_WORKERS         Concurrent dispatch workers (default: 4)
   DISPATCH_BATCH_SIZE        Events claimed per poll (default: 50)
   DISPATCH_RATE_LIMIT        Webhook calls per second, 0 disables (default: 0)
   DISPATCHER_DRAIN_TIMEOUT   In-flight grace period on shutdown (default: 30s)

   DEFAULT_MAX_ATTEMPTS       (default: 5)
   DEFAULT_RETRY_INTERVAL     (default: 10s)
   MAX_BACKOFF                Cap of the exponential backoff (default: 1h)
   DEFAULT_WEBHOOK_TIMEOUT    (default: 60s)
   DEFAULT_TOLERANCE          Missed-run tolerance (default: 6h)
   WEBHOOK_SIGNING_SECRET     Adds an HMAC-SHA256 signature header when set

   CIRCUIT_BREAKER_THRESHOLD  Failures before a host is paused, 0 disables (default: 5)
   CIRCUIT_BREAKER_COOLDOWN   (default: 2m)

   RECONCILE_ENABLED          Requeue stale claims (default: true)
   RECONCILE_INTERVAL         (default: 1m)
   RECONCILE_THRESHOLD        Claim age considered stale (default: 15m)
   RECONCILE_BATCH_SIZE       (default: 500)

   DELETE_RETAIN_HISTORY      Keep delivered events of deleted triggers (default: true)
   METRICS_ENABLED            (default: false)
   METRICS_PATH               (default: /metrics)
   METRICS_PORT               Serve metrics on a separate listener
   TRIGGERS_MANIFEST          Triggers file applied at startup
   HTTP_SHUTDOWN_TIMEOUT      (default: 10s)
   DB_OP_TIMEOUT              (default: 5s)
   DB_MAX_OPEN_CONNS          (default: 25)
   DB_MAX_IDLE_CONNS          (default: 5)
   DB_CONN_MAX_LIFETIME       (default: 30m)
   DB_CONN_MAX_IDLE_TIME      (default: 5m)
   SQLITE_BUSY_TIMEOUT        (default: 5s)
`

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitRuntimeError)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "triggerd"
	app.HelpName = "triggerd"
	app.Usage = "durable webhook scheduler"
	app.UsageText = "triggerd <command> [arguments...]"
	app.Version = version
	app.HideVersion = true
	app.Description = "Schedules cron and one-off webhook triggers and delivers them with retries.\n\n" + envHelp
	app.Commands = []cli.Command{
		{
			Name:   "serve",
			Usage:  "run the scheduler, dispatcher and admin API",
			Action: runServe,
		},
		{
			Name:      "apply",
			Usage:     "create the triggers of a manifest that do not exist yet",
			UsageText: "triggerd apply -f triggers.yaml",
			Flags:     []cli.Flag{manifestFlag(true)},
			Action:    runApply,
		},
		{
			Name:      "export",
			Usage:     "print all stored triggers as a manifest",
			UsageText: "triggerd export [--format yaml|json]",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "format", Value: "yaml", Usage: "output `FORMAT`: yaml or json"},
			},
			Action: runExport,
		},
		{
			Name:      "validate",
			Usage:     "validate configuration and, optionally, a manifest",
			UsageText: "triggerd validate [-f triggers.yaml]",
			Flags:     []cli.Flag{manifestFlag(false)},
			Action:    runValidate,
		},
		{
			Name:   "config",
			Usage:  "print the effective configuration with secrets masked",
			Action: runConfig,
		},
		{
			Name:   "version",
			Usage:  "print version information",
			Action: runVersion,
		},
	}
	return app
}

func manifestFlag(required bool) cli.Flag {
	usage := "triggers manifest `FILE` (yaml or json)"
	if required {
		usage += ", required"
	}
	return cli.StringFlag{Name: "file, f", Usage: usage}
}

func runVersion(c *cli.Context) error {
	fmt.Fprintf(c.App.Writer, "triggerd %s (commit: %s) %s/%s\n", version, commit, runtime.GOOS, runtime.GOARCH)
	return nil
}
