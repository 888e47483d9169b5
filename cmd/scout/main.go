package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/urfave/cli/v2"
)

func main() {
	if err := runApp(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// runApp is the main application entry point with panic recovery.
func runApp(args []string) (err error) {
	// Bootstrap logger for panics that happen before the real one exists
	tempLogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	defer func() {
		if r := recover(); r != nil {
			tempLogger.Error("panic recovered",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return newCLI().RunContext(ctx, args)
}

func newCLI() *cli.App {
	return &cli.App{
		Name:  "scout",
		Usage: "call gRPC servers through reflection and race redundant endpoints",
		Flags: globalFlags(),
		Commands: []*cli.Command{
			discoverCommand(),
			describeCommand(),
			invokeCommand(),
			raceCommand(),
		},
	}
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:    flagDebug,
			Usage:   "enable debug logging",
			EnvVars: []string{"SCOUT_DEBUG"},
		},
		&cli.BoolFlag{
			Name:  flagLogFile,
			Usage: "write JSON logs to the platform log file instead of stderr",
		},
		&cli.StringFlag{
			Name:    flagCachePath,
			Usage:   "directory for cached discovery results",
			EnvVars: []string{"SCOUT_CACHE_PATH"},
		},
		&cli.BoolFlag{
			Name:  flagMemoryCache,
			Usage: "do not persist discovery results",
		},
		&cli.DurationFlag{
			Name:    flagCacheTTL,
			Usage:   "how long cached discovery results are trusted (0 = forever)",
			EnvVars: []string{"SCOUT_CACHE_TTL"},
		},
		&cli.DurationFlag{
			Name:    flagTimeout,
			Aliases: []string{"t"},
			Usage:   "timeout for reflection and each call",
			EnvVars: []string{"SCOUT_TIMEOUT"},
		},
		&cli.StringFlag{
			Name:    flagMetricsAddr,
			Usage:   "serve Prometheus metrics on this address, e.g. :9464",
			EnvVars: []string{"SCOUT_METRICS_ADDR"},
		},
	}
}
