package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/shhac/scout/internal/app"
	"github.com/shhac/scout/internal/domain"
	"github.com/shhac/scout/internal/endpoint"
	apperrors "github.com/shhac/scout/internal/errors"
	"github.com/shhac/scout/internal/logging"
)

const (
	flagDebug       = "debug"
	flagLogFile     = "log-file"
	flagCachePath   = "cache-path"
	flagMemoryCache = "memory-cache"
	flagCacheTTL    = "cache-ttl"
	flagTimeout     = "timeout"
	flagMetricsAddr = "metrics-addr"

	flagRefresh     = "refresh"
	flagJSON        = "json"
	flagData        = "data"
	flagStream      = "stream"
	flagRegistryURL = "registry-url"
	flagMaxAttempts = "max-attempts"
	flagAdaptive    = "adaptive-timeout"
	flagWaitAll     = "wait-all"
	flagPrefer      = "prefer"
	flagRepeat      = "repeat"
	flagInterval    = "interval"
	flagStats       = "stats"
)

// session bundles what every command needs.
type session struct {
	cfg    *app.Config
	logger *slog.Logger
	app    *app.App
	out    io.Writer
}

// withSession builds config and logging from the flags, starts metrics when
// requested and hands an App to fn. Everything is torn down afterwards.
func withSession(c *cli.Context, configure func(*app.Config) error, fn func(ctx context.Context, s *session) error) (err error) {
	cfg := app.ConfigFromEnv()
	if c.IsSet(flagDebug) {
		cfg.Debug = c.Bool(flagDebug)
	}
	if c.IsSet(flagCachePath) {
		cfg.CachePath = c.String(flagCachePath)
	}
	if c.Bool(flagMemoryCache) {
		cfg.MemoryCache = true
	}
	if c.IsSet(flagCacheTTL) {
		cfg.CacheTTL = c.Duration(flagCacheTTL)
	}
	if c.IsSet(flagTimeout) {
		cfg.Timeout = c.Duration(flagTimeout)
	}
	if c.IsSet(flagMetricsAddr) {
		cfg.MetricsAddr = c.String(flagMetricsAddr)
	}
	if configure != nil {
		if err := configure(cfg); err != nil {
			return err
		}
	}

	logger := logging.NewConsoleLogger(c.App.ErrWriter, cfg.Debug)
	if c.Bool(flagLogFile) {
		if logger, err = logging.InitLogger("scout", cfg.Debug); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
	}

	if cfg.MetricsAddr != "" {
		stopMetrics, err := serveMetrics(cfg.MetricsAddr, logger)
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if stopErr := stopMetrics(ctx); stopErr != nil {
				logger.Warn("failed to stop metrics", slog.Any("error", stopErr))
			}
		}()
	}

	a, err := app.New(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			logger.Warn("failed to close", slog.Any("error", closeErr))
		}
	}()

	return fn(c.Context, &session{cfg: cfg, logger: logger, app: a, out: c.App.Writer})
}

func discoverCommand() *cli.Command {
	return &cli.Command{
		Name:      "discover",
		Aliases:   []string{"ls"},
		Usage:     "list services and methods via server reflection",
		ArgsUsage: "<endpoint>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: flagRefresh, Usage: "ignore cached results"},
			&cli.BoolFlag{Name: flagJSON, Usage: "print JSON"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return usageError(c)
			}
			ep := endpoint.NormalizeEndpoint(c.Args().First())

			return withSession(c, nil, func(ctx context.Context, s *session) error {
				discover := s.app.DiscoverServices
				if c.Bool(flagRefresh) {
					discover = s.app.RefreshServices
				}
				services, err := discover(ctx, ep)
				if err != nil {
					return err
				}
				if c.Bool(flagJSON) {
					return printJSON(s.out, services)
				}
				printServices(s.out, services)
				return nil
			})
		},
	}
}

func describeCommand() *cli.Command {
	return &cli.Command{
		Name:      "describe",
		Usage:     "show a method's request and response types",
		ArgsUsage: "<endpoint> <service/method>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return usageError(c)
			}
			ep := endpoint.NormalizeEndpoint(c.Args().Get(0))
			service, method, err := parseMethodArg(c.Args().Get(1))
			if err != nil {
				return err
			}

			return withSession(c, nil, func(ctx context.Context, s *session) error {
				m, err := s.app.DescribeMethod(ctx, ep, service, method)
				if err != nil {
					return err
				}
				return printJSON(s.out, struct {
					*domain.MethodDescriptor
					Path string `json:"path"`
					Type string `json:"type"`
				}{m, m.Path(), m.MethodType()})
			})
		},
	}
}

func invokeCommand() *cli.Command {
	return &cli.Command{
		Name:      "invoke",
		Aliases:   []string{"call"},
		Usage:     "call a method with a JSON request",
		ArgsUsage: "<endpoint> <service/method>",
		Flags: []cli.Flag{
			dataFlag(),
			&cli.BoolFlag{Name: flagStream, Usage: "call a server-streaming method and print every message"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return usageError(c)
			}
			ep := endpoint.NormalizeEndpoint(c.Args().Get(0))
			service, method, err := parseMethodArg(c.Args().Get(1))
			if err != nil {
				return err
			}
			data, err := readData(c.String(flagData), c.App.Reader)
			if err != nil {
				return err
			}

			return withSession(c, nil, func(ctx context.Context, s *session) error {
				if c.Bool(flagStream) {
					return streamTo(ctx, s, ep, service, method, data)
				}
				out, err := s.app.InvokeMethod(ctx, ep, service, method, data, 0)
				if err != nil {
					return describeError(err)
				}
				return printJSON(s.out, out)
			})
		},
	}
}

// streamTo prints every message of a server stream. The stream's messages
// are drained before its terminal error is read, so buffered messages are
// never lost to io.EOF.
func streamTo(ctx context.Context, s *session, ep domain.Endpoint, service, method string, data []byte) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	msgs, errs, err := s.app.StreamMethod(ctx, ep, service, method, data)
	if err != nil {
		return err
	}
	for msg := range msgs {
		if err := printJSON(s.out, msg); err != nil {
			return err
		}
	}
	err, ok := <-errs
	if !ok || errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		return nil
	}
	return describeError(err)
}

func raceCommand() *cli.Command {
	return &cli.Command{
		Name:      "race",
		Usage:     "call a method on several endpoints at once and keep the fastest answer",
		ArgsUsage: "<service/method> [endpoint...]",
		Flags: []cli.Flag{
			dataFlag(),
			&cli.StringFlag{Name: flagRegistryURL, Usage: "fetch candidate endpoints from a chain-registry style JSON document"},
			&cli.IntFlag{Name: flagMaxAttempts, Usage: "maximum candidates per race", EnvVars: []string{"SCOUT_MAX_ATTEMPTS"}},
			&cli.Float64Flag{Name: flagAdaptive, Usage: "margin over the fastest response before slower attempts are abandoned", EnvVars: []string{"SCOUT_ADAPTIVE_TIMEOUT"}},
			&cli.BoolFlag{Name: flagWaitAll, Usage: "let every attempt finish instead of cancelling slow ones"},
			&cli.StringSliceFlag{Name: flagPrefer, Usage: "rank endpoints containing SUBSTRING higher, as SUBSTRING=POINTS"},
			&cli.IntFlag{Name: flagRepeat, Value: 1, Usage: "number of races to run"},
			&cli.DurationFlag{Name: flagInterval, Value: time.Second, Usage: "pause between repeated races"},
			&cli.BoolFlag{Name: flagStats, Usage: "print endpoint stats and blacklist after racing"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return usageError(c)
			}
			service, method, err := parseMethodArg(c.Args().First())
			if err != nil {
				return err
			}
			data, err := readData(c.String(flagData), c.App.Reader)
			if err != nil {
				return err
			}
			raws := c.Args().Tail()

			configure := func(cfg *app.Config) error {
				if c.IsSet(flagMaxAttempts) {
					cfg.MaxAttempts = c.Int(flagMaxAttempts)
				}
				if c.IsSet(flagAdaptive) {
					cfg.AdaptiveTimeoutPercent = c.Float64(flagAdaptive)
				}
				cfg.WaitForAll = c.Bool(flagWaitAll)
				if c.IsSet(flagPrefer) {
					rules, err := app.ParseBonusRules(c.StringSlice(flagPrefer))
					if err != nil {
						return err
					}
					cfg.ProviderBonus = rules
				}
				return nil
			}

			return withSession(c, configure, func(ctx context.Context, s *session) error {
				if url := c.String(flagRegistryURL); url != "" {
					listed, err := endpoint.NewHTTPSource(url, s.logger).Endpoints(ctx)
					if err != nil {
						return err
					}
					for _, ep := range listed {
						raws = append(raws, ep.Address)
					}
				}
				if len(raws) == 0 {
					return fmt.Errorf("no endpoints given; pass them as arguments or use --%s", flagRegistryURL)
				}

				var lastErr error
				for round := 0; round < c.Int(flagRepeat); round++ {
					if round > 0 {
						select {
						case <-ctx.Done():
							return ctx.Err()
						case <-time.After(c.Duration(flagInterval)):
						}
					}
					res, err := s.app.RaceInvoke(ctx, raws, service, method, data, s.cfg.RaceOptions())
					lastErr = err
					if err != nil {
						fmt.Fprintf(c.App.ErrWriter, "race %d failed: %s\n", round+1, apperrors.Describe(err))
						continue
					}
					if err := printJSON(s.out, res); err != nil {
						return err
					}
				}

				if c.Bool(flagStats) {
					if err := printJSON(s.out, struct {
						Stats     map[string]domain.EndpointStats `json:"stats"`
						Blacklist []string                        `json:"blacklist"`
					}{s.app.Stats(), s.app.Blacklist()}); err != nil {
						return err
					}
				}
				return lastErr
			})
		},
	}
}

// usageError prints the command help and reports the expected arguments.
func usageError(c *cli.Context) error {
	_ = cli.ShowSubcommandHelp(c)
	return fmt.Errorf("%s expects %s", c.Command.Name, c.Command.ArgsUsage)
}

func dataFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    flagData,
		Aliases: []string{"d"},
		Value:   "{}",
		Usage:   "JSON request body; @file reads a file, - reads stdin",
	}
}

// parseMethodArg splits "pkg.Service/Method" or "pkg.Service.Method".
func parseMethodArg(arg string) (service, method string, err error) {
	arg = strings.TrimPrefix(arg, "/")
	sep := strings.LastIndex(arg, "/")
	if sep < 0 {
		sep = strings.LastIndex(arg, ".")
	}
	if sep <= 0 || sep == len(arg)-1 {
		return "", "", apperrors.ValidationError{Field: "method", Message: fmt.Sprintf("expected service/method, got %q", arg)}
	}
	return arg[:sep], arg[sep+1:], nil
}

// readData resolves the --data flag.
func readData(arg string, stdin io.Reader) ([]byte, error) {
	switch {
	case arg == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read request from stdin: %w", err)
		}
		return data, nil
	case strings.HasPrefix(arg, "@"):
		data, err := os.ReadFile(arg[1:])
		if err != nil {
			return nil, fmt.Errorf("read request file: %w", err)
		}
		return data, nil
	}
	return []byte(arg), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printServices(w io.Writer, services []domain.ServiceDescriptor) {
	for _, svc := range services {
		if svc.Error != "" {
			fmt.Fprintf(w, "%s  [unavailable: %s]\n", svc.FullName, svc.Error)
			continue
		}
		fmt.Fprintln(w, svc.FullName)
		for _, m := range svc.Methods {
			fmt.Fprintf(w, "  %s (%s) %s -> %s\n", m.Name, m.MethodType(), m.RequestTypeName, m.ResponseTypeName)
		}
	}
}

// describedError renders gRPC status details while keeping the error chain.
type describedError struct{ err error }

func (e describedError) Error() string { return apperrors.Describe(e.err) }
func (e describedError) Unwrap() error { return e.err }

func describeError(err error) error {
	return describedError{err: err}
}
