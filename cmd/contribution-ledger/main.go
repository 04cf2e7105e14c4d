// Command contribution-ledger runs the contribution ledger service and its
// operator subcommands.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aimd54/contribution-ledger/internal/config"
	"github.com/aimd54/contribution-ledger/internal/repository"
	"github.com/aimd54/contribution-ledger/pkg/logger"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

const usage = `Usage: contribution-ledger [-config path] <command> [args]

Commands:
  serve            run the HTTP API, webhooks and longevity sweeper (default)
  migrate up       apply pending database migrations
  migrate down N   roll back N migrations
  sweep            run one longevity sweep and exit
  verify           replay every agent's audit trail and report drift
  policy           print the effective reputation policy as YAML
`

func main() {
	os.Exit(run0())
}

func run0() int {
	flags := flag.NewFlagSet("contribution-ledger", flag.ContinueOnError)
	configPath := flags.String("config", "", "Path to config YAML file")
	flags.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	if err := flags.Parse(os.Args[1:]); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
	log := logger.Get()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	command := "serve"
	args := flags.Args()
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}

	switch command {
	case "serve":
		err = serve(ctx, cfg, log)
	case "migrate":
		err = migrateCommand(cfg, args, log)
	case "sweep":
		err = sweepCommand(ctx, cfg, log)
	case "verify":
		err = verifyCommand(ctx, cfg, log)
	case "policy":
		err = policyCommand(cfg)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", command, usage)
		return 2
	}

	if err != nil {
		log.Error().Err(err).Str("command", command).Msg("Command failed")
		return 1
	}
	return 0
}

func migrateCommand(cfg *config.Config, args []string, log *logger.Logger) error {
	direction := "up"
	if len(args) > 0 {
		direction = args[0]
	}

	switch direction {
	case "up":
		return repository.RunMigrations(&cfg.Database.Postgres, log)
	case "down":
		if len(args) < 2 {
			return errors.New("migrate down requires a step count")
		}
		steps, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid step count %q: %w", args[1], err)
		}
		return repository.RollbackMigrations(&cfg.Database.Postgres, steps, log)
	default:
		return fmt.Errorf("unknown migrate direction %q", direction)
	}
}

func sweepCommand(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	app, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer app.Close()

	summary, err := app.sweeper.RunOnce(ctx)
	if err != nil {
		return err
	}
	return yaml.NewEncoder(os.Stdout).Encode(summary)
}

func verifyCommand(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	app, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer app.Close()

	drifted, err := app.engine.VerifyAll(ctx)
	if err != nil {
		return err
	}
	if len(drifted) == 0 {
		log.Info().Msg("Every audit trail replays to its stored ELO")
		return nil
	}

	if err := yaml.NewEncoder(os.Stdout).Encode(drifted); err != nil {
		return err
	}
	return fmt.Errorf("%d agents drifted from their audit trail", len(drifted))
}

// policyDocument is the YAML rendering of the effective policy.
type policyDocument struct {
	InitialElo        int           `yaml:"initial_elo"`
	Floor             int           `yaml:"floor"`
	HighEloThreshold  int           `yaml:"high_elo_threshold"`
	ReviewRateLimit   int           `yaml:"review_rate_limit"`
	ReviewRateWindow  string        `yaml:"review_rate_window"`
	ReplacementWindow string        `yaml:"replacement_window"`
	LongevityAfter    string        `yaml:"longevity_threshold"`
	Deltas            []policyDelta `yaml:"deltas"`
}

type policyDelta struct {
	EventType string `yaml:"event_type"`
	Delta     int    `yaml:"delta"`
}

func policyCommand(cfg *config.Config) error {
	policy, err := newPolicy(cfg)
	if err != nil {
		return err
	}

	doc := policyDocument{
		InitialElo:        policy.InitialElo,
		Floor:             policy.Floor,
		HighEloThreshold:  policy.HighEloThreshold,
		ReviewRateLimit:   policy.ReviewRateLimit,
		ReviewRateWindow:  policy.ReviewRateWindow.String(),
		ReplacementWindow: cfg.Reputation.ReplacementWindow.String(),
		LongevityAfter:    cfg.Sweeper.LongevityThreshold.String(),
	}
	for _, entry := range policy.Table() {
		doc.Deltas = append(doc.Deltas, policyDelta{EventType: entry.EventType, Delta: entry.Delta})
	}

	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(doc)
}

func shutdownTimeout(cfg *config.Config) time.Duration {
	if cfg.Server.WriteTimeout > 0 {
		return 2 * cfg.Server.WriteTimeout
	}
	return 30 * time.Second
}
