// Command migrate applies or rolls back the relay schema.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/coachpo/relay/internal/infra/config"
	"github.com/coachpo/relay/internal/infra/persistence/migrations"
)

const defaultTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		dsn     = flag.String("database", "", fmt.Sprintf("PostgreSQL DSN (falls back to $%s)", config.DatabaseDSNEnv))
		dir     = flag.String("path", migrations.EmbeddedSource, "Directory containing SQL migrations, or \"embedded\"")
		timeout = flag.Duration("timeout", defaultTimeout, "Maximum time to wait for database connectivity")
		quiet   = flag.Bool("quiet", false, "Suppress informational logs")
	)
	flag.Parse()

	target := strings.TrimSpace(*dsn)
	if target == "" {
		target = strings.TrimSpace(os.Getenv(config.DatabaseDSNEnv))
	}
	if target == "" {
		return fmt.Errorf("-database flag or %s is required", config.DatabaseDSNEnv)
	}

	args := flag.Args()
	if len(args) == 0 {
		return errors.New("command required (up|down)")
	}

	logger := zap.NewNop()
	if !*quiet {
		built, err := zap.NewDevelopment()
		if err != nil {
			return fmt.Errorf("build logger: %w", err)
		}
		logger = built.Named("migrate")
		defer func() { _ = logger.Sync() }()
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch args[0] {
	case "up":
		if err := migrations.Apply(ctx, target, *dir, logger); err != nil {
			return err
		}
	case "down":
		steps := 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid down steps %q: %w", args[1], err)
			}
			steps = n
		}
		if err := migrations.Rollback(ctx, target, *dir, steps, logger); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown command %q (expected up or down)", args[0])
	}

	return nil
}
