package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/lalithlochan/outreach/internal/config"
	"github.com/lalithlochan/outreach/internal/observ"
	"github.com/lalithlochan/outreach/migrations"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// gooseLogger routes goose output through zap.
type gooseLogger struct {
	*zap.SugaredLogger
}

func (l gooseLogger) Printf(format string, v ...interface{}) {
	l.Infof(strings.TrimSuffix(format, "\n"), v...)
}

// run applies the embedded migrations. The first argument is a goose command
// (up, down, status, version, redo, reset, up-to, down-to); it defaults to up.
func run(args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel, "migrator")
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	command := "up"
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}

	conn, err := sql.Open("pgx", cfg.Database("outreach-migrator").DSN())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(gooseLogger{logger.Sugar()})
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	start := time.Now()
	if err := goose.RunContext(ctx, command, conn, ".", args...); err != nil {
		return fmt.Errorf("goose %s: %w", command, err)
	}

	logger.Info("migrations complete",
		zap.String("command", command),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}
