package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"steriltrace.org/internal/config"
	"steriltrace.org/internal/migrate"
	"steriltrace.org/internal/obs"
)

func main() {
	log := obs.Logger()
	defer func() { _ = log.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("load config", zap.Error(err))
	}
	var (
		dsn     = flag.String("dsn", cfg.Postgres.DSN, "PostgreSQL DSN")
		dir     = flag.String("dir", "", "Directory holding migrations/ and seeds/ (default: embedded files)")
		timeout = flag.Duration("timeout", 30*time.Second, "Overall timeout")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or STERIL_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		fmt.Fprintln(os.Stderr, "usage: migrate [-dsn DSN] [-dir DIR] up|down|seed|status")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatal("open db", zap.Error(err))
	}
	defer db.Close()

	mgr := migrate.NewEmbedded(db)
	if *dir != "" {
		mgr = migrate.NewManager(db, os.DirFS(*dir), "migrations", "seeds")
	}

	cmd := flag.Arg(0)
	switch cmd {
	case "up", "seed":
		apply := mgr.Up
		if cmd == "seed" {
			apply = mgr.Seed
		}
		ran, err := apply(ctx)
		for _, name := range ran {
			log.Info("script applied", zap.String("command", cmd), zap.String("script", name))
		}
		if err != nil {
			log.Fatal("migrate failed", zap.String("command", cmd), zap.Int("applied", len(ran)), zap.Error(err))
		}
		if len(ran) == 0 {
			log.Info("schema already current", zap.String("command", cmd))
		}
	case "down":
		name, err := mgr.Down(ctx)
		if err != nil {
			log.Fatal("migrate failed", zap.String("command", cmd), zap.Error(err))
		}
		log.Info("migration reverted", zap.String("script", name))
	case "status":
		entries, err := mgr.Status(ctx)
		if err != nil {
			log.Fatal("migrate failed", zap.String("command", cmd), zap.Error(err))
		}
		pending := 0
		for _, e := range entries {
			fmt.Println(e)
			if e.AppliedAt == nil {
				pending++
			}
		}
		log.Info("schema status", zap.Int("scripts", len(entries)), zap.Int("pending", pending))
	default:
		log.Fatal("unknown command", zap.String("command", cmd))
	}
}
