package main

import (
	"context"
	"flag"
	"log"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/NordCoder/Herald/internal/config"
	"github.com/NordCoder/Herald/internal/obs"
)

func main() {
	dir := flag.String("dir", "migrations", "directory with goose migrations")
	cmd := flag.String("cmd", "up", "goose command: up, down, status, redo, version")
	flag.Parse()

	// db.dsn comes from the yaml at CONFIG_PATH or from DB_DSN
	v := config.New(config.Path(""), "migrator")
	var cfg config.Common
	if err := config.Finish(v, &cfg); err != nil {
		log.Fatalf("config: %v", err)
	}
	l, err := obs.NewLogger(cfg.AsLoggerConfig())
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = l.Sync() }()
	l = l.With(zap.String("cmd", *cmd), zap.String("dir", *dir))

	if err := goose.SetDialect("postgres"); err != nil {
		l.Fatal("set dialect", zap.Error(err))
	}
	db, err := goose.OpenDBWithDriver("pgx", cfg.DB.DSN)
	if err != nil {
		l.Fatal("open db", zap.Error(err))
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := goose.RunContext(ctx, *cmd, db, *dir, flag.Args()...); err != nil {
		l.Fatal("migrate", zap.Error(err))
	}
	l.Info("migrations ok")
}
