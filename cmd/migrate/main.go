package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/carevista/clinic-scheduling/internal/db"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal("POSTGRES_DSN is required")
	}
	dir := os.Getenv("MIGRATIONS_DIR")
	if dir == "" {
		dir = "migrations"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	n, err := db.NewMigrator(pool, dir).Up(ctx)
	if err != nil {
		log.Fatalf("migrate: %v", err)
	}
	log.Printf("applied %d migration(s)", n)
}
