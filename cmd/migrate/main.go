package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/seanankenbruck/semantic-bi/internal/config"
	"github.com/seanankenbruck/semantic-bi/internal/database"
)

func main() {
	steps := flag.Int("steps", 0, "migrate up (positive) or down (negative) by n steps; 0 applies every pending migration")
	dsn := flag.String("dsn", "", "catalog connection string (default CATALOG_DSN)")
	flag.Parse()

	cfg := config.NewDefaultLoader().MustLoad(context.Background())
	if *dsn == "" {
		*dsn = cfg.Catalog.DSN
	}
	if *dsn == "" {
		log.Fatal("No catalog configured: set CATALOG_DSN or pass -dsn")
	}

	fmt.Println("=== Running Catalog Migrations ===")

	status, err := database.RunMigrations(database.MigrationConfig{
		DatabaseURL: *dsn,
		Steps:       *steps,
	})
	if err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	if status.Dirty {
		log.Fatalf("Catalog schema is dirty at version %d; fix it and force the version", status.Version)
	}

	fmt.Printf("✓ Catalog schema at version %d\n", status.Version)
}
