// Command migrate runs database migrations via goose.
//
// Usage:
//
//	go run ./cmd/migrate up          # Apply all pending migrations
//	go run ./cmd/migrate down        # Roll back the last migration
//	go run ./cmd/migrate status      # Show migration status
//	go run ./cmd/migrate version     # Show current schema version
//	go run ./cmd/migrate redo        # Roll back and re-apply last migration
//
// DATABASE_URL selects PostgreSQL; otherwise SQLITE_PATH selects SQLite.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log"
	"os"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/mbd888/creditscore/migrations"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <command>")
		fmt.Println("Commands: up, down, status, version, redo, up-to <version>, down-to <version>")
		os.Exit(1)
	}

	driver, dialect, dsn, fsys := target()

	db, err := sql.Open(driver, dsn)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	if err := goose.SetDialect(dialect); err != nil {
		log.Fatalf("Unsupported dialect: %v", err)
	}
	goose.SetBaseFS(fsys)

	command := os.Args[1]
	args := os.Args[2:]

	if err := goose.RunContext(context.Background(), command, db, ".", args...); err != nil {
		log.Fatalf("Migration %s failed: %v", command, err)
	}
}

// target picks the database from the environment.
func target() (driver, dialect, dsn string, fsys fs.FS) {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return "postgres", "postgres", url, migrations.Postgres()
	}
	if path := os.Getenv("SQLITE_PATH"); path != "" {
		return "sqlite", "sqlite3", path, migrations.SQLite()
	}
	log.Fatal("DATABASE_URL or SQLITE_PATH environment variable is required")
	return "", "", "", nil
}
