// Command migrate manages the relay's sqlite schema from the command
// line. The worker applies pending migrations on startup by itself;
// this tool exists for rollbacks and inspection.
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/Ruankm/autopromo/migrations"
)

var commands = map[string]func(*sql.DB, string, ...goose.OptionsFunc) error{
	"up":      goose.Up,
	"up-one":  goose.UpByOne,
	"down":    goose.Down,
	"status":  goose.Status,
	"version": goose.Version,
	"reset":   goose.Reset,
}

func main() {
	dbPath := flag.String("db", envOr("DATABASE_PATH", "./data/autopromo.db"), "sqlite database to migrate")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() != 1 {
		usage()
		os.Exit(1)
	}
	name := flag.Arg(0)
	run, ok := commands[name]
	if !ok {
		log.Fatalf("unknown command %q", name)
	}

	db, err := sql.Open("sqlite", *dbPath)
	if err != nil {
		log.Fatalf("open %s: %v", *dbPath, err)
	}
	defer func() { _ = db.Close() }()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		log.Fatalf("configure goose: %v", err)
	}
	if err := run(db, "."); err != nil {
		log.Fatalf("%s: %v", name, err)
	}
}

func usage() {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintf(os.Stderr, "usage: migrate [-db path] <command>\ncommands: %v\n", names)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
