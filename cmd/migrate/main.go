package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"strings"

	flag "github.com/spf13/pflag"
	_ "modernc.org/sqlite"

	"feedgrab/migrations"
)

func main() {
	dbPath := flag.StringP("db", "d", envOrDefault("FEEDGRAB_DATABASE_PATH", "./data/state.db"), "path to the state database")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: migrate [-d path] <command>")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Commands: "+strings.Join(migrations.Commands, ", "))
		os.Exit(1)
	}

	db, err := sql.Open("sqlite", *dbPath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	if err := migrations.Exec(db, args[0]); err != nil {
		log.Fatalf("migrate: %v", err)
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
