package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"

	"attendly.org/internal/auth"
	"attendly.org/internal/config"
	"attendly.org/internal/migrate"
	"attendly.org/internal/store/pg"
	"attendly.org/internal/token"
	migrations "attendly.org/ops/migrations"
)

func main() {
	log.SetFlags(0)
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatalf("load .env: %v", err)
	}
	var (
		dsn            = flag.String("dsn", os.Getenv("ATTENDLY_PG_DSN"), "PostgreSQL DSN")
		migrationsPath = flag.String("migrations", os.Getenv("ATTENDLY_MIGRATIONS_DIR"), "Path to SQL migrations (embedded set when empty)")
		seedsPath      = flag.String("seeds", os.Getenv("ATTENDLY_SEEDS_DIR"), "Path to SQL seeds (embedded set when empty)")
		username       = flag.String("username", "admin", "create-admin: username")
		email          = flag.String("email", "admin@example.com", "create-admin: email")
		fullName       = flag.String("full-name", "Admin", "create-admin: display name")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or ATTENDLY_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|seed|status|create-admin]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	migFS, err := source(*migrationsPath, migrations.SQL, "sql")
	if err != nil {
		log.Fatalf("migrations: %v", err)
	}
	seedFS, err := source(*seedsPath, migrations.Seeds, "seeds")
	if err != nil {
		log.Fatalf("seeds: %v", err)
	}
	mgr := migrate.NewManager(db, migFS, seedFS)

	switch flag.Arg(0) {
	case "up":
		var applied []string
		applied, err = mgr.Up(ctx)
		report("applied", applied)
	case "down":
		var name string
		name, err = mgr.Down(ctx)
		if err == nil {
			fmt.Println("rolled back", name)
		}
	case "seed":
		var applied []string
		applied, err = mgr.Seed(ctx)
		report("seeded", applied)
	case "status":
		var entries []migrate.Entry
		entries, err = mgr.Status(ctx)
		for _, e := range entries {
			if e.Applied {
				fmt.Printf("%s\tapplied %s\n", e.Name, e.AppliedAt.UTC().Format(time.RFC3339))
			} else {
				fmt.Printf("%s\tpending\n", e.Name)
			}
		}
	case "create-admin":
		err = createAdmin(ctx, db, *username, *email, *fullName, os.Getenv("ATTENDLY_ADMIN_PASSWORD"))
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}

// source prefers an on-disk directory and falls back to the embedded tree.
func source(dir string, embedded fs.FS, sub string) (fs.FS, error) {
	if dir != "" {
		return os.DirFS(dir), nil
	}
	return fs.Sub(embedded, sub)
}

func report(verb string, names []string) {
	if len(names) == 0 {
		fmt.Println("nothing to do")
		return
	}
	for _, n := range names {
		fmt.Println(verb, n)
	}
}

func createAdmin(ctx context.Context, db *sql.DB, username, email, fullName, password string) error {
	if password == "" {
		return errors.New("ATTENDLY_ADMIN_PASSWORD is required")
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	codec, err := token.FromConfig(cfg)
	if err != nil {
		return err
	}
	svc, err := auth.NewService(pg.New(db), codec)
	if err != nil {
		return err
	}
	u, err := svc.Register(ctx, auth.Registration{
		Username: username,
		Email:    email,
		Password: password,
		FullName: &fullName,
		IsAdmin:  true,
	})
	if errors.Is(err, auth.ErrAlreadyExists) {
		fmt.Println("admin already exists:", username)
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Println("created admin", u.Username, u.ID)
	return nil
}
