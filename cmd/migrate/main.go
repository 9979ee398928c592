package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"clubkit.org/internal/catalog"
	"clubkit.org/internal/config"
	"clubkit.org/internal/migrate"
	"clubkit.org/internal/obs"
	"clubkit.org/internal/store/mongo"
	"clubkit.org/internal/store/pg"
)

const usage = "usage: migrate [flags] up|down|pending|seed|status|catalog"

func main() {
	log := obs.Logger()
	var (
		dsn            = flag.String("dsn", os.Getenv("CLUBKIT_POSTGRES_DSN"), "PostgreSQL DSN")
		dir            = flag.String("dir", "", "Read SQL from this directory instead of the embedded set")
		migrationsPath = flag.String("migrations", pg.MigrationsDir, "Migrations directory, relative to the SQL root")
		seedsPath      = flag.String("seeds", pg.SeedsDir, "Seeds directory, relative to the SQL root")
		backend        = flag.String("backend", config.BackendPostgres, "catalog: target store (postgres|mongo)")
		mongoURI       = flag.String("mongo-uri", os.Getenv("CLUBKIT_MONGO_URI"), "catalog: MongoDB URI")
		mongoDB        = flag.String("mongo-db", envOr("CLUBKIT_MONGO_DATABASE", "clubkit"), "catalog: MongoDB database")
		redisURL       = flag.String("redis", os.Getenv("CLUBKIT_REDIS_URL"), "catalog: drop cached catalogs in this redis")
		catalogFile    = flag.String("file", os.Getenv("CLUBKIT_CATALOG_FILE"), "catalog: YAML/JSON catalog file to import")
	)
	flag.Parse()

	if len(flag.Args()) == 0 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	cmd := flag.Arg(0)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var (
		names []string
		err   error
	)
	if cmd == "catalog" {
		names, err = importCatalog(ctx, catalogTarget{
			file:     *catalogFile,
			backend:  *backend,
			dsn:      *dsn,
			mongoURI: *mongoURI,
			mongoDB:  *mongoDB,
			redisURL: *redisURL,
		})
	} else {
		if *dsn == "" {
			log.Fatal().Msg("missing DSN: provide via -dsn or CLUBKIT_POSTGRES_DSN")
		}
		var fsys fs.FS = pg.Files
		if *dir != "" {
			fsys = os.DirFS(*dir)
		}
		names, err = runSQL(ctx, cmd, *dsn, fsys, *migrationsPath, *seedsPath)
	}
	if err != nil {
		log.Fatal().Err(err).Str("command", cmd).Msg("migrate failed")
	}
	for _, name := range names {
		fmt.Println(name)
	}
}

func runSQL(ctx context.Context, cmd, dsn string, fsys fs.FS, migrationsDir, seedsDir string) ([]string, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	mgr := migrate.NewManager(db, fsys, migrationsDir, seedsDir)
	switch cmd {
	case "up":
		return mgr.Up(ctx)
	case "down":
		name, err := mgr.Down(ctx)
		if name == "" {
			return nil, err
		}
		return []string{name}, err
	case "pending":
		return mgr.Pending(ctx)
	case "seed":
		return mgr.Seed(ctx)
	case "status":
		return mgr.Status(ctx)
	default:
		return nil, fmt.Errorf("unknown command %q (%s)", cmd, usage)
	}
}

type catalogTarget struct {
	file, backend, dsn, mongoURI, mongoDB, redisURL string
}

// importCatalog loads the catalog file, writes it to the chosen store and drops
// stale redis entries so running API instances see the new catalog.
func importCatalog(ctx context.Context, t catalogTarget) ([]string, error) {
	if t.file == "" {
		return nil, errors.New("catalog: -file is required")
	}
	cats, err := catalog.LoadFile(t.file)
	if err != nil {
		return nil, err
	}

	var saver catalog.Saver
	switch t.backend {
	case config.BackendPostgres:
		if t.dsn == "" {
			return nil, errors.New("catalog: -dsn is required for postgres")
		}
		st, err := pg.Open(t.dsn)
		if err != nil {
			return nil, err
		}
		defer st.Close()
		saver = st
	case config.BackendMongo:
		if t.mongoURI == "" {
			return nil, errors.New("catalog: -mongo-uri is required for mongo")
		}
		st, err := mongo.Connect(ctx, t.mongoURI, t.mongoDB)
		if err != nil {
			return nil, err
		}
		defer func() { _ = st.Close(context.Background()) }()
		saver = st
	default:
		return nil, fmt.Errorf("catalog: unsupported backend %q", t.backend)
	}

	var cache catalog.Invalidator
	if t.redisURL != "" {
		client, err := catalog.Connect(ctx, t.redisURL)
		if err != nil {
			return nil, err
		}
		defer client.Close()
		cache = catalog.NewCache(client, cats, 0)
	}
	return catalog.Import(ctx, cats, saver, cache)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
