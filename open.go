package conduit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/x/mongo/driver/connstring"
	_ "modernc.org/sqlite"

	"github.com/petrijr/conduit/pkg/config"
)

// Open builds an Orchestrator from cfg, opening the storage backend named by
// cfg.Storage. The Orchestrator owns the connections it opened and releases
// them on Close. Options given here override cfg.
func Open(ctx context.Context, cfg config.Config, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b, closer, err := openBackend(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}

	all := append([]Option{WithConfig(cfg), func(o *options) { o.backend = b }}, opts...)
	orch, err := NewOrchestrator(ctx, all...)
	if err != nil {
		if closer != nil {
			_ = closer()
		}
		return nil, err
	}
	return orch, nil
}

func openBackend(ctx context.Context, sc config.StorageConfig) (backend, func() error, error) {
	switch sc.Driver {
	case "", config.DriverMemory:
		return memoryBackend(0), nil, nil

	case config.DriverSQLite:
		db, err := sql.Open("sqlite", sc.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		// SQLite serialises writers; one connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
		return sqliteBackend(db, db.Close), db.Close, nil

	case config.DriverPostgres:
		db, err := sql.Open("pgx", sc.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		return postgresBackend(db, db.Close), db.Close, nil

	case config.DriverRedis:
		ropts, err := redis.ParseURL(sc.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(ropts)
		return redisBackend(client, redisPrefix(sc.Prefix), client.Close), client.Close, nil

	case config.DriverMongo:
		cs, err := connstring.ParseAndValidate(sc.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("parse mongo uri: %w", err)
		}
		client, err := mongo.Connect(ctx, mongooptions.Client().ApplyURI(sc.DSN))
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongo: %w", err)
		}
		disconnect := func() error { return client.Disconnect(context.Background()) }
		dbName := cs.Database
		if dbName == "" {
			dbName = sc.Prefix
		}
		return mongoBackend(client, dbName, disconnect), disconnect, nil
	}
	return nil, nil, fmt.Errorf("conduit: unknown storage driver %q", sc.Driver)
}

// redisPrefix turns the configured prefix into a key namespace.
func redisPrefix(p string) string {
	if p == "" || strings.HasSuffix(p, ":") {
		return p
	}
	return p + ":"
}
