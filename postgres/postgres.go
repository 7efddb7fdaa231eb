package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bxcodec/dbresolver/v2"
	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/novair/lib-eventflow/log"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

var (
	// Seams for unit tests: sql.Open and dbresolver construction cannot be
	// exercised without a live server otherwise.
	openFn = sql.Open

	newResolverFn = func(primary, replica *sql.DB) (_ dbresolver.DB, err error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				err = fmt.Errorf("create resolver: %v", recovered)
			}
		}()

		resolver := dbresolver.New(
			dbresolver.WithPrimaryDBs(primary),
			dbresolver.WithReplicaDBs(replica),
			dbresolver.WithLoadBalancer(dbresolver.RoundRobinLB),
		)

		if resolver == nil {
			return nil, errors.New("resolver returned nil connection")
		}

		return resolver, nil
	}

	migrateFn = applyMigrations

	credentialsPattern = regexp.MustCompile(`://[^@\s]+@`)
	passwordPattern    = regexp.MustCompile(`(?i)(password=)([^\s&]+)`)
	dbNamePattern      = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)
)

// Connection manages a primary/replica PostgreSQL pair behind a
// read/write-splitting resolver. Writes go to the primary, reads are
// load-balanced across replicas. Migrations run against the primary on
// connect.
type Connection struct {
	PrimaryDSN     string
	ReplicaDSN     string
	DatabaseName   string
	MigrationsPath string
	MaxOpenConns   int
	MaxIdleConns   int
	Logger         log.Logger

	mu        sync.RWMutex
	resolver  dbresolver.DB
	connected bool
}

func (c *Connection) initDefaults() {
	if c.Logger == nil {
		c.Logger = log.NewNop()
	}

	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = defaultMaxOpenConns
	}

	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = defaultMaxIdleConns
	}
}

// Connect opens the primary and replica pools, runs pending migrations on
// the primary, and pings through the resolver. An existing connection is
// closed and replaced.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connectLocked(ctx)
}

func (c *Connection) connectLocked(ctx context.Context) error {
	c.initDefaults()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context done before connect: %w", err)
	}

	if c.resolver != nil {
		if err := c.closeLocked(); err != nil {
			c.Logger.Log(ctx, log.LevelWarn, "failed to close previous connection before reconnect",
				log.Err(err))
		}
	}

	primary, err := openFn("pgx", c.PrimaryDSN)
	if err != nil {
		sanitized := sanitizeDSNError(err)
		c.Logger.Log(ctx, log.LevelError, "failed to open primary database", log.String("error", sanitized))

		return fmt.Errorf("open primary database: %s", sanitized)
	}

	var success bool

	defer func() {
		if !success {
			primary.Close()
		}
	}()

	c.tunePool(primary)

	replicaDSN := c.ReplicaDSN
	if replicaDSN == "" {
		replicaDSN = c.PrimaryDSN
	}

	replica, err := openFn("pgx", replicaDSN)
	if err != nil {
		sanitized := sanitizeDSNError(err)
		c.Logger.Log(ctx, log.LevelError, "failed to open replica database", log.String("error", sanitized))

		return fmt.Errorf("open replica database: %s", sanitized)
	}

	defer func() {
		if !success {
			replica.Close()
		}
	}()

	c.tunePool(replica)

	resolver, err := newResolverFn(primary, replica)
	if err != nil {
		c.Logger.Log(ctx, log.LevelError, "failed to create resolver", log.Err(err))

		return fmt.Errorf("create resolver: %w", err)
	}

	if c.MigrationsPath != "" {
		path, err := sanitizePath(c.MigrationsPath)
		if err != nil {
			return err
		}

		if err := migrateFn(ctx, primary, path, c.DatabaseName, c.Logger); err != nil {
			return err
		}
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context done before ping: %w", err)
	}

	if err := resolver.PingContext(ctx); err != nil {
		c.Logger.Log(ctx, log.LevelError, "failed to ping database", log.Err(err))

		return fmt.Errorf("ping database: %w", err)
	}

	c.resolver = resolver
	c.connected = true

	c.Logger.Log(ctx, log.LevelInfo, "connected to postgres",
		log.String("database", c.DatabaseName))

	success = true

	return nil
}

func (c *Connection) tunePool(db *sql.DB) {
	db.SetMaxOpenConns(c.MaxOpenConns)
	db.SetMaxIdleConns(c.MaxIdleConns)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultConnMaxIdleTime)
}

// Resolver returns the read/write-splitting handle, connecting lazily on
// first use.
func (c *Connection) Resolver(ctx context.Context) (dbresolver.DB, error) {
	c.mu.RLock()

	if c.resolver != nil {
		db := c.resolver
		c.mu.RUnlock()

		return db, nil
	}

	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.resolver != nil {
		return c.resolver, nil
	}

	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}

	return c.resolver, nil
}

// Close releases both connection pools.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closeLocked()
}

func (c *Connection) closeLocked() error {
	if c.resolver == nil {
		return nil
	}

	err := c.resolver.Close()
	c.resolver = nil
	c.connected = false

	return err
}

// IsConnected reports whether the resolver is initialized.
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.connected
}

func sanitizeDSNError(err error) string {
	if err == nil {
		return ""
	}

	sanitized := credentialsPattern.ReplaceAllString(err.Error(), "://***@")
	sanitized = passwordPattern.ReplaceAllString(sanitized, "${1}***")

	return sanitized
}

func sanitizePath(path string) (string, error) {
	cleaned := filepath.Clean(path)

	for _, part := range strings.Split(cleaned, string(filepath.Separator)) {
		if part == ".." {
			return "", fmt.Errorf("invalid migrations path: %q", path)
		}
	}

	abs, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve migrations path: %w", err)
	}

	return abs, nil
}

func validateDBName(name string) error {
	if !dbNamePattern.MatchString(name) {
		return fmt.Errorf("invalid database name: %q", name)
	}

	return nil
}

func applyMigrations(ctx context.Context, primary *sql.DB, migrationsPath, dbName string, logger log.Logger) error {
	if err := validateDBName(dbName); err != nil {
		return err
	}

	sourceURL, err := url.Parse(filepath.ToSlash(migrationsPath))
	if err != nil {
		return fmt.Errorf("parse migrations url: %w", err)
	}

	sourceURL.Scheme = "file"

	driver, err := migratepg.WithInstance(primary, &migratepg.Config{
		DatabaseName: dbName,
		SchemaName:   "public",
	})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(sourceURL.String(), dbName, driver)
	if err != nil {
		return fmt.Errorf("create migration instance: %w", err)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Log(ctx, log.LevelInfo, "no new migrations found")

			return nil
		}

		if errors.Is(err, os.ErrNotExist) {
			logger.Log(ctx, log.LevelWarn, "no migration files found, skipping",
				log.String("path", migrationsPath))

			return nil
		}

		var dirty migrate.ErrDirty
		if errors.As(err, &dirty) {
			return fmt.Errorf("migration failed: dirty database version %d", dirty.Version)
		}

		return fmt.Errorf("migration failed: %w", err)
	}

	logger.Log(ctx, log.LevelInfo, "migrations applied")

	return nil
}
