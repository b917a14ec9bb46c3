package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spbu-ds-practicum-2025/card-fraud-service/internal/config"
	"github.com/spbu-ds-practicum-2025/card-fraud-service/internal/db"
	"github.com/spbu-ds-practicum-2025/card-fraud-service/internal/domain"
	"github.com/spbu-ds-practicum-2025/card-fraud-service/internal/geo"
	"github.com/spbu-ds-practicum-2025/card-fraud-service/internal/logging"
	"github.com/spbu-ds-practicum-2025/card-fraud-service/internal/profiles"
	chrepo "github.com/spbu-ds-practicum-2025/card-fraud-service/internal/repository/clickhouse"
	"github.com/spbu-ds-practicum-2025/card-fraud-service/internal/repository/memory"
	pgrepo "github.com/spbu-ds-practicum-2025/card-fraud-service/internal/repository/postgres"
	sqliterepo "github.com/spbu-ds-practicum-2025/card-fraud-service/internal/repository/sqlite"
)

// app holds the store handles shared by all commands.
// Handles are opened once and closed by Close.
type app struct {
	cfg    *config.Config
	logger *logrus.Logger

	cards      domain.CardRepository
	ledger     domain.Ledger
	transactor profiles.Transactor // nil unless the card store is PostgreSQL

	pool     *db.Pool
	sqliteDB *sql.DB
	closers  []func() error
}

// newApp loads configuration and opens the configured stores
func newApp(ctx context.Context) (*app, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger}
	if err := a.openStores(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) openStores(ctx context.Context) error {
	switch a.cfg.CardStore {
	case "postgres":
		pool, err := a.postgres(ctx)
		if err != nil {
			return err
		}
		a.cards = pgrepo.NewCardRepository(pool.Pool)
		a.transactor = pgrepo.NewTransactionManager(pool.Pool)
	case "sqlite":
		conn, err := a.sqlite(ctx)
		if err != nil {
			return err
		}
		a.cards = sqliterepo.NewCardRepository(conn)
	default:
		a.cards = memory.NewCardRepository()
	}

	switch a.cfg.LedgerStore {
	case "clickhouse":
		client, err := db.NewClickHouseClient(ctx, a.cfg.ClickHouse)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, client.Close)
		if err := client.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("failed to create ClickHouse schema: %w", err)
		}
		a.ledger = chrepo.NewLedger(client)
	case "postgres":
		pool, err := a.postgres(ctx)
		if err != nil {
			return err
		}
		a.ledger = pgrepo.NewLedger(pool.Pool)
	case "sqlite":
		conn, err := a.sqlite(ctx)
		if err != nil {
			return err
		}
		a.ledger = sqliterepo.NewLedger(conn)
	default:
		a.ledger = memory.NewLedger()
	}

	a.logger.WithFields(logrus.Fields{
		"card_store":   a.cfg.CardStore,
		"ledger_store": a.cfg.LedgerStore,
	}).Info("stores opened")
	return nil
}

// postgres opens the pool on first use and applies migrations
func (a *app) postgres(ctx context.Context) (*db.Pool, error) {
	if a.pool != nil {
		return a.pool, nil
	}
	pool, err := db.NewPool(ctx, a.cfg.Postgres)
	if err != nil {
		return nil, err
	}
	a.pool = pool
	a.closers = append(a.closers, func() error { pool.Close(); return nil })

	if err := pool.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to migrate PostgreSQL: %w", err)
	}
	return pool, nil
}

func (a *app) sqlite(ctx context.Context) (*sql.DB, error) {
	if a.sqliteDB != nil {
		return a.sqliteDB, nil
	}
	conn, err := db.OpenSQLite(ctx, a.cfg.SQLite.Path)
	if err != nil {
		return nil, err
	}
	a.sqliteDB = conn
	a.closers = append(a.closers, conn.Close)
	return conn, nil
}

// distances loads the postcode directory, behind Redis when configured
func (a *app) distances() (domain.DistanceProvider, error) {
	dir, err := geo.LoadDirectory(a.cfg.Distance.PostcodeCSV)
	if err != nil {
		return nil, err
	}
	a.logger.WithFields(logrus.Fields{
		"path":      a.cfg.Distance.PostcodeCSV,
		"postcodes": dir.Len(),
	}).Info("postcode directory loaded")

	if len(a.cfg.Redis.Addrs) == 0 {
		return dir, nil
	}

	client := geo.NewRedisClient(a.cfg.Redis.Addrs, a.cfg.Redis.Password)
	a.closers = append(a.closers, client.Close)
	a.logger.WithField("addrs", a.cfg.Redis.Addrs).Info("distance cache enabled")
	return geo.NewCachedProvider(dir, client, a.cfg.Redis.TTL, a.logger), nil
}

// pipeline builds the classification pipeline. publisher may be nil.
func (a *app) pipeline(publisher domain.EventPublisher) (*domain.Pipeline, error) {
	distances, err := a.distances()
	if err != nil {
		return nil, err
	}
	loc, err := a.cfg.Pipeline.Location()
	if err != nil {
		return nil, err
	}

	classifier := domain.NewClassifier(
		domain.NewVelocityCalculator(distances),
		domain.Thresholds{
			MinScore:    a.cfg.Pipeline.MinScore,
			MaxKmPerSec: a.cfg.Pipeline.MaxKmPerSec,
		},
	)

	return domain.NewPipeline(a.cards, a.ledger, classifier, a.logger, domain.PipelineOptions{
		StoreTimeout: a.cfg.Pipeline.StoreTimeout,
		Retry: domain.RetryPolicy{
			InitialInterval: a.cfg.Pipeline.RetryInitial,
			MaxElapsedTime:  a.cfg.Pipeline.RetryMaxElapsed,
		},
		StateWriteMode: domain.StateWriteMode(a.cfg.Pipeline.StateWriteMode),
		Location:       loc,
		Publisher:      publisher,
	}), nil
}

// Close releases the store handles in reverse order of opening
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
