// Package bootstrap assembles the report engine from configuration.
package bootstrap

import (
	"context"
	"fmt"

	"accounting-reports/internal/app"
	"accounting-reports/internal/config"
	"accounting-reports/internal/core"
	"accounting-reports/internal/db"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Runtime is an assembled engine with its ledger store.
type Runtime struct {
	Engine  *core.ReportEngine
	Service app.ApplicationService
	// Pool is nil when the ledger comes from a fixture file.
	Pool *pgxpool.Pool
}

// Close releases the database pool, if any.
func (r *Runtime) Close() {
	if r.Pool != nil {
		r.Pool.Close()
	}
}

// Open loads the report catalog and connects the ledger store: the fixture
// file when cfg.Reports.Fixture is set, PostgreSQL otherwise.
func Open(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	log := zerolog.Ctx(ctx)

	catalog, err := core.LoadCatalog(cfg.Reports.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load reports from %s: %w", cfg.Reports.Dir, err)
	}
	log.Info().Str("dir", cfg.Reports.Dir).Int("reports", len(catalog.Reports())).Msg("report catalog loaded")

	rt := &Runtime{}
	var store core.LedgerStore
	if cfg.Reports.Fixture != "" {
		mem, err := core.LoadMemoryStore(cfg.Reports.Fixture)
		if err != nil {
			return nil, err
		}
		log.Info().Str("fixture", cfg.Reports.Fixture).Msg("serving ledger from fixture")
		store = mem
	} else {
		pool, err := db.NewPool(ctx, cfg.Database.URL)
		if err != nil {
			return nil, err
		}
		rt.Pool = pool
		store = core.NewPostgresStore(pool)
	}

	rt.Engine = core.NewReportEngine(catalog, store, core.EngineConfig{})
	rt.Service = app.NewAppService(rt.Engine)
	return rt, nil
}
