// Command restore-seed migrates DATABASE_URL and replaces its ledger with a
// YAML fixture.
package main

import (
	"context"
	"flag"
	"os"

	"accounting-reports/internal/config"
	"accounting-reports/internal/core"
	"accounting-reports/internal/db"
	"accounting-reports/migrations"

	"github.com/rs/zerolog/log"
)

func main() {
	fixturePath := flag.String("fixture", "reports/fixtures/demo_ledger.yaml", "ledger fixture to load")
	flag.Parse()

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	logger, err := cfg.Logging.NewLogger()
	if err != nil {
		log.Fatal().Err(err).Msg("logger")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Database.URL)
	if err != nil {
		logger.Fatal().Err(err).Msg("database")
	}
	defer pool.Close()

	applied, err := db.Migrate(ctx, pool, migrations.FS)
	if err != nil {
		logger.Fatal().Err(err).Msg("migrate")
	}
	logger.Info().Strs("applied", applied).Msg("schema up to date")

	fixture, err := core.ReadLedgerFixture(*fixturePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("fixture")
	}
	if err := core.NewPostgresStore(pool).LoadFixture(ctx, fixture); err != nil {
		logger.Fatal().Err(err).Msg("restore")
	}
	logger.Info().
		Int("companies", len(fixture.Companies)).
		Int("accounts", len(fixture.Accounts)).
		Int("journal_lines", len(fixture.JournalLines)).
		Msg("seed data restored")
}
