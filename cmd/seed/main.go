// Command seed loads a JSON seed document (agencies, talents, customer
// overlays and initial rates) into a rebate database.
//
//	seed -db ./data/rebate.db -file ./seeds/tenant.json
//	cat tenant.json | seed -db ./data/rebate.db
package main

import (
	"context"
	"flag"
	"io"
	"os"

	"github.com/agentworks/rebate-engine/config"
	"github.com/agentworks/rebate-engine/factory"
	"github.com/agentworks/rebate-engine/rebate"
	"github.com/agentworks/rebate-engine/store/sqlite"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	file := flag.String("file", "-", "seed JSON file, - for stdin")
	createdBy := flag.String("created-by", "seed", "operator recorded on rate changes")
	reset := flag.Bool("reset", false, "drop all data before seeding")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	raw, err := readSeed(*file)
	if err != nil {
		logger.Fatal("failed to read seed", zap.String("file", *file), zap.Error(err))
	}

	f := factory.NewSeedFactory()
	f.CreatedBy = *createdBy
	seed, err := f.ParseSeed(string(raw))
	if err != nil {
		logger.Fatal("invalid seed", zap.Error(err))
	}

	store, err := sqlite.New(*dbPath)
	if err != nil {
		logger.Fatal("failed to initialize database", zap.String("db", *dbPath), zap.Error(err))
	}
	defer store.Close()

	ctx := context.Background()
	if *reset {
		if err := store.Reset(ctx); err != nil {
			logger.Fatal("failed to reset database", zap.Error(err))
		}
	}

	engine := rebate.NewEngine(store, rebate.WithLogger(logger), rebate.WithSyncConcurrency(cfg.SyncConcurrency))
	result, err := f.Apply(ctx, engine, store, seed)
	if err != nil {
		logger.Fatal("seed failed", zap.Error(err))
	}

	logger.Info("seed applied",
		zap.String("db", *dbPath),
		zap.Int("agencies", result.Agencies),
		zap.Int("talents", result.Talents),
		zap.Int("customer_talents", result.CustomerTalents),
		zap.Int("configs", len(result.Configs)),
		zap.Int("synced_talents", result.SyncedTalents),
	)
}

func readSeed(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}
