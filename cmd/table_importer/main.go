package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	rgs "github.com/maniabrasil/raspadinha-rgs"
	"github.com/maniabrasil/raspadinha-rgs/config"
	"github.com/maniabrasil/raspadinha-rgs/gamemath"
	"github.com/maniabrasil/raspadinha-rgs/games"
	"github.com/maniabrasil/raspadinha-rgs/probability"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// importFile is the table import format.
// Example:
//
//	{
//	  "tables": [
//	    {"gameKey": "premio_pix_conta", "mode": "real",
//	     "probabilities": [{"prizeId": 118, "probability": "20"}, {"prizeId": 100, "probability": "80"}]},
//	    {"gameKey": "premio_super_premios", "mode": "demo", "targetWinRate": "35"}
//	  ]
//	}
type importFile struct {
	Tables []tableImport `json:"tables"`
}

type tableImport struct {
	GameKey       string           `json:"gameKey"`
	Mode          string           `json:"mode"`
	Probabilities []gamemath.Entry `json:"probabilities"`
	TargetWinRate *decimal.Decimal `json:"targetWinRate"`
}

func main() {
	file := flag.String("file", "", "Path to a JSON file with probability tables")
	author := flag.String("author", "table_importer", "Author recorded in the audit log")
	reset := flag.Bool("reset", false, "Reset every game and mode to the default tiered tables")
	flag.Parse()

	if *file == "" && !*reset {
		fmt.Fprintln(os.Stderr, "pass -file or -reset")
		os.Exit(1)
	}
	_ = godotenv.Load(".env")
	_ = godotenv.Load("../.env")
	if err := run(context.Background(), config.Load(), *file, *author, *reset); err != nil {
		fmt.Fprintf(os.Stderr, "import failed: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, file, author string, reset bool) error {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer logger.Sync()

	db, err := rgs.OpenDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect db: %w", err)
	}
	catalog := games.Defaults()
	var repo probability.Repository
	if db != nil {
		defer db.Close()
		if err := rgs.Migrate(ctx, db); err != nil {
			return err
		}
		if err := games.Sync(ctx, db, catalog); err != nil {
			return err
		}
		repo = probability.NewPGRepository(db)
	} else {
		fileRepo, err := probability.NewFileRepository(cfg.DataDir)
		if err != nil {
			return err
		}
		repo = fileRepo
	}
	opts := []probability.Option{probability.WithLogger(logger)}
	if cfg.RedisAddr != "" {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{cfg.RedisAddr}})
		defer rdb.Close()
		opts = append(opts, probability.WithNotifier(probability.NewRedisNotifier(rdb, cfg.RedisChannel, logger)))
	}
	store := probability.NewStore(repo, catalog, opts...)

	if reset {
		for _, g := range catalog.ListGames() {
			for _, mode := range gamemath.Modes {
				if _, err := store.ResetDefaults(ctx, g.Key, mode, author); err != nil {
					return fmt.Errorf("%s/%s: %w", g.Key, mode, err)
				}
			}
		}
	}
	if file == "" {
		return nil
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	var in importFile
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("parse %s: %w", file, err)
	}
	for _, ti := range in.Tables {
		if err := apply(ctx, store, ti, author); err != nil {
			return fmt.Errorf("%s/%s: %w", ti.GameKey, ti.Mode, err)
		}
	}
	return nil
}

func apply(ctx context.Context, store *probability.Store, ti tableImport, author string) error {
	mode, err := gamemath.ParseMode(ti.Mode)
	if err != nil {
		return err
	}
	var t *gamemath.Table
	if ti.TargetWinRate != nil {
		t, err = store.DistributeBySweepstake(ctx, ti.GameKey, mode, *ti.TargetWinRate, author)
	} else {
		t, err = store.SetTable(ctx, ti.GameKey, mode, ti.Probabilities, author)
	}
	if err != nil {
		return err
	}
	fmt.Printf("%s/%s: version %d, sum %s\n", t.GameKey, t.Mode, t.Version, t.Sum().String())
	return nil
}
