package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/stjordanis/knime-core/internal"
	"github.com/stjordanis/knime-core/internal/arrowio"
	"github.com/stjordanis/knime-core/internal/engine"
	"github.com/stjordanis/knime-core/internal/logging"
	"github.com/stjordanis/knime-core/internal/progress"
	"github.com/stjordanis/knime-core/internal/record"
	"github.com/stjordanis/knime-core/internal/repository"
	"github.com/stjordanis/knime-core/internal/settings"
	"github.com/stjordanis/knime-core/internal/storage"
	"github.com/stjordanis/knime-core/internal/table"
)

// flag name -> config key
var flagKeys = map[string]string{
	"threads":      "pool.max_threads",
	"sync":         "storage.synchronous_io",
	"cache-rows":   "storage.cache_row_count",
	"compress":     "storage.compress",
	"codec":        "storage.codec",
	"no-dup-check": "storage.disable_duplicate_check",
	"tmpdir":       "storage.tmpdir",
	"log-level":    "log.level",
	"seq-url":      "log.seq_url",
}

func main() {
	flags := pflag.NewFlagSet("knimetable", pflag.ExitOnError)
	configPath := flags.String("config", "", "YAML config file")
	stateDir := flags.String("state-dir", "./data/knimetable", "directory of the settings store")
	rows := flags.Int("rows", 50_000, "rows per generated table")
	flags.Int("threads", 0, "worker pool size (0 = processors + 2)")
	flags.Bool("sync", false, "flush synchronously on the producing goroutine")
	flags.Int("cache-rows", 10_000, "rows buffered in memory before a flush")
	flags.Bool("compress", true, "compress spill blocks")
	flags.String("codec", "zstd", "spill block codec: zstd, snappy or none")
	flags.Bool("no-dup-check", false, "disable row key duplicate checks")
	flags.String("tmpdir", "", "directory for spill files")
	flags.String("log-level", "info", "debug, info, warn or error")
	flags.String("seq-url", "", "optional Seq server URL")
	_ = flags.Parse(os.Args[1:])

	v := internal.NewViper()
	for name, key := range flagKeys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			log.Fatalf("bind flag %s: %v", name, err)
		}
	}
	if *configPath != "" {
		v.SetConfigFile(*configPath)
		if err := v.ReadInConfig(); err != nil {
			log.Fatalf("read config: %v", err)
		}
	}
	cfg := internal.FromViper(v)

	logger, closeLog := logging.Setup(os.Stderr, cfg.Log.Level, cfg.Log.SeqURL)
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, *stateDir, *rows); err != nil {
		logger.Error("knimetable failed", "err", err)
		closeLog()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *internal.Config, logger *slog.Logger, stateDir string, n int) (err error) {
	if err := os.MkdirAll(stateDir, storage.FileMode0755); err != nil {
		return err
	}
	store, err := settings.OpenLevelStore(filepath.Join(stateDir, "settings"))
	if err != nil {
		return err
	}
	defer store.Close()

	ec := engine.New(cfg, engine.WithLogger(logger))
	defer func() {
		if cerr := ec.Close(context.Background()); err == nil {
			err = cerr
		}
	}()

	// write, join, save
	s1, err := ec.NewSession()
	if err != nil {
		return err
	}
	left, right, joined, err := build(ctx, s1, n)
	if err != nil {
		return err
	}
	jt, err := s1.Resolve(joined)
	if err != nil {
		return err
	}
	batches, err := arrowio.Export(ctx, jt, nil, 0)
	if err != nil {
		return err
	}
	var exported int64
	for _, b := range batches {
		exported += b.NumRows()
		b.Release()
	}
	logger.Info("joined table exported", "batches", len(batches), "rows", humanize.Comma(exported))

	for name, h := range map[string]repository.Handle{"left": left, "right": right, "joined": joined} {
		node := settings.NewNode()
		if err := s1.Save(ctx, h, node); err != nil {
			return fmt.Errorf("save %s: %w", name, err)
		}
		if err := store.Put(name, node); err != nil {
			return err
		}
	}
	if err := s1.Close(ctx); err != nil {
		return err
	}

	// reload into a fresh session
	s2, err := ec.NewSession()
	if err != nil {
		return err
	}
	for _, name := range []string{"left", "right", "joined"} {
		node, err := store.Get(name)
		if err != nil {
			return err
		}
		if _, err := ec.Load(node, schemas[name], s2.ID()); err != nil {
			return fmt.Errorf("load %s: %w", name, err)
		}
	}
	reloaded, err := s2.Resolve(joined)
	if err != nil {
		return err
	}
	count := int64(0)
	err = table.Scan(ctx, reloaded, func(r record.Row) error {
		if count < 3 {
			fmt.Println(r)
		}
		count++
		return nil
	})
	if err != nil {
		return err
	}
	logger.Info("reloaded joined table", "rows", humanize.Comma(count))
	return nil
}

var schemas = map[string]record.TableSchema{
	"left":  record.MustTableSchema(record.Col("id", record.ColInt64), record.Col("name", record.ColString)),
	"right": record.MustTableSchema(record.Col("score", record.ColFloat64), record.Col("active", record.ColBool)),
}

func init() {
	j, err := record.Concat(schemas["left"], schemas["right"])
	if err != nil {
		panic(err)
	}
	schemas["joined"] = j
}

func build(ctx context.Context, s *engine.Session, n int) (left, right, joined repository.Handle, err error) {
	lrows := make([]record.Row, n)
	rrows := make([]record.Row, n)
	for i := 0; i < n; i++ {
		key := record.RowKey(fmt.Sprintf("Row%d", i))
		name := record.String(fmt.Sprintf("item-%d", i))
		if i%10 == 0 {
			name = record.Missing()
		}
		lrows[i] = record.NewRow(key, record.Int(int64(i)), name)
		rrows[i] = record.NewRow(key, record.Float(float64(i)*0.25), record.Bool(i%2 == 0))
	}
	if left, err = s.WriteTable(ctx, schemas["left"], lrows); err != nil {
		return
	}
	if right, err = s.WriteTable(ctx, schemas["right"], rrows); err != nil {
		return
	}
	joined, err = s.CreateJoinedTable(ctx, left, right, progress.FromContext(ctx))
	return
}
