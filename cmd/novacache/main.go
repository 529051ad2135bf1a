// Command novacache drives the transactional page cache from the shell.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kong"
	"golang.org/x/sync/errgroup"

	"github.com/tuannm99/novacache/internal"
	"github.com/tuannm99/novacache/internal/catalog"
	"github.com/tuannm99/novacache/internal/common"
	"github.com/tuannm99/novacache/internal/engine"
	"github.com/tuannm99/novacache/internal/lock"
	"github.com/tuannm99/novacache/internal/storage"
	"github.com/tuannm99/novacache/internal/txn"
)

type Globals struct {
	Config   string `name:"config" short:"c" help:"Path to a YAML config file" type:"path"`
	Workdir  string `name:"workdir" help:"Override storage.workdir"`
	LogLevel string `name:"log-level" help:"Override log.level (debug, info, warn, error)"`
}

var CLI struct {
	Globals

	Bench  BenchCmd  `cmd:"" help:"Run a concurrent insert/delete workload"`
	Dump   DumpCmd   `cmd:"" help:"Print the slotted layout of one page"`
	Tables TablesCmd `cmd:"" help:"List tables and their page counts"`
	Drop   DropCmd   `cmd:"" help:"Drop a table and delete its files"`
}

// open loads the config, installs the logger and opens the database.
func (g *Globals) open() (*engine.Database, error) {
	cfg, err := internal.LoadConfig(g.Config)
	if err != nil {
		return nil, err
	}
	if g.Workdir != "" {
		cfg.Storage.Workdir = g.Workdir
		if g.Config == "" {
			cfg.WAL.Dir = filepath.Join(g.Workdir, "wal")
		}
	}
	if g.LogLevel != "" {
		cfg.Log.Level = g.LogLevel
	}
	lvl, err := internal.ParseLogLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))

	return engine.Open(cfg)
}

type BenchCmd struct {
	Workers     int    `default:"4" help:"Concurrent transactions"`
	Txns        int    `default:"100" help:"Transactions per worker"`
	Table       string `default:"bench" help:"Table to write into"`
	RowSize     int    `name:"row-size" default:"64" help:"Bytes per inserted row"`
	DeleteEvery int    `name:"delete-every" default:"5" help:"Every n-th transaction also deletes a row (0 disables)"`
}

func (c *BenchCmd) Run(g *Globals) error {
	if c.Workers < 1 || c.Txns < 1 || c.RowSize < 1 {
		return errors.New("bench: workers, txns and row-size must be positive")
	}
	db, err := g.open()
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Error("bench: close", "err", err)
		}
	}()

	if _, err := db.CreateTable(c.Table); err != nil && !errors.Is(err, catalog.ErrTableExists) {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var commits, deadlocks, deletes atomic.Int64
	start := time.Now()

	g2, gctx := errgroup.WithContext(ctx)
	for w := 0; w < c.Workers; w++ {
		w := w
		g2.Go(func() error {
			var mine []storage.RecordID
			for i := 0; i < c.Txns; i++ {
				row := []byte(fmt.Sprintf("w%03d-%06d-", w, i))
				if pad := c.RowSize - len(row); pad > 0 {
					row = append(row, strings.Repeat(".", pad)...)
				}
				var inserted storage.RecordID
				deleted := false

				err := db.Update(gctx, func(tx *txn.Transaction) error {
					deleted = false
					rid, err := db.Insert(gctx, tx, c.Table, row)
					if err == nil && c.DeleteEvery > 0 && i%c.DeleteEvery == 0 && len(mine) > 0 {
						err = db.Delete(gctx, tx, mine[0])
						deleted = err == nil
					}
					if errors.Is(err, lock.ErrTransactionAborted) {
						deadlocks.Add(1)
					}
					inserted = rid
					return err
				})
				if err != nil {
					return fmt.Errorf("worker %d txn %d: %w", w, i, err)
				}
				commits.Add(1)
				mine = append(mine, inserted)
				if deleted {
					mine = mine[1:]
					deletes.Add(1)
				}
			}
			return nil
		})
	}
	if err := g2.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	rows := 0
	err = db.Update(ctx, func(tx *txn.Transaction) error {
		rows = 0
		return db.Scan(ctx, tx, c.Table, func(storage.RecordID, []byte) error {
			rows++
			return nil
		})
	})
	if err != nil {
		return err
	}

	fmt.Printf("commits=%d deadlock_aborts=%d deletes=%d rows=%d elapsed=%s tps=%.0f\n",
		commits.Load(), deadlocks.Load(), deletes.Load(), rows, elapsed.Round(time.Millisecond),
		float64(commits.Load())/elapsed.Seconds())
	return nil
}

type DumpCmd struct {
	Table string `required:"" help:"Table name"`
	Page  uint32 `default:"0" help:"Page number"`
}

func (c *DumpCmd) Run(g *Globals) error {
	db, err := g.open()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	f, err := db.Catalog().Table(c.Table)
	if err != nil {
		return err
	}
	ctx := context.Background()
	return db.Update(ctx, func(tx *txn.Transaction) error {
		pid := common.PageID{TableID: f.ID(), PageNo: c.Page}
		p, err := db.Pool().GetPage(ctx, tx.ID(), pid, common.Shared)
		if err != nil {
			return err
		}
		return p.Debug(os.Stdout)
	})
}

type TablesCmd struct{}

func (c *TablesCmd) Run(g *Globals) error {
	db, err := g.open()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tPAGES\tCREATED")
	for _, t := range db.Catalog().Tables() {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\n", t.ID, t.Name, t.PageCount, t.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

type DropCmd struct {
	Table string `arg:"" help:"Table name"`
}

func (c *DropCmd) Run(g *Globals) error {
	db, err := g.open()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	return db.DropTable(c.Table)
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("novacache"),
		kong.Description("Transactional page cache with page locking and a write-ahead log"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
	)
	err := ctx.Run(&CLI.Globals)
	ctx.FatalIfErrorf(err)
}
