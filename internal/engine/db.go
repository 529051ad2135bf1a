package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tuannm99/novacache/internal"
	"github.com/tuannm99/novacache/internal/bufferpool"
	"github.com/tuannm99/novacache/internal/catalog"
	"github.com/tuannm99/novacache/internal/common"
	"github.com/tuannm99/novacache/internal/heap"
	"github.com/tuannm99/novacache/internal/lock"
	"github.com/tuannm99/novacache/internal/storage"
	"github.com/tuannm99/novacache/internal/txn"
	"github.com/tuannm99/novacache/internal/wal"
)

var (
	ErrClosed      = errors.New("novacache: database is closed")
	ErrLogMismatch = errors.New("novacache: write-ahead log belongs to another database")
	ErrBusy        = errors.New("novacache: transactions are still running")
)

// Database owns one instance of every component and hands them to each
// other explicitly.
type Database struct {
	cfg   *internal.NovaCacheConfig
	sm    *storage.StorageManager
	cat   *catalog.Catalog
	wal   *wal.Manager
	locks *lock.Manager
	pool  *bufferpool.Pool
	coord *txn.Coordinator
	ids   common.TxIDAllocator

	closed atomic.Bool
}

// Open wires the components together and rolls back any transaction a
// previous process left unfinished in the log.
func Open(cfg *internal.NovaCacheConfig) (*Database, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db := &Database{cfg: cfg, sm: storage.NewStorageManager(cfg.Storage.PageSize)}

	var err error
	if db.cat, err = catalog.Open(cfg.Storage.Workdir, db.sm); err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	if db.wal, err = wal.Open(cfg.WAL.Dir, wal.Options{Compress: cfg.WAL.Compress}); err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}
	if err := db.bindLog(); err != nil {
		_ = db.wal.Close()
		return nil, err
	}

	sum, err := db.wal.Recover(db.cat)
	if err != nil {
		_ = db.wal.Close()
		return nil, fmt.Errorf("recover: %w", err)
	}
	db.ids.Seed(max(sum.MaxTxID, db.wal.MaxTxID()))

	db.locks = lock.NewManager()
	db.pool = bufferpool.NewPool(bufferpool.Options{
		Capacity: cfg.Cache.Capacity,
		PageSize: cfg.Storage.PageSize,
	}, db.cat, db.locks, db.wal)
	db.coord = txn.NewCoordinator(db.pool, db.wal, db.locks, &db.ids)

	slog.Info("novacache: database opened",
		"workdir", cfg.Storage.Workdir,
		"tables", len(db.cat.Tables()),
		"capacity", db.pool.Capacity(),
		"rolled_back", len(sum.Losers))
	return db, nil
}

// bindLog pairs the catalog with the log file it was last used with.
func (db *Database) bindLog() error {
	id := db.wal.InstanceID().String()
	switch db.cat.WALInstance() {
	case "":
		return db.cat.SetWALInstance(id)
	case id:
		return nil
	default:
		return fmt.Errorf("%w: catalog expects %s, log is %s", ErrLogMismatch, db.cat.WALInstance(), id)
	}
}

func (db *Database) Catalog() *catalog.Catalog { return db.cat }

func (db *Database) Pool() *bufferpool.Pool { return db.pool }

func (db *Database) Locks() *lock.Manager { return db.locks }

func (db *Database) Coordinator() *txn.Coordinator { return db.coord }

func (db *Database) WAL() *wal.Manager { return db.wal }

func (db *Database) CreateTable(name string) (*heap.File, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	return db.cat.CreateTable(name)
}

// DropTable removes a table and its files. It refuses while any
// transaction is active.
func (db *Database) DropTable(name string) error {
	if db.closed.Load() {
		return ErrClosed
	}
	if active := db.coord.Active(); len(active) > 0 {
		return fmt.Errorf("%w: %d active", ErrBusy, len(active))
	}
	f, err := db.cat.Table(name)
	if err != nil {
		return err
	}
	dropped := db.pool.DiscardTable(f.ID())
	slog.Debug("novacache: discarded cached pages", "table", name, "pages", dropped)
	return db.cat.DropTable(name)
}

func (db *Database) Begin() (*txn.Transaction, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	return db.coord.Begin(), nil
}

func (db *Database) Commit(tx *txn.Transaction) error { return db.coord.Commit(tx) }

func (db *Database) Abort(tx *txn.Transaction) error { return db.coord.Abort(tx) }

func (db *Database) Insert(ctx context.Context, tx *txn.Transaction, table string, data []byte) (storage.RecordID, error) {
	f, err := db.cat.Table(table)
	if err != nil {
		return storage.RecordID{}, err
	}
	return db.pool.InsertTuple(ctx, tx.ID(), f.ID(), data)
}

func (db *Database) Delete(ctx context.Context, tx *txn.Transaction, rid storage.RecordID) error {
	return db.pool.DeleteTuple(ctx, tx.ID(), rid)
}

func (db *Database) Read(ctx context.Context, tx *txn.Transaction, rid storage.RecordID) ([]byte, error) {
	f, err := db.cat.TableByID(rid.PageID.TableID)
	if err != nil {
		return nil, err
	}
	return f.ReadTuple(ctx, db.pool, tx.ID(), rid)
}

func (db *Database) Scan(ctx context.Context, tx *txn.Transaction, table string, fn func(rid storage.RecordID, data []byte) error) error {
	f, err := db.cat.Table(table)
	if err != nil {
		return err
	}
	return f.Scan(ctx, db.pool, tx.ID(), fn)
}

// Update runs fn in a fresh transaction and commits it. fn's error aborts
// the transaction; a deadlock abort is retried up to txn.max_retries times.
func (db *Database) Update(ctx context.Context, fn func(tx *txn.Transaction) error) error {
	for attempt := 0; ; attempt++ {
		tx, err := db.Begin()
		if err != nil {
			return err
		}

		err = fn(tx)
		if err == nil {
			return db.coord.Commit(tx)
		}
		if abortErr := db.coord.Abort(tx); abortErr != nil {
			return errors.Join(err, abortErr)
		}
		if !errors.Is(err, lock.ErrTransactionAborted) || attempt >= db.cfg.Txn.MaxRetries || ctx.Err() != nil {
			return err
		}

		slog.Debug("novacache: retrying aborted transaction", "tx", tx.ID(), "attempt", attempt+1)
		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Duration(attempt+1) * time.Millisecond):
		}
	}
}

// Close writes every dirty page and empties the log. Like DropTable it
// refuses while any transaction is active; commit or abort them first.
func (db *Database) Close() error {
	if db.closed.Load() {
		return nil
	}
	if active := db.coord.Active(); len(active) > 0 {
		return fmt.Errorf("%w: %d active", ErrBusy, len(active))
	}
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	if err := db.pool.FlushAll(); err != nil {
		errs = append(errs, fmt.Errorf("flush: %w", err))
	}
	// a Begin that raced the swap above may still be running
	if active := db.coord.Active(); len(active) == 0 && len(errs) == 0 {
		if err := db.wal.Reset(); err != nil {
			errs = append(errs, fmt.Errorf("reset wal: %w", err))
		}
	} else if len(active) > 0 {
		slog.Warn("novacache: closing with active transactions", "active", active)
	}
	if err := db.cat.SyncPageCounts(); err != nil {
		slog.Warn("novacache: refresh table metadata", "err", err)
	}
	if err := db.wal.Close(); err != nil {
		errs = append(errs, err)
	}
	slog.Info("novacache: database closed", "workdir", db.cfg.Storage.Workdir)
	return errors.Join(errs...)
}
