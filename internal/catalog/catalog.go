package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/tuannm99/novacache/internal/common"
	"github.com/tuannm99/novacache/internal/heap"
	"github.com/tuannm99/novacache/internal/storage"
)

var (
	ErrTableExists   = errors.New("catalog: table already exists")
	ErrTableNotFound = errors.New("catalog: table not found")
	ErrInvalidName   = errors.New("catalog: invalid table name")
)

const FileName = "catalog.json"

// Catalog maps table names and ids to heap files under dir/tables.
type Catalog struct {
	mu  sync.RWMutex
	dir string
	sm  *storage.StorageManager

	doc    document
	byName map[string]*heap.File
	byID   map[uint32]*heap.File
}

// Open loads dir/catalog.json, creating an empty catalog if it is missing.
func Open(dir string, sm *storage.StorageManager) (*Catalog, error) {
	if err := os.MkdirAll(filepath.Join(dir, "tables"), 0o755); err != nil {
		return nil, err
	}
	c := &Catalog{
		dir:    dir,
		sm:     sm,
		doc:    document{NextID: 1},
		byName: make(map[string]*heap.File),
		byID:   make(map[uint32]*heap.File),
	}

	data, err := os.ReadFile(c.path())
	switch {
	case errors.Is(err, os.ErrNotExist):
		return c, c.save()
	case err != nil:
		return nil, err
	}
	if err := json.Unmarshal(data, &c.doc); err != nil {
		return nil, fmt.Errorf("catalog: decode %s: %w", c.path(), err)
	}
	for _, meta := range c.doc.Tables {
		c.register(meta)
		c.doc.NextID = max(c.doc.NextID, meta.ID+1)
	}
	return c, nil
}

func (c *Catalog) path() string { return filepath.Join(c.dir, FileName) }

func (c *Catalog) tableDir() string { return filepath.Join(c.dir, "tables") }

func (c *Catalog) register(meta *TableMeta) *heap.File {
	fs := storage.LocalFileSet{Dir: c.tableDir(), Base: meta.FileBase}
	f := heap.NewFile(meta.ID, meta.Name, c.sm, fs)
	c.byName[meta.Name] = f
	c.byID[meta.ID] = f
	return f
}

// save rewrites catalog.json through a temp file; callers hold mu.
func (c *Catalog) save() error {
	data, err := json.MarshalIndent(&c.doc, "", "  ")
	if err != nil {
		return err
	}
	tmp := c.path() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.path())
}

func validName(name string) bool {
	return name != "" && !strings.ContainsAny(name, `/\.`) && strings.TrimSpace(name) == name
}

func (c *Catalog) CreateTable(name string) (*heap.File, error) {
	if !validName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.byName[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrTableExists, name)
	}
	now := time.Now()
	meta := &TableMeta{
		ID:        c.doc.NextID,
		Name:      name,
		FileBase:  name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	c.doc.NextID++
	c.doc.Tables = append(c.doc.Tables, meta)
	if err := c.save(); err != nil {
		c.doc.Tables = c.doc.Tables[:len(c.doc.Tables)-1]
		c.doc.NextID--
		return nil, err
	}
	slog.Info("catalog: created table", "name", name, "id", meta.ID)
	return c.register(meta), nil
}

func (c *Catalog) Table(name string) (*heap.File, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	return f, nil
}

// DropTable forgets name and deletes its files. Callers make sure no
// transaction still uses the table.
func (c *Catalog) DropTable(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, ok := c.byName[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	i := slices.IndexFunc(c.doc.Tables, func(m *TableMeta) bool { return m.ID == f.ID() })
	meta := c.doc.Tables[i]
	c.doc.Tables = slices.Delete(c.doc.Tables, i, i+1)
	if err := c.save(); err != nil {
		c.doc.Tables = slices.Insert(c.doc.Tables, i, meta)
		return err
	}
	delete(c.byName, name)
	delete(c.byID, meta.ID)

	if err := c.sm.RemoveAll(storage.LocalFileSet{Dir: c.tableDir(), Base: meta.FileBase}); err != nil {
		slog.Warn("catalog: remove table files", "name", name, "err", err)
	}
	slog.Info("catalog: dropped table", "name", name, "id", meta.ID)
	return nil
}

// TableByID returns the heap file for a table id.
func (c *Catalog) TableByID(tableID uint32) (*heap.File, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.byID[tableID]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrTableNotFound, tableID)
	}
	return f, nil
}

// File resolves a table id to its storage collaborator.
func (c *Catalog) File(tableID uint32) (storage.File, error) {
	f, err := c.TableByID(tableID)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Tables returns a snapshot of every table, ordered by id.
func (c *Catalog) Tables() []TableMeta {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]TableMeta, 0, len(c.doc.Tables))
	for _, m := range c.doc.Tables {
		out = append(out, *m)
	}
	slices.SortFunc(out, func(a, b TableMeta) int { return int(a.ID) - int(b.ID) })
	return out
}

// SyncPageCounts refreshes the page-count snapshot of every table from disk.
func (c *Catalog) SyncPageCounts() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, meta := range c.doc.Tables {
		n, err := c.byID[meta.ID].NumPages()
		if err != nil {
			return err
		}
		if n != meta.PageCount {
			meta.PageCount = n
			meta.UpdatedAt = time.Now()
		}
	}
	return c.save()
}

// WritePageImage installs a raw page image, used by log recovery.
func (c *Catalog) WritePageImage(pid common.PageID, data []byte) error {
	f, err := c.File(pid.TableID)
	if err != nil {
		return err
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	p, err := storage.NewPage(pid, buf)
	if err != nil {
		return fmt.Errorf("catalog: image for %s: %w", pid, err)
	}
	return f.WritePage(p)
}

func (c *Catalog) WALInstance() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.doc.WALInstance
}

func (c *Catalog) SetWALInstance(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.doc.WALInstance = id
	return c.save()
}
