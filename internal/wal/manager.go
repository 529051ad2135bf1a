package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/golang/snappy"
	"github.com/google/uuid"

	"github.com/tuannm99/novacache/internal/common"
	"github.com/tuannm99/novacache/internal/storage"
)

var (
	ErrBadMagic   = errors.New("wal: bad magic")
	ErrBadVersion = errors.New("wal: unsupported version")
	ErrBadCRC     = errors.New("wal: bad crc")
	ErrBadRecord  = errors.New("wal: bad record")
	ErrShortRead  = errors.New("wal: short read")
	ErrNoWALFile  = errors.New("wal: wal file not open")
)

const (
	fileMagic  uint32 = 0x4C41574E // "NWAL"
	recMagic   uint32 = 0x4352574E // "NWRC"
	versionU16 uint16 = 2

	// magic(4) ver(2) rsv(2) instance(16)
	fileHeaderSize = 4 + 2 + 2 + 16
	// magic(4) ver(2) typ(1) flags(1) totalLen(4) crc(4)
	recHeaderSize = 4 + 2 + 1 + 1 + 4 + 4
	// lsn(8) txid(8) table(4) page(4) beforeLen(4) afterLen(4)
	recBodyFixed = 8 + 8 + 4 + 4 + 4 + 4

	flagSnappy uint8 = 1 << 0

	FileName = "wal.log"
)

// maxRecordLen bounds totalLen before the body is allocated: two page
// images, each at worst snappy-expanded.
var maxRecordLen = recHeaderSize + recBodyFixed + 2*snappy.MaxEncodedLen(storage.MaxPageSize)

type RecordType uint8

const (
	RecUpdate RecordType = iota + 1
	RecCommit
	RecAbort
)

func (t RecordType) String() string {
	switch t {
	case RecUpdate:
		return "UPDATE"
	case RecCommit:
		return "COMMIT"
	case RecAbort:
		return "ABORT"
	default:
		return fmt.Sprintf("RecordType(%d)", uint8(t))
	}
}

// Record is one decoded log entry. Commit and abort records carry no page.
type Record struct {
	Type   RecordType
	LSN    uint64
	TxID   common.TxID
	PageID common.PageID
	Before []byte
	After  []byte
}

// PageWriter installs a page image straight into the table file, bypassing the cache.
type PageWriter interface {
	WritePageImage(pid common.PageID, data []byte) error
}

type Options struct {
	// Compress stores page images snappy-encoded.
	Compress bool
}

type Manager struct {
	mu       sync.Mutex
	f        *os.File
	path     string
	instance uuid.UUID
	compress bool
	lsn      uint64
	flushed  uint64
	maxTx    common.TxID
}

// Open opens (or creates) dir/wal.log. A torn tail left by a crash is cut off.
func Open(dir string, opts Options) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, FileName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	m := &Manager{f: f, path: path, compress: opts.Compress}
	if err := m.init(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return m, nil
}

func (m *Manager) init() error {
	st, err := m.f.Stat()
	if err != nil {
		return err
	}
	if st.Size() == 0 {
		m.instance = uuid.New()
		return m.writeHeader()
	}

	var hdr [fileHeaderSize]byte
	if _, err := m.f.ReadAt(hdr[:], 0); err != nil {
		return fmt.Errorf("wal: read header: %w", err)
	}
	if binary.LittleEndian.Uint32(hdr[0:4]) != fileMagic {
		return ErrBadMagic
	}
	if binary.LittleEndian.Uint16(hdr[4:6]) != versionU16 {
		return ErrBadVersion
	}
	copy(m.instance[:], hdr[8:24])

	end, err := m.scan(func(rec *Record) error {
		m.lsn = max(m.lsn, rec.LSN)
		m.maxTx = max(m.maxTx, rec.TxID)
		return nil
	})
	if err != nil {
		return err
	}
	m.flushed = m.lsn

	if end < st.Size() {
		slog.Warn("wal: truncating torn tail", "path", m.path, "valid", end, "size", st.Size())
		if err := m.f.Truncate(end); err != nil {
			return err
		}
		return m.f.Sync()
	}
	return nil
}

func (m *Manager) writeHeader() error {
	var hdr [fileHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], fileMagic)
	binary.LittleEndian.PutUint16(hdr[4:6], versionU16)
	copy(hdr[8:24], m.instance[:])
	if _, err := m.f.Write(hdr[:]); err != nil {
		return err
	}
	return m.f.Sync()
}

func (m *Manager) Close() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.f == nil {
		return nil
	}
	err := m.f.Close()
	m.f = nil
	return err
}

// InstanceID identifies the log file. It survives Reset.
func (m *Manager) InstanceID() uuid.UUID { return m.instance }

func (m *Manager) Path() string { return m.path }

// LastLSN is the LSN of the newest appended record.
func (m *Manager) LastLSN() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lsn
}

// MaxTxID is the largest transaction id seen in the log.
func (m *Manager) MaxTxID() common.TxID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxTx
}

// LogWrite appends an update record holding both page images.
func (m *Manager) LogWrite(tid common.TxID, pid common.PageID, before, after []byte) error {
	if len(before) == 0 || len(after) == 0 {
		return fmt.Errorf("%w: update for %s without images", ErrBadRecord, pid)
	}
	if len(before) > storage.MaxPageSize || len(after) > storage.MaxPageSize {
		return fmt.Errorf("%w: image for %s larger than a page", ErrBadRecord, pid)
	}
	_, err := m.append(&Record{Type: RecUpdate, TxID: tid, PageID: pid, Before: before, After: after})
	return err
}

func (m *Manager) LogCommit(tid common.TxID) error {
	_, err := m.append(&Record{Type: RecCommit, TxID: tid})
	return err
}

func (m *Manager) LogAbort(tid common.TxID) error {
	_, err := m.append(&Record{Type: RecAbort, TxID: tid})
	return err
}

func (m *Manager) append(rec *Record) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.f == nil {
		return 0, ErrNoWALFile
	}

	m.lsn++
	rec.LSN = m.lsn
	buf := m.encode(rec)
	if _, err := m.f.Write(buf); err != nil {
		m.lsn--
		return 0, err
	}
	m.maxTx = max(m.maxTx, rec.TxID)
	return rec.LSN, nil
}

func (m *Manager) encode(rec *Record) []byte {
	before, after := rec.Before, rec.After
	var flags uint8
	if m.compress && rec.Type == RecUpdate {
		before = snappy.Encode(nil, before)
		after = snappy.Encode(nil, after)
		flags |= flagSnappy
	}

	totalLen := recHeaderSize + recBodyFixed + len(before) + len(after)
	buf := make([]byte, totalLen)
	le := binary.LittleEndian

	le.PutUint32(buf[0:4], recMagic)
	le.PutUint16(buf[4:6], versionU16)
	buf[6] = uint8(rec.Type)
	buf[7] = flags
	le.PutUint32(buf[8:12], uint32(totalLen))

	body := buf[recHeaderSize:]
	le.PutUint64(body[0:8], rec.LSN)
	le.PutUint64(body[8:16], uint64(rec.TxID))
	le.PutUint32(body[16:20], rec.PageID.TableID)
	le.PutUint32(body[20:24], rec.PageID.PageNo)
	le.PutUint32(body[24:28], uint32(len(before)))
	le.PutUint32(body[28:32], uint32(len(after)))
	off := recBodyFixed
	off += copy(body[off:], before)
	copy(body[off:], after)

	le.PutUint32(buf[12:16], crc32.ChecksumIEEE(body))
	return buf
}

// Force makes every appended record durable.
func (m *Manager) Force() error {
	return m.Flush(m.LastLSN())
}

// Flush syncs the log if records up to upto are not yet durable.
func (m *Manager) Flush(upto uint64) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.f == nil {
		return ErrNoWALFile
	}
	if upto == 0 || upto <= m.flushed {
		return nil
	}
	if err := m.f.Sync(); err != nil {
		return err
	}
	m.flushed = max(upto, m.flushed)
	return nil
}

// Reset drops every record and keeps the header. Only safe with no transaction in flight.
func (m *Manager) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.f == nil {
		return ErrNoWALFile
	}
	if err := m.f.Truncate(fileHeaderSize); err != nil {
		return err
	}
	if err := m.f.Sync(); err != nil {
		return err
	}
	m.flushed = m.lsn
	return nil
}

// Records returns every valid record in log order.
func (m *Manager) Records() ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.f == nil {
		return nil, ErrNoWALFile
	}
	var out []*Record
	_, err := m.scan(func(rec *Record) error {
		out = append(out, rec)
		return nil
	})
	return out, err
}

// RecoverySummary reports what Recover did.
type RecoverySummary struct {
	Records       int
	Committed     int
	Losers        []common.TxID
	PagesRestored int
	MaxTxID       common.TxID
}

// Recover rolls back transactions that have neither a commit nor an abort
// record by writing their before-images newest first, then logs an abort for each.
func (m *Manager) Recover(w PageWriter) (RecoverySummary, error) {
	var sum RecoverySummary
	m.mu.Lock()
	if m.f == nil {
		m.mu.Unlock()
		return sum, ErrNoWALFile
	}

	var updates []*Record
	done := make(map[common.TxID]bool)
	seen := make(map[common.TxID]bool)
	_, err := m.scan(func(rec *Record) error {
		sum.Records++
		sum.MaxTxID = max(sum.MaxTxID, rec.TxID)
		seen[rec.TxID] = true
		switch rec.Type {
		case RecUpdate:
			updates = append(updates, rec)
		case RecCommit:
			sum.Committed++
			done[rec.TxID] = true
		case RecAbort:
			done[rec.TxID] = true
		}
		return nil
	})
	m.mu.Unlock()
	if err != nil {
		return sum, err
	}

	for tid := range seen {
		if !done[tid] {
			sum.Losers = append(sum.Losers, tid)
		}
	}
	slices.Sort(sum.Losers)
	if len(sum.Losers) == 0 {
		return sum, nil
	}

	for i := len(updates) - 1; i >= 0; i-- {
		rec := updates[i]
		if done[rec.TxID] {
			continue
		}
		if err := w.WritePageImage(rec.PageID, rec.Before); err != nil {
			return sum, fmt.Errorf("wal: undo %s of %s: %w", rec.PageID, rec.TxID, err)
		}
		sum.PagesRestored++
	}

	for _, tid := range sum.Losers {
		if err := m.LogAbort(tid); err != nil {
			return sum, err
		}
	}
	if err := m.Force(); err != nil {
		return sum, err
	}
	slog.Info("wal: recovered", "records", sum.Records, "losers", len(sum.Losers), "pages", sum.PagesRestored)
	return sum, nil
}

// scan walks the records after the file header and returns the offset just
// past the last valid one. A torn or corrupt record ends the log.
func (m *Manager) scan(fn func(*Record) error) (int64, error) {
	st, err := m.f.Stat()
	if err != nil {
		return 0, err
	}
	sr := io.NewSectionReader(m.f, fileHeaderSize, st.Size()-fileHeaderSize)
	r := bufio.NewReaderSize(sr, 1<<20)

	end := int64(fileHeaderSize)
	for {
		rec, n, err := readOne(r)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Debug("wal: log ends at invalid record", "offset", end, "err", err)
			}
			return end, nil
		}
		if err := fn(rec); err != nil {
			return end, err
		}
		end += int64(n)
	}
}

func readOne(r *bufio.Reader) (*Record, int, error) {
	var hdr [recHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, 0, ErrShortRead
		}
		return nil, 0, err
	}
	le := binary.LittleEndian
	if le.Uint32(hdr[0:4]) != recMagic {
		return nil, 0, ErrBadMagic
	}
	if le.Uint16(hdr[4:6]) != versionU16 {
		return nil, 0, ErrBadVersion
	}
	typ := RecordType(hdr[6])
	flags := hdr[7]
	totalLen := int(le.Uint32(hdr[8:12]))
	if totalLen < recHeaderSize+recBodyFixed || totalLen > maxRecordLen {
		return nil, 0, fmt.Errorf("%w: length %d", ErrBadRecord, totalLen)
	}

	body := make([]byte, totalLen-recHeaderSize)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, 0, ErrShortRead
	}
	if crc32.ChecksumIEEE(body) != le.Uint32(hdr[12:16]) {
		return nil, 0, ErrBadCRC
	}

	rec := &Record{
		Type: typ,
		LSN:  le.Uint64(body[0:8]),
		TxID: common.TxID(le.Uint64(body[8:16])),
		PageID: common.PageID{
			TableID: le.Uint32(body[16:20]),
			PageNo:  le.Uint32(body[20:24]),
		},
	}
	beforeLen := int(le.Uint32(body[24:28]))
	afterLen := int(le.Uint32(body[28:32]))
	if recBodyFixed+beforeLen+afterLen != len(body) {
		return nil, 0, ErrBadRecord
	}
	before := body[recBodyFixed : recBodyFixed+beforeLen]
	after := body[recBodyFixed+beforeLen:]

	if flags&flagSnappy != 0 {
		var err error
		if before, err = snappy.Decode(nil, before); err != nil {
			return nil, 0, fmt.Errorf("%w: %w", ErrBadRecord, err)
		}
		if after, err = snappy.Decode(nil, after); err != nil {
			return nil, 0, fmt.Errorf("%w: %w", ErrBadRecord, err)
		}
	}
	if len(before) > 0 {
		rec.Before = before
	}
	if len(after) > 0 {
		rec.After = after
	}
	return rec, totalLen, nil
}
