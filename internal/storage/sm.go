package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/tuannm99/novacache/pkg/util"
)

type FileSet interface {
	OpenSegment(segNo int32) (*os.File, error)
	StatSegment(segNo int32) (os.FileInfo, error)
}

var _ FileSet = (*LocalFileSet)(nil)

// LocalFileSet represents a local directory + base file name.
// Segments are stored as: Base, Base.1, Base.2, ...
type LocalFileSet struct {
	Dir  string
	Base string
}

func (lfs LocalFileSet) segmentPath(segNo int32) string {
	name := lfs.Base
	if segNo > 0 {
		name = fmt.Sprintf("%s.%d", lfs.Base, segNo)
	}
	return filepath.Join(lfs.Dir, name)
}

func (lfs LocalFileSet) OpenSegment(segNo int32) (*os.File, error) {
	if err := os.MkdirAll(lfs.Dir, FileMode0755); err != nil {
		return nil, err
	}
	// RDWR | CREATE (no truncate)
	return os.OpenFile(lfs.segmentPath(segNo), os.O_RDWR|os.O_CREATE, FileMode0644)
}

func (lfs LocalFileSet) StatSegment(segNo int32) (os.FileInfo, error) {
	return os.Stat(lfs.segmentPath(segNo))
}

// StorageManager maps a page number -> (segment, offset) for a fixed page size.
type StorageManager struct {
	pageSize int
}

func NewStorageManager(pageSize int) *StorageManager {
	if !ValidPageSize(pageSize) {
		pageSize = DefaultPageSize
	}
	return &StorageManager{pageSize: pageSize}
}

func (sm *StorageManager) PageSize() int { return sm.pageSize }

func (sm *StorageManager) pagesPerSegment() uint32 {
	return uint32(SegmentSize / sm.pageSize)
}

func (sm *StorageManager) locate(pageNo uint32) (segNo int32, offset int64) {
	pps := sm.pagesPerSegment()
	segNo = int32(pageNo / pps)
	offset = int64(pageNo%pps) * int64(sm.pageSize)
	return segNo, offset
}

// ReadPage reads exactly one page into dst.
// If the underlying file is smaller than the requested offset+pageSize,
// the remainder is zero-filled.
func (sm *StorageManager) ReadPage(fs FileSet, pageNo uint32, dst []byte) error {
	if len(dst) != sm.pageSize {
		return fmt.Errorf("%w: dst is %d bytes, want %d", ErrWrongSize, len(dst), sm.pageSize)
	}
	segNo, off := sm.locate(pageNo)
	f, err := fs.OpenSegment(segNo)
	if err != nil {
		return err
	}
	defer util.Close(f, "segment")

	n, err := f.ReadAt(dst, off)
	if err != nil && err != io.EOF {
		return err
	}
	for i := n; i < sm.pageSize; i++ {
		dst[i] = 0
	}
	return nil
}

// WritePage writes exactly one page from src at the location of pageNo.
func (sm *StorageManager) WritePage(fs FileSet, pageNo uint32, src []byte) error {
	if len(src) != sm.pageSize {
		return fmt.Errorf("%w: src is %d bytes, want %d", ErrWrongSize, len(src), sm.pageSize)
	}
	segNo, off := sm.locate(pageNo)
	f, err := fs.OpenSegment(segNo)
	if err != nil {
		return err
	}
	defer util.Close(f, "segment")

	n, err := f.WriteAt(src, off)
	if err != nil {
		return err
	}
	if n != sm.pageSize {
		return io.ErrShortWrite
	}
	return f.Sync()
}

// CountPages computes total pages for a given FileSet by scanning all segments.
func (sm *StorageManager) CountPages(fs FileSet) (uint32, error) {
	var total uint32

	for segNo := int32(0); ; segNo++ {
		info, err := fs.StatSegment(segNo)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				break
			}
			return 0, err
		}
		total += uint32(info.Size() / int64(sm.pageSize))
	}

	return total, nil
}

// RemoveAll deletes every segment of the FileSet.
func (sm *StorageManager) RemoveAll(lfs LocalFileSet) error {
	for segNo := int32(0); ; segNo++ {
		err := os.Remove(lfs.segmentPath(segNo))
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
