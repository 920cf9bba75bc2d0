package disk

import (
	"encoding/binary"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// PageSize is the fixed size of every on-disk page.
const PageSize int = 4096

// headerMagic identifies a kiln data file.
const headerMagic uint32 = 0x4B494C4E

// IDiskManager is the page-granular file access layer below the page cache.
type IDiskManager interface {
	// ReadPage reads the page at pageID*PageSize into dst. dst must be
	// PageSize long.
	ReadPage(pageID uint32, dst []byte) error

	// WritePage writes a PageSize-long buffer at pageID*PageSize.
	WritePage(data []byte, pageID uint32) error

	// NewPageID allocates the next page id. Page 0 is the file header, data
	// pages start at 1.
	NewPageID() uint32

	// TotalPages returns the number of allocated data pages.
	TotalPages() uint32

	InstanceID() uuid.UUID

	Sync() error
	Close() error
}

var _ IDiskManager = &Manager{}

type Manager struct {
	file       *os.File
	filename   string
	lastPageID uint32
	instanceID uuid.UUID
	mu         sync.Mutex
	logger     zerolog.Logger
}

// NewManager opens or creates a data file. The second return value reports
// whether the file was created by this call.
func NewManager(file string) (*Manager, bool, error) {
	f, err := os.OpenFile(file, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, false, errors.Wrapf(err, "disk: cannot open %s", file)
	}

	d := &Manager{
		file:     f,
		filename: file,
		logger:   log.With().Str("component", "disk").Str("file", file).Logger(),
	}

	stats, err := f.Stat()
	if err != nil {
		return nil, false, errors.Wrapf(err, "disk: cannot stat %s", file)
	}

	if stats.Size() == 0 {
		d.lastPageID = 0
		d.instanceID = uuid.New()
		if err := d.writeHeader(); err != nil {
			return nil, false, err
		}
		d.logger.Info().Str("instance", d.instanceID.String()).Msg("data file created")
		return d, true, nil
	}

	if err := d.readHeader(); err != nil {
		return nil, false, err
	}
	d.logger.Info().Uint32("last_page", d.lastPageID).Msg("data file opened")
	return d, false, nil
}

func (d *Manager) ReadPage(pageID uint32, dst []byte) error {
	if len(dst) != PageSize {
		return errors.Errorf("disk: destination buffer is %d bytes, want %d", len(dst), PageSize)
	}

	n, err := d.file.ReadAt(dst, int64(pageID)*int64(PageSize))
	if err != nil {
		return errors.Wrapf(err, "disk: cannot read page %d", pageID)
	}
	if n != PageSize {
		return errors.Errorf("disk: partial read of page %d: %d bytes", pageID, n)
	}

	return nil
}

func (d *Manager) WritePage(data []byte, pageID uint32) error {
	if len(data) != PageSize {
		return errors.Errorf("disk: page buffer is %d bytes, want %d", len(data), PageSize)
	}

	n, err := d.file.WriteAt(data, int64(pageID)*int64(PageSize))
	if err != nil {
		return errors.Wrapf(err, "disk: cannot write page %d", pageID)
	}
	if n != PageSize {
		return errors.Errorf("disk: partial write of page %d: %d bytes", pageID, n)
	}

	return nil
}

func (d *Manager) NewPageID() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.lastPageID++
	id := d.lastPageID
	if err := d.writeHeaderLocked(); err != nil {
		// allocation itself cannot fail; the header catches up on the next
		// successful write or on Close.
		d.logger.Error().Err(err).Uint32("page_id", id).Msg("header update failed after allocation")
	}
	return id
}

func (d *Manager) TotalPages() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastPageID
}

func (d *Manager) InstanceID() uuid.UUID {
	return d.instanceID
}

func (d *Manager) Sync() error {
	return errors.Wrap(d.file.Sync(), "disk: sync failed")
}

func (d *Manager) Close() error {
	d.mu.Lock()
	if err := d.writeHeaderLocked(); err != nil {
		d.mu.Unlock()
		return err
	}
	d.mu.Unlock()

	if err := d.file.Sync(); err != nil {
		return errors.Wrap(err, "disk: sync on close failed")
	}
	return d.file.Close()
}

// Header layout on page 0: magic:4, pageSize:4, lastPageID:4, instanceID:16.
func (d *Manager) writeHeader() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeHeaderLocked()
}

func (d *Manager) writeHeaderLocked() error {
	buf := make([]byte, PageSize)
	binary.BigEndian.PutUint32(buf[0:], headerMagic)
	binary.BigEndian.PutUint32(buf[4:], uint32(PageSize))
	binary.BigEndian.PutUint32(buf[8:], d.lastPageID)
	copy(buf[12:], d.instanceID[:])
	return d.WritePage(buf, 0)
}

func (d *Manager) readHeader() error {
	buf := make([]byte, PageSize)
	if err := d.ReadPage(0, buf); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("disk: data file has no header page")
		}
		return err
	}

	if magic := binary.BigEndian.Uint32(buf[0:]); magic != headerMagic {
		return errors.Errorf("disk: bad magic %#x, not a kiln data file", magic)
	}
	if ps := binary.BigEndian.Uint32(buf[4:]); int(ps) != PageSize {
		return errors.Errorf("disk: file page size %d does not match build page size %d", ps, PageSize)
	}

	d.lastPageID = binary.BigEndian.Uint32(buf[8:])
	copy(d.instanceID[:], buf[12:28])
	return nil
}
