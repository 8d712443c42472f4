package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"

	"artidx/internal/base"
)

// SyncMode controls when the WAL is fsynced to disk.
type SyncMode int

const (
	// SyncEveryCommit fsyncs on every commit marker.
	// - Guarantees a committed insert or build survives power failure
	// - Limited by fsync latency
	SyncEveryCommit SyncMode = iota

	// SyncOff disables fsync entirely (testing/bulk loads only).
	// - All unflushed data lost on crash
	SyncOff
)

// WAL is a full-page redo log. Every record carries a whole page image, so
// replay is idempotent and needs no knowledge of the index structure.
type WAL struct {
	file   *os.File
	mu     sync.Mutex
	offset int64 // Current write position

	syncMode SyncMode
	lastTxn  uint64
	buf      []byte
}

// Record types
const (
	RecordPage   uint8 = 1 // Full page image
	RecordCommit uint8 = 2 // Commit marker
)

// RecordHeaderSize Record format: [Type:1][TxnID:8][PageID:4][DataLen:4][Checksum:8][Data:N]
// Checksum covers the first 17 header bytes and the data.
const RecordHeaderSize = 1 + 8 + 4 + 4 + 8

var ErrCorruptRecord = errors.New("corrupt wal record")

// NewWAL opens or creates a WAL file with the specified sync mode
func NewWAL(path string, syncMode SyncMode) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, err
	}

	return &WAL{
		file:     file,
		offset:   info.Size(),
		syncMode: syncMode,
		buf:      make([]byte, RecordHeaderSize+base.PageSize),
	}, nil
}

// NextTxnID returns a fresh transaction id for a group of page records.
func (w *WAL) NextTxnID() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastTxn++
	return w.lastTxn
}

func (w *WAL) appendRecord(typ uint8, txnID uint64, pageID base.PageID, data []byte) error {
	buf := w.buf[:RecordHeaderSize+len(data)]
	buf[0] = typ
	binary.LittleEndian.PutUint64(buf[1:9], txnID)
	binary.LittleEndian.PutUint32(buf[9:13], uint32(pageID))
	binary.LittleEndian.PutUint32(buf[13:17], uint32(len(data)))
	copy(buf[RecordHeaderSize:], data)
	binary.LittleEndian.PutUint64(buf[17:25], recordChecksum(buf[:17], data))

	n, err := w.file.WriteAt(buf, w.offset)
	w.offset += int64(n)
	return err
}

func recordChecksum(header, data []byte) uint64 {
	d := xxhash.New()
	_, _ = d.Write(header)
	_, _ = d.Write(data)
	return d.Sum64()
}

// AppendPage writes a full page image to the WAL
func (w *WAL) AppendPage(txnID uint64, pageID base.PageID, page *base.Page) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.appendRecord(RecordPage, txnID, pageID, page.Data[:])
}

// AppendCommit writes a commit marker and syncs according to the sync mode.
// Pages of txnID are replayed only if this marker reaches the log.
func (w *WAL) AppendCommit(txnID uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.appendRecord(RecordCommit, txnID, base.InvalidPageID, nil); err != nil {
		return err
	}
	if w.syncMode == SyncEveryCommit {
		return w.file.Sync()
	}
	return nil
}

// ForceSync unconditionally fsyncs the WAL regardless of sync mode.
func (w *WAL) ForceSync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.file.Sync()
}

// Size returns the number of bytes in the log.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.offset
}

// Replay applies the pages of every committed transaction in log order. A
// torn or corrupt tail ends the replay: whatever follows the last intact
// commit marker never committed. Returns the number of pages applied.
func (w *WAL) Replay(applyFn func(base.PageID, *base.Page) error) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	r := bufio.NewReader(io.NewSectionReader(w.file, 0, w.offset))
	uncommitted := make(map[uint64][]pageRecord)
	header := make([]byte, RecordHeaderSize)
	applied := 0

	for {
		if _, err := io.ReadFull(r, header); err != nil {
			break
		}
		typ := header[0]
		txnID := binary.LittleEndian.Uint64(header[1:9])
		pageID := base.PageID(binary.LittleEndian.Uint32(header[9:13]))
		dataLen := binary.LittleEndian.Uint32(header[13:17])
		sum := binary.LittleEndian.Uint64(header[17:25])
		w.lastTxn = max(w.lastTxn, txnID)

		switch typ {
		case RecordPage:
			if dataLen != base.PageSize {
				return applied, fmt.Errorf("page record of %d bytes: %w", dataLen, ErrCorruptRecord)
			}
			page := new(base.Page)
			if _, err := io.ReadFull(r, page.Data[:]); err != nil {
				return applied, nil
			}
			if recordChecksum(header[:17], page.Data[:]) != sum {
				return applied, nil
			}
			uncommitted[txnID] = append(uncommitted[txnID], pageRecord{id: pageID, page: page})

		case RecordCommit:
			if recordChecksum(header[:17], nil) != sum {
				return applied, nil
			}
			for _, rec := range uncommitted[txnID] {
				if err := applyFn(rec.id, rec.page); err != nil {
					return applied, fmt.Errorf("wal replay: failed to apply page %d: %w", rec.id, err)
				}
				applied++
			}
			delete(uncommitted, txnID)

		default:
			return applied, nil
		}
	}
	return applied, nil
}

type pageRecord struct {
	id   base.PageID
	page *base.Page
}

// Truncate discards every record. Only call it once the data file holds
// every committed page durably.
func (w *WAL) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Truncate(0); err != nil {
		return err
	}
	w.offset = 0
	if w.syncMode == SyncEveryCommit {
		return w.file.Sync()
	}
	return nil
}

// Close closes the WAL file
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.file.Close()
}
