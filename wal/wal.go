// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/luxfi/log"
)

// frameHeaderSize is len(CRC32) + len(length), per spec.md §4.9's
// "CRC32 (4 bytes) ‖ length (4 bytes big-endian) ‖ payload" framing.
const frameHeaderSize = 8

// WAL is the rotating, CRC-framed append-only log of consensus-state-
// machine inputs (spec.md §4.9). File i rotates to file (i+1) mod
// NumFiles, wrapping over and truncating the oldest.
type WAL struct {
	mu sync.Mutex

	dir       string
	baseName  string
	numFiles  int
	rotateSize int64
	logger    log.Logger

	curIndex int
	curFile  *os.File
	curSize  int64
}

// Open opens (or creates) the WAL rooted at dir/baseName, resuming at
// whichever file was most recently written to.
func Open(dir, baseName string, numFiles int, rotateSize int64, logger log.Logger) (*WAL, error) {
	if numFiles < 1 {
		return nil, fmt.Errorf("wal: numFiles must be >= 1, got %d", numFiles)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: creating directory %s: %w", dir, err)
	}
	w := &WAL{dir: dir, baseName: baseName, numFiles: numFiles, rotateSize: rotateSize, logger: logger}

	latest, size, err := w.latestFile()
	if err != nil {
		return nil, err
	}
	w.curIndex = latest
	w.curSize = size
	f, err := os.OpenFile(w.filePath(w.curIndex), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: opening %s: %w", w.filePath(w.curIndex), err)
	}
	w.curFile = f
	return w, nil
}

func (w *WAL) filePath(i int) string {
	return filepath.Join(w.dir, fmt.Sprintf("%s.%d", w.baseName, i))
}

// latestFile picks the most recently modified existing file as the resume
// point (the higher index on a tie), defaulting to index 0 for a fresh WAL.
func (w *WAL) latestFile() (index int, size int64, err error) {
	var newest os.FileInfo
	for i := 0; i < w.numFilesOrDefault(); i++ {
		fi, statErr := os.Stat(w.filePath(i))
		if statErr != nil {
			if !os.IsNotExist(statErr) {
				return 0, 0, fmt.Errorf("wal: stat %s: %w", w.filePath(i), statErr)
			}
			continue
		}
		if newest == nil || !fi.ModTime().Before(newest.ModTime()) {
			index, size, newest = i, fi.Size(), fi
		}
	}
	return index, size, nil
}

func (w *WAL) numFilesOrDefault() int {
	if w.numFiles < 1 {
		return 1
	}
	return w.numFiles
}

// Write encodes msg, enforces the 1 MiB payload ceiling, and appends a
// framed record. Flush is deferred to FlushAndSync or rotation, per
// spec.md §4.9.
func (w *WAL) Write(msg WALMessage) error {
	payload, err := encode(msg)
	if err != nil {
		return err
	}
	if len(payload) > MaxMsgSize {
		return fmt.Errorf("wal: payload of %d bytes exceeds max %d", len(payload), MaxMsgSize)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	frame := frameFor(payload)
	if _, err := w.curFile.Write(frame); err != nil {
		return fmt.Errorf("wal: writing record: %w", err)
	}
	w.curSize += int64(len(frame))

	if w.rotateSize > 0 && w.curSize >= w.rotateSize {
		if err := w.rotateLocked(); err != nil {
			return err
		}
	}
	return nil
}

// WriteEndHeight is a convenience wrapper: callers must invoke it only
// after a commit has durably completed (spec.md §4.9's replay contract).
func (w *WAL) WriteEndHeight(height int64) error {
	return w.Write(NewEndHeightMessage(height))
}

// FlushAndSync fsyncs the current file, the explicit durability point
// between individual Write calls.
func (w *WAL) FlushAndSync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.curFile.Sync(); err != nil {
		return fmt.Errorf("wal: fsync: %w", err)
	}
	return nil
}

// rotateLocked advances to file (curIndex+1) mod numFiles, truncating
// the target file since it may hold the oldest surviving generation.
func (w *WAL) rotateLocked() error {
	if err := w.curFile.Sync(); err != nil {
		return fmt.Errorf("wal: fsync before rotate: %w", err)
	}
	if err := w.curFile.Close(); err != nil {
		return fmt.Errorf("wal: closing before rotate: %w", err)
	}
	next := (w.curIndex + 1) % w.numFilesOrDefault()
	f, err := os.OpenFile(w.filePath(next), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("wal: opening rotated file %s: %w", w.filePath(next), err)
	}
	w.logger.Info("wal: rotated", "from", w.curIndex, "to", next)
	w.curIndex = next
	w.curFile = f
	w.curSize = 0
	return nil
}

// Close syncs and closes the current file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.curFile.Sync(); err != nil {
		return err
	}
	return w.curFile.Close()
}

func frameFor(payload []byte) []byte {
	frame := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame[0:4], crc32.ChecksumIEEE(payload))
	binary.BigEndian.PutUint32(frame[4:8], uint32(len(payload)))
	copy(frame[8:], payload)
	return frame
}

// readFrames reads every well-formed frame from r in file order. It
// stops (without error) at EOF or at the first corrupt frame, returning
// corrupt=true in the latter case along with the byte offset the
// corruption starts at, for repair's truncation point.
func readFrames(r io.Reader) (records []TimedWALMessage, goodBytes int64, corrupt bool, err error) {
	header := make([]byte, frameHeaderSize)
	var offset int64
	for {
		n, readErr := io.ReadFull(r, header)
		if readErr == io.EOF && n == 0 {
			return records, offset, false, nil
		}
		if readErr != nil {
			// A short header at EOF is a truncated trailing write, not
			// data corruption in the strict sense, but it still means
			// there is nothing more to recover from this frame onward.
			return records, offset, true, nil
		}
		wantCRC := binary.BigEndian.Uint32(header[0:4])
		length := binary.BigEndian.Uint32(header[4:8])
		if int64(length) > MaxMsgSize*2 {
			return records, offset, true, nil
		}
		payload := make([]byte, length)
		if _, readErr := io.ReadFull(r, payload); readErr != nil {
			return records, offset, true, nil
		}
		if crc32.ChecksumIEEE(payload) != wantCRC {
			return records, offset, true, nil
		}
		msg, decErr := decode(payload)
		if decErr != nil {
			return records, offset, true, nil
		}
		records = append(records, msg)
		offset += int64(frameHeaderSize) + int64(length)
	}
}
