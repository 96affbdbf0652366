// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package wal

import (
	"fmt"
	"io"
	"os"
)

// Repair copies frames from corruptedPath up to (but not including) the
// first malformed or truncated frame into repairedPath, discarding the
// trailing partial frame (spec.md §4.9).
func Repair(corruptedPath, repairedPath string) error {
	src, err := os.Open(corruptedPath)
	if err != nil {
		return fmt.Errorf("wal: opening %s for repair: %w", corruptedPath, err)
	}
	defer src.Close()

	_, goodBytes, _, err := readFrames(src)
	if err != nil {
		return err
	}

	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("wal: rewinding %s: %w", corruptedPath, err)
	}
	dst, err := os.OpenFile(repairedPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("wal: creating %s: %w", repairedPath, err)
	}
	defer dst.Close()

	if _, err := io.CopyN(dst, src, goodBytes); err != nil && err != io.EOF {
		return fmt.Errorf("wal: copying %d good bytes: %w", goodBytes, err)
	}
	return dst.Sync()
}
