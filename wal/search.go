// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package wal

import (
	"fmt"
	"os"
)

// ReadOptions configures search_for_end_height's corruption handling
// (spec.md §4.9, SPEC_FULL.md §C.2).
type ReadOptions struct {
	// IgnoreDataCorruption, when true, makes a CRC/framing failure stop
	// the read of that file instead of returning an error; the consensus
	// package sets it for its startup WAL replay.
	IgnoreDataCorruption bool
}

// ErrDataCorruption is returned by SearchForEndHeight/Replay in strict
// mode when a frame fails CRC verification.
var ErrDataCorruption = fmt.Errorf("wal: data corruption detected")

func (w *WAL) fileOrder() (order []int, curIndex int) {
	w.mu.Lock()
	numFiles := w.numFilesOrDefault()
	curIndex = w.curIndex
	w.mu.Unlock()

	order = make([]int, 0, numFiles)
	for i := 0; i < numFiles; i++ {
		order = append(order, (curIndex-i+numFiles*2)%numFiles)
	}
	return order, curIndex
}

func (w *WAL) readFile(idx int) (records []TimedWALMessage, corrupt bool, err error) {
	path := w.filePath(idx)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("wal: opening %s: %w", path, err)
	}
	defer f.Close()
	records, _, corrupt, err = readFrames(f)
	return records, corrupt, err
}

// SearchForEndHeight scans the WAL's files, newest first, for the
// EndHeight record matching height (spec.md §4.9). On a match it
// returns every record from that point onward, in chronological order,
// up through the current file — the tail Replay re-drives the state
// machine from.
func (w *WAL) SearchForEndHeight(height int64, opts ReadOptions) ([]TimedWALMessage, bool, error) {
	order, _ := w.fileOrder()

	for pos, idx := range order {
		records, corrupt, err := w.readFile(idx)
		if err != nil {
			return nil, false, err
		}
		if corrupt && !opts.IgnoreDataCorruption {
			return nil, false, fmt.Errorf("%w: file %s", ErrDataCorruption, w.filePath(idx))
		}

		for i := len(records) - 1; i >= 0; i-- {
			if eh := records[i].Msg.EndHeight; eh != nil && eh.Height == height {
				tail := append([]TimedWALMessage{}, records[i:]...)
				// Append every file newer than idx, in chronological
				// order: order[pos-1], order[pos-2], ..., order[0].
				for j := pos - 1; j >= 0; j-- {
					more, corrupt, err := w.readFile(order[j])
					if err != nil {
						return nil, false, err
					}
					if corrupt && !opts.IgnoreDataCorruption {
						return nil, false, fmt.Errorf("%w: file %s", ErrDataCorruption, w.filePath(order[j]))
					}
					tail = append(tail, more...)
				}
				return tail, true, nil
			}
		}
	}
	return nil, false, nil
}
