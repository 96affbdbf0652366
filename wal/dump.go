// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package wal

import (
	"fmt"
	"io"
	"os"
)

// Dump writes a human-readable rendering of every well-formed record in
// path to w, one line per record, with EndHeight records rendered as
// the `#ENDHEIGHT: <h>` marker line operators grep for when diagnosing a
// stuck node (SPEC_FULL.md §C.1).
func Dump(path string, w io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("wal: opening %s for dump: %w", path, err)
	}
	defer f.Close()

	records, _, corrupt, err := readFrames(f)
	if err != nil {
		return err
	}
	for _, r := range records {
		if r.Msg.EndHeight != nil {
			fmt.Fprintf(w, "#ENDHEIGHT: %d\n", r.Msg.EndHeight.Height)
			continue
		}
		fmt.Fprintf(w, "%s %s\n", r.Time.Format("2006-01-02T15:04:05.000Z07:00"), r.Msg.Kind)
	}
	if corrupt {
		fmt.Fprintf(w, "#CORRUPT: trailing bytes discarded\n")
	}
	return nil
}
