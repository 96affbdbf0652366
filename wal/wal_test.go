package wal

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"

	noirlog "github.com/noirhq/noir/log"
)

func openTestWAL(t *testing.T, numFiles int, rotateSize int64) *WAL {
	t.Helper()
	w, err := Open(t.TempDir(), "cs_wal", numFiles, rotateSize, noirlog.NewNoOpLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func TestWAL_WriteAndSearchForEndHeight(t *testing.T) {
	w := openTestWAL(t, 4, 0)
	require.NoError(t, w.Write(NewRoundStepMessage(1, 0, "propose")))
	require.NoError(t, w.WriteEndHeight(1))
	require.NoError(t, w.Write(NewRoundStepMessage(2, 0, "propose")))
	require.NoError(t, w.WriteEndHeight(2))
	require.NoError(t, w.FlushAndSync())

	tail, found, err := w.SearchForEndHeight(1, ReadOptions{})
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, KindEndHeight, tail[0].Msg.Kind)
	require.Equal(t, int64(1), tail[0].Msg.EndHeight.Height)
	// Everything after height 1's EndHeight should also be present.
	require.True(t, len(tail) >= 3)
}

func TestWAL_Rotation(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, "cs_wal", 2, frameHeaderSize+64, noirlog.NewNoOpLogger())
	require.NoError(t, err)
	defer w.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, w.Write(NewRoundStepMessage(int64(i), 0, "propose")))
	}
	// Both rotation files should exist.
	_, err0 := os.Stat(filepath.Join(dir, "cs_wal.0"))
	_, err1 := os.Stat(filepath.Join(dir, "cs_wal.1"))
	require.NoError(t, err0)
	require.NoError(t, err1)
}

func TestWAL_MaxMsgSizeEnforced(t *testing.T) {
	w := openTestWAL(t, 1, 0)
	payload, err := NewPeerMsgMessage(ids.NodeID{}, bytes.Repeat([]byte("x"), MaxMsgSize))
	require.NoError(t, err)
	err = w.Write(payload)
	require.Error(t, err)
}

func TestWAL_Repair_TruncatesPartialTail(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, "cs_wal", 1, 0, noirlog.NewNoOpLogger())
	require.NoError(t, err)
	require.NoError(t, w.Write(NewRoundStepMessage(1, 0, "propose")))
	require.NoError(t, w.WriteEndHeight(1))
	require.NoError(t, w.FlushAndSync())
	require.NoError(t, w.Close())

	path := filepath.Join(dir, "cs_wal.0")
	goodInfo, err := os.Stat(path)
	require.NoError(t, err)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write(bytes.Repeat([]byte{0xff}, 37))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	repaired := filepath.Join(dir, "cs_wal.repaired")
	require.NoError(t, Repair(path, repaired))

	repairedInfo, err := os.Stat(repaired)
	require.NoError(t, err)
	require.Equal(t, goodInfo.Size(), repairedInfo.Size())
}

func TestDump_RendersEndHeightMarker(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, "cs_wal", 1, 0, noirlog.NewNoOpLogger())
	require.NoError(t, err)
	require.NoError(t, w.WriteEndHeight(42))
	require.NoError(t, w.FlushAndSync())
	require.NoError(t, w.Close())

	var buf bytes.Buffer
	require.NoError(t, Dump(filepath.Join(dir, "cs_wal.0"), &buf))
	require.Contains(t, buf.String(), "#ENDHEIGHT: 42")
}
