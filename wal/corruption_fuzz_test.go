package wal

import (
	"os"
	"path/filepath"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// TestWAL_FuzzedTailCorruptionNeverLosesValidPrefix builds a WAL with a known
// number of good records, then randomly mangles a random-length tail slice
// of the file (simulating a torn write at crash time) and asserts Replay
// never errors, yields no more than the original number of records, and
// still yields every record that lies wholly before the mangled tail.
func TestWAL_FuzzedTailCorruptionNeverLosesValidPrefix(t *testing.T) {
	f := fuzz.New().NilChance(0).NumElements(1, 40)

	for trial := 0; trial < 25; trial++ {
		path := filepath.Join(t.TempDir(), "hyperspace.wal")
		w, err := Open(path, WithRegisterer(prometheus.NewRegistry()))
		require.NoError(t, err)

		var coords []float64
		f.Fuzz(&coords)
		recordCount := 3 + trial%5
		for i := 0; i < recordCount; i++ {
			require.NoError(t, w.Append(Record{Op: OpInsert, ID: uint32(i), Coords: coords}))
		}
		require.NoError(t, w.Close())

		fi, err := os.Stat(path)
		require.NoError(t, err)
		full, err := os.ReadFile(path)
		require.NoError(t, err)

		var corruptLen int
		f.Fuzz(&corruptLen)
		if corruptLen < 0 {
			corruptLen = -corruptLen
		}
		corruptLen = corruptLen % (len(full) + 1)

		mangled := append([]byte(nil), full...)
		start := len(mangled) - corruptLen
		var b []byte
		f.NumElements(corruptLen, corruptLen+1).Fuzz(&b)
		for i := 0; i < corruptLen && i < len(b); i++ {
			mangled[start+i] = b[i]
		}
		require.NoError(t, os.WriteFile(path, mangled, 0o644))
		_ = fi

		w2, err := Open(path, WithRegisterer(prometheus.NewRegistry()))
		require.NoError(t, err, "Open/Replay must never error on a corrupted tail")

		var got []Record
		n, _, err := w2.Replay(func(r Record) error {
			got = append(got, r)
			return nil
		})
		require.NoError(t, err)
		require.LessOrEqual(t, n, recordCount)
		require.Len(t, got, n)
		// Every record is the same size, so the untouched prefix holds
		// start/frameLen whole records.
		frameLen := len(full) / recordCount
		require.GreaterOrEqual(t, n, start/frameLen)
		require.NoError(t, w2.Close())
	}
}
