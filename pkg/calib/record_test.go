package calib

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord(seq uint32, raw, ref float64) Record {
	at := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
	return Record{
		Seq:        seq,
		Raw:        raw,
		Reference:  ref,
		Unit:       "V",
		DeviceAt:   at,
		MeterAt:    at.Add(5 * time.Millisecond),
		SkewMicros: 5000,
	}
}

func TestLogAppendRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.jsonl")

	w, err := OpenLog(path)
	require.NoError(t, err)

	records := []Record{
		testRecord(1, 100, 74.2),
		testRecord(2, 200, 148.9),
		testRecord(3, 300, 223.1),
	}
	for _, r := range records {
		require.NoError(t, w.Append(r))
	}
	assert.Equal(t, 3, w.Appended())
	require.NoError(t, w.Close())

	got, err := ReadLog(path)
	require.NoError(t, err)
	assert.Equal(t, records, got)
}

func TestLogAppend_Closed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.jsonl")

	w, err := OpenLog(path)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close()) // closing twice is fine

	assert.Error(t, w.Append(testRecord(1, 1, 1)))
}

func TestLogResume(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.jsonl")

	w, err := OpenLog(path)
	require.NoError(t, err)
	require.NoError(t, w.Append(testRecord(1, 10, 7)))
	require.NoError(t, w.Append(testRecord(2, 20, 15)))
	require.NoError(t, w.Close())

	// A second writer appends, never truncates.
	w, err = OpenLog(path)
	require.NoError(t, err)
	require.NoError(t, w.Append(testRecord(3, 30, 22)))
	require.NoError(t, w.Close())

	got, err := ReadLog(path)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, uint32(1), got[0].Seq)
	assert.Equal(t, uint32(3), got[2].Seq)
}

func TestReadLog_Missing(t *testing.T) {
	got, err := ReadLog(filepath.Join(t.TempDir(), "nope.jsonl"))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReadLog_TornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.jsonl")
	content := `{"raw":10,"reference":7.5,"device_at":"2026-03-14T15:09:26Z","meter_at":"2026-03-14T15:09:26Z","skew_us":0}
{"raw":20,"reference":15.1,"device_at":"2026-03-14T15:09:27Z","meter_at":"2026-03-14T15:09:27Z","skew_us":0}
{"raw":30,"refer`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	got, err := ReadLog(path)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 20.0, got[1].Raw)
}

func TestReadLog_CorruptMiddle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.jsonl")
	content := `{"raw":10,"reference":7.5,"device_at":"2026-03-14T15:09:26Z","meter_at":"2026-03-14T15:09:26Z","skew_us":0}
not json at all
{"raw":30,"reference":22.9,"device_at":"2026-03-14T15:09:28Z","meter_at":"2026-03-14T15:09:28Z","skew_us":0}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	_, err := ReadLog(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), ":2")
}

func TestReadLog_BlankLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.jsonl")
	content := "\n" + `{"raw":10,"reference":7.5,"device_at":"2026-03-14T15:09:26Z","meter_at":"2026-03-14T15:09:26Z","skew_us":0}` + "\n\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	got, err := ReadLog(path)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestRecord_Skew(t *testing.T) {
	r := Record{SkewMicros: 1500}
	assert.Equal(t, 1500*time.Microsecond, r.Skew())
}

func TestLevelCounts(t *testing.T) {
	records := []Record{
		{Level: 0, Raw: 1},
		{Level: 32, Raw: 2},
		{Level: 32, Raw: 3},
		{Level: 64, Raw: 4},
	}

	counts := LevelCounts(records)
	assert.Equal(t, map[uint16]int{0: 1, 32: 2, 64: 1}, counts)
}
