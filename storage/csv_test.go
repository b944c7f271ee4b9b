package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/sensorbridge/calibration"
)

var testChannels = []string{"temperature", "uv"}

func sample(seq uint64, ts time.Time, temp float64, tempValid bool, uv float64) calibration.Sample {
	return calibration.Sample{
		Seq:       seq,
		Timestamp: ts,
		Readings: []calibration.Reading{
			{Channel: "temperature", Unit: "C", Raw: 512, Value: temp, Valid: tempValid},
			{Channel: "uv", Unit: "idx", Raw: 3, Value: uv, Valid: true},
		},
	}
}

func readLog(t *testing.T, path string) ([]string, []Record) {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	channels, records, err := ReadCSV(f)
	require.NoError(t, err)
	return channels, records
}

func TestCSVStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "weather.csv")
	store, err := NewCSVStore(path, testChannels, true)
	require.NoError(t, err)

	ts := time.Date(2024, 3, 1, 12, 0, 0, 123456789, time.UTC)
	want := []calibration.Sample{
		sample(1, ts, 25.024437927663733, true, 0.1),
		sample(2, ts.Add(time.Second), 0, false, 1e-7),
		sample(3, ts.Add(2*time.Second), -3.5, true, 11),
	}
	for _, s := range want {
		require.NoError(t, store.Append(s))
	}
	require.NoError(t, store.Close())

	channels, records := readLog(t, path)
	assert.Equal(t, testChannels, channels)
	require.Len(t, records, len(want))
	for i, s := range want {
		assert.True(t, s.Timestamp.Equal(records[i].Timestamp))
		for j, r := range s.Readings {
			assert.Equal(t, r.Value, records[i].Values[j], "record %d channel %d", i, j)
			assert.Equal(t, r.Valid, records[i].Valid[j])
		}
	}
}

func TestCSVStoreHeaderWrittenOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weather.csv")
	ts := time.Unix(1700000000, 0)

	for session := 0; session < 3; session++ {
		store, err := NewCSVStore(path, testChannels, false)
		require.NoError(t, err)
		require.NoError(t, store.Append(sample(uint64(session+1), ts, 1, true, 2)))
		require.NoError(t, store.Close())
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "timestamp,temperature,temperature_valid,uv,uv_valid"))

	_, records := readLog(t, path)
	assert.Len(t, records, 3)
}

func TestCSVStoreEmptySession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weather.csv")
	store, err := NewCSVStore(path, testChannels, false)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	channels, records := readLog(t, path)
	assert.Equal(t, testChannels, channels)
	assert.Empty(t, records)
}

func TestCSVStoreRecordFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weather.csv")
	store, err := NewCSVStore(path, testChannels, false)
	require.NoError(t, err)

	ts := time.Date(2024, 3, 1, 12, 0, 0, 500000000, time.FixedZone("CET", 3600))
	require.NoError(t, store.Append(sample(1, ts, 25.5, false, 3)))
	require.NoError(t, store.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "2024-03-01T11:00:00.5Z,25.5,false,3,true", lines[1])
}

func TestCSVStoreRejectsMismatchedSample(t *testing.T) {
	store, err := NewCSVStore(filepath.Join(t.TempDir(), "w.csv"), []string{"only"}, false)
	require.NoError(t, err)
	defer store.Close()

	assert.Error(t, store.Append(sample(1, time.Now(), 1, true, 1)))
}

func TestCSVStoreReopensAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weather.csv")
	store, err := NewCSVStore(path, testChannels, false)
	require.NoError(t, err)

	ts := time.Unix(1700000000, 0)
	require.NoError(t, store.Append(sample(1, ts, 1, true, 1)))
	require.NoError(t, store.Close())
	// a closed handle is reopened on the next append
	require.NoError(t, store.Append(sample(2, ts, 2, true, 2)))
	require.NoError(t, store.Close())

	_, records := readLog(t, path)
	require.Len(t, records, 2)
	assert.Equal(t, float64(2), records[1].Values[0])
}

func TestNewCSVStoreFailsOnUnwritablePath(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0644))

	_, err := NewCSVStore(filepath.Join(blocker, "weather.csv"), testChannels, false)
	assert.Error(t, err)

	_, err = NewCSVStore("", testChannels, false)
	assert.Error(t, err)
}

func TestReadCSVRejectsForeignFiles(t *testing.T) {
	_, _, err := ReadCSV(strings.NewReader("a,b,c\n1,2,3\n"))
	assert.Error(t, err)

	_, _, err = ReadCSV(strings.NewReader("timestamp,t,t_valid\nyesterday,1,true\n"))
	assert.Error(t, err)

	channels, records, err := ReadCSV(strings.NewReader(""))
	require.NoError(t, err)
	assert.Nil(t, channels)
	assert.Nil(t, records)
}

func TestCSVStoreDropsTornRecordOnOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weather.csv")
	require.NoError(t, os.WriteFile(path, []byte(
		"timestamp,temperature,temperature_valid,uv,uv_valid\n"+
			"2024-03-01T12:00:00Z,25.5,true,3,true\n"+
			"2024-03-01T12:00:01Z,25."), 0644))

	store, err := NewCSVStore(path, testChannels, false)
	require.NoError(t, err)
	require.NoError(t, store.Append(sample(3, time.Date(2024, 3, 1, 12, 0, 2, 0, time.UTC), 26, true, 4)))
	require.NoError(t, store.Close())

	_, records := readLog(t, path)
	require.Len(t, records, 2)
	assert.Equal(t, 25.5, records[0].Values[0])
	assert.Equal(t, float64(26), records[1].Values[0])
}

func TestCSVStoreRestartsIncompleteHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weather.csv")
	require.NoError(t, os.WriteFile(path, []byte("timestamp,temper"), 0644))

	store, err := NewCSVStore(path, testChannels, false)
	require.NoError(t, err)
	require.NoError(t, store.Append(sample(1, time.Unix(1700000000, 0), 1, true, 2)))
	require.NoError(t, store.Close())

	channels, records := readLog(t, path)
	assert.Equal(t, testChannels, channels)
	assert.Len(t, records, 1)
}

func TestCSVStoreMovesAsideLogOfOtherChannels(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "weather.csv")
	old := "timestamp,pressure,pressure_valid\n2024-03-01T12:00:00Z,1013,true\n"
	require.NoError(t, os.WriteFile(path, []byte(old), 0644))

	store, err := NewCSVStore(path, testChannels, false)
	require.NoError(t, err)
	require.NoError(t, store.Append(sample(1, time.Unix(1700000000, 0), 1, true, 2)))
	require.NoError(t, store.Close())

	channels, records := readLog(t, path)
	assert.Equal(t, testChannels, channels)
	assert.Len(t, records, 1)

	aside, err := filepath.Glob(filepath.Join(dir, "weather.*.csv"))
	require.NoError(t, err)
	require.Len(t, aside, 1)
	data, err := os.ReadFile(aside[0])
	require.NoError(t, err)
	assert.Equal(t, old, string(data))
}
