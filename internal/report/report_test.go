package report

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)

	r := New(false)
	r.Metric("rows", int64(10))
	r.Metric("rows_per_second", int64(5000))
	r.Config("source", "in.gz")
	r.Config("threads", 4)

	require.NoError(t, r.Save(path))
	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file must be renamed away")

	fields, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, json.Number("10"), fields["rows"])
	assert.Equal(t, json.Number("5000"), fields["rows_per_second"])
	assert.Equal(t, "in.gz", fields["source"])
	assert.Equal(t, json.Number("4"), fields["threads"])
}

func TestSaveOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)

	first := New(false)
	first.Metric("rows", 1)
	require.NoError(t, first.Save(path))

	second := New(false)
	second.Metric("rows", 2)
	require.NoError(t, second.Save(path))

	fields, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, json.Number("2"), fields["rows"])
}

func TestSaveInvalidDir(t *testing.T) {
	r := New(false)
	err := r.Save(filepath.Join(t.TempDir(), "missing", FileName))
	assert.Error(t, err)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "absent.json"))
	assert.ErrorIs(t, err, ErrReportNotFound)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0644))
	_, err = Load(bad)
	assert.ErrorIs(t, err, ErrCorruptedReport)

	null := filepath.Join(dir, "null.json")
	require.NoError(t, os.WriteFile(null, []byte("null"), 0644))
	_, err = Load(null)
	assert.ErrorIs(t, err, ErrCorruptedReport)
}

func TestFieldsMetricsWin(t *testing.T) {
	r := New(false)
	r.Config("rows", "config")
	r.Metric("rows", "metric")
	assert.Equal(t, "metric", r.Fields()["rows"])
}

func TestConcurrentRecording(t *testing.T) {
	r := New(true)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.Metric("m", i)
			r.Config("c", i)
			r.Out("progress", "i", i)
		}(i)
	}
	wg.Wait()
	assert.Len(t, r.Fields(), 2)
}
