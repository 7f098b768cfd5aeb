package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordCacheLookup(t *testing.T) {
	hits := testutil.ToFloat64(dirCacheLookupsTotal.WithLabelValues("hit"))
	misses := testutil.ToFloat64(dirCacheLookupsTotal.WithLabelValues("miss"))

	RecordCacheLookup(true)
	RecordCacheLookup(true)
	RecordCacheLookup(false)

	assert.Equal(t, hits+2, testutil.ToFloat64(dirCacheLookupsTotal.WithLabelValues("hit")))
	assert.Equal(t, misses+1, testutil.ToFloat64(dirCacheLookupsTotal.WithLabelValues("miss")))
}

func TestRecordPull(t *testing.T) {
	before := testutil.ToFloat64(bytesPulled)
	RecordPull(1048576, true)
	RecordPull(0, false)
	assert.Equal(t, before+1048576, testutil.ToFloat64(bytesPulled))
}

func TestWriteTextfile(t *testing.T) {
	RecordCommand("ls", "ok", 120*time.Millisecond)
	SetPlanEntries("pull", 3)

	path := filepath.Join(t.TempDir(), "kindle_mtp.prom")
	require.NoError(t, WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "kindle_mtp_command_duration_seconds")
	assert.Contains(t, string(data), `kindle_mtp_plan_entries{op="pull"} 3`)
}
