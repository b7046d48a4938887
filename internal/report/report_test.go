package report

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_ConcurrentAdd(t *testing.T) {
	c := NewCollector()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Add(TaskOutcome{Package: "p", CacheSource: SourceNone})
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, c.Len())
}

func TestBuild_Scope(t *testing.T) {
	c := NewCollector()
	c.Add(TaskOutcome{Package: "A", CacheSource: SourceLocal, Cached: true})

	assert.Nil(t, c.Build("id", "build", "").Scope)
	r := c.Build("id", "build", "A")
	require.NotNil(t, r.Scope)
	assert.Equal(t, "A", *r.Scope)
	assert.Equal(t, map[CacheSource]int{SourceLocal: 1}, r.Summary())
}

func TestWrite_StdoutAndFile(t *testing.T) {
	c := NewCollector()
	c.Add(TaskOutcome{Package: "A", Task: "build", Fingerprint: "f00", CacheSource: SourceRemote, Cached: true, Duration: 1500 * time.Millisecond})
	r := c.Build("run-1", "build", "")

	var stdout bytes.Buffer
	require.NoError(t, Write("-", r, &stdout))

	var decoded map[string]any
	require.NoError(t, sonic.Unmarshal(stdout.Bytes(), &decoded))
	assert.Equal(t, "build", decoded["task"])
	assert.Nil(t, decoded["scope"])
	results := decoded["results"].([]any)
	require.Len(t, results, 1)
	first := results[0].(map[string]any)
	assert.Equal(t, "f00", first["hash"])
	assert.Equal(t, "remote", first["cache_source"])
	assert.EqualValues(t, 1500, first["duration_ms"])

	path := filepath.Join(t.TempDir(), "nested", "dir", "report.json")
	require.NoError(t, Write(path, r, nil))
	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, stdout.String(), string(onDisk))
}
