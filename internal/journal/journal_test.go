package journal

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryguy/workerpool/internal/core"
)

func openMemory(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestRecordAndList(t *testing.T) {
	j := openMemory(t)
	fixed := time.UnixMilli(1_700_000_000_000)
	j.now = func() time.Time { return fixed }
	ctx := context.Background()

	require.NoError(t, j.Record(ctx, core.ErrorReport{Source: 3, Message: "boom"}, false))
	require.NoError(t, j.Record(ctx, core.ErrorReport{Source: 0, Message: "owner failed"}, true))

	entries, err := j.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, core.WorkerID(3), entries[0].WorkerID)
	assert.Equal(t, "boom", entries[0].Message)
	assert.False(t, entries[0].Handled)
	assert.True(t, entries[0].CreatedAt.Equal(fixed))

	assert.Equal(t, core.OwnerID, entries[1].WorkerID)
	assert.True(t, entries[1].Handled)
	assert.Greater(t, entries[1].ID, entries[0].ID)
}

func TestListLimit(t *testing.T) {
	j := openMemory(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, j.Record(ctx, core.ErrorReport{Source: core.WorkerID(i), Message: fmt.Sprint(i)}, false))
	}

	entries, err := j.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "0", entries[0].Message)
	assert.Equal(t, "1", entries[1].Message)
}

func TestConcurrentRecord(t *testing.T) {
	j := openMemory(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			assert.NoError(t, j.Record(ctx, core.ErrorReport{Source: core.WorkerID(id), Message: "x"}, false))
		}(i)
	}
	wg.Wait()

	entries, err := j.List(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 8)
}

func TestOpenFilePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "errors.db")
	ctx := context.Background()

	j, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, j.Record(ctx, core.ErrorReport{Source: 1, Message: "persisted"}, false))
	require.NoError(t, j.Close())

	j, err = Open(path)
	require.NoError(t, err)
	defer j.Close()
	entries, err := j.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "persisted", entries[0].Message)
}
