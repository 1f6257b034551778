package options

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/scriptd/internal/storage"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "scriptd.db")
	db, err := storage.OpenSQLite(context.Background(), dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s, err := Open(context.Background(), db)
	require.NoError(t, err)
	return s, dbPath
}

func TestDefaults(t *testing.T) {
	t.Parallel()

	s, _ := openTestStore(t)
	assert.True(t, s.Bool(KeyIsApplied))
	assert.True(t, s.Bool(KeyAutoUpdate))
	assert.True(t, s.Bool(KeyShowBadge))
	assert.False(t, s.Bool(KeyIgnoreGrant))
	assert.Equal(t, int64(0), s.Int64(KeyLastUpdate))
	assert.Nil(t, s.Get("noSuchOption"))
}

func TestSetPersistsAcrossOpen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "scriptd.db")
	db, err := storage.OpenSQLite(ctx, dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s, err := Open(ctx, db)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, KeyLastUpdate, int64(1700000000000)))
	require.NoError(t, s.Set(ctx, KeyShowBadge, false))

	reopened, err := Open(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000000), reopened.Int64(KeyLastUpdate))
	assert.False(t, reopened.Bool(KeyShowBadge))
}

func TestHookReceivesOnlyChangedKeys(t *testing.T) {
	t.Parallel()

	s, _ := openTestStore(t)
	var got []map[string]any
	unhook := s.Hook(func(changes map[string]any) {
		got = append(got, changes)
	})

	require.NoError(t, s.SetMany(context.Background(), []Item{
		{Key: KeyIsApplied, Value: false},
		{Key: KeyInjectMode, Value: 1},
	}))
	require.Len(t, got, 1)
	assert.Equal(t, map[string]any{KeyIsApplied: false, KeyInjectMode: 1}, got[0])

	unhook()
	require.NoError(t, s.Set(context.Background(), KeyIsApplied, true))
	assert.Len(t, got, 1)
}

func TestGetManyAndGetAllAreCopies(t *testing.T) {
	t.Parallel()

	s, _ := openTestStore(t)
	many := s.GetMany([]string{KeyIsApplied, "missing"})
	assert.Equal(t, map[string]any{KeyIsApplied: true, "missing": nil}, many)

	all := s.GetAll()
	all[KeyIsApplied] = false
	assert.True(t, s.Bool(KeyIsApplied))
}

func TestSetManyRejectsEmptyKey(t *testing.T) {
	t.Parallel()

	s, _ := openTestStore(t)
	err := s.SetMany(context.Background(), []Item{{Key: "", Value: 1}})
	assert.Error(t, err)
}

func TestMarkUpdated(t *testing.T) {
	t.Parallel()

	s, _ := openTestStore(t)
	assert.True(t, s.AutoUpdateEnabled())
	assert.Equal(t, int64(0), s.LastUpdate().UnixMilli())

	at := time.UnixMilli(1700000000123)
	require.NoError(t, s.MarkUpdated(context.Background(), at))
	assert.True(t, s.LastUpdate().Equal(at))
}

func TestConcurrentWritesKeepSnapshotAndRowInStep(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := openTestStore(t)

	var mu sync.Mutex
	var hooked []int64
	s.Hook(func(changes map[string]any) {
		mu.Lock()
		hooked = append(hooked, int64(changes[KeyInjectMode].(int)))
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, s.Set(ctx, KeyInjectMode, i))
		}(i)
	}
	wg.Wait()

	reopened, err := Open(ctx, s.db)
	require.NoError(t, err)
	assert.Equal(t, reopened.Int64(KeyInjectMode), s.Int64(KeyInjectMode))

	// Hooks run in commit order, so the last one saw the committed value.
	require.Len(t, hooked, 30)
	assert.Equal(t, s.Int64(KeyInjectMode), hooked[len(hooked)-1])
}
