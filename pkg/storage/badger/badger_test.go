package badger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goclaw/conductor/pkg/batch"
	"github.com/goclaw/conductor/pkg/storage"
	"github.com/goclaw/conductor/pkg/storage/storagetest"
)

func setupTestDB(t *testing.T, dir string) *BadgerStorage {
	t.Helper()
	db, err := NewBadgerStorage(&Config{
		Path:              dir,
		SyncWrites:        false,   // Faster for tests
		ValueLogFileSize:  1 << 20, // 1MB
		NumVersionsToKeep: 1,
	})
	require.NoError(t, err)
	return db
}

// TestBadgerStorageSuite runs the full storage test suite against BadgerStorage.
func TestBadgerStorageSuite(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storagetest.Backend {
		db := setupTestDB(t, t.TempDir())
		t.Cleanup(func() { _ = db.Close() })
		return db
	})
}

func TestBadgerStorage_InMemorySuite(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storagetest.Backend {
		db, err := NewBadgerStorage(&Config{InMemory: true})
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })
		return db
	})
}

func TestBadgerStorage_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	db := setupTestDB(t, dir)
	job := &batch.BatchJob{ID: "bat_1", Strategy: batch.StrategyIndividual, Status: batch.StatusProcessing,
		Results: map[string]batch.ItemOutcome{}}
	require.NoError(t, db.SaveBatch(ctx, job))
	require.NoError(t, db.Close())

	db = setupTestDB(t, dir)
	defer db.Close()
	got, err := db.GetBatch(ctx, "bat_1")
	require.NoError(t, err)
	assert.Equal(t, batch.StatusProcessing, got.Status)

	processing, err := db.ListBatches(ctx, batch.Filter{Status: batch.StatusProcessing})
	require.NoError(t, err)
	assert.Len(t, processing, 1)
}

func TestBadgerStorage_OpenFailure(t *testing.T) {
	dir := t.TempDir()
	db := setupTestDB(t, dir)
	defer db.Close()

	// The directory is locked by the first instance.
	_, err := NewBadgerStorage(&Config{Path: dir})
	var unavailable *storage.StorageUnavailableError
	assert.ErrorAs(t, err, &unavailable)
}
