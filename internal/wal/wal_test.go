package wal

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/calsync/internal/models"
	"github.com/wolfeidau/calsync/internal/syncerr"
)

func testConfig(t *testing.T) Config {
	dir := t.TempDir()
	return Config{
		Dir:              dir,
		ArchiveDir:       filepath.Join(dir, "archive"),
		RetentionDays:    30,
		CompactThreshold: 0,
	}
}

func testRequests() []models.WriteRequest {
	return []models.WriteRequest{{
		RequestID:  "req-1",
		Operation:  models.OpCreate,
		EventID:    "evt-1",
		CalendarID: "cal-1",
		EventData: &models.EventData{
			CalendarID: "cal-1",
			Title:      "Standup",
			Start:      time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
			End:        time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC),
		},
		MaxRetries: 3,
	}}
}

func TestOpen_CreatesFileWithHeader(t *testing.T) {
	cfg := testConfig(t)

	w, err := Open(cfg)
	require.NoError(t, err)
	defer w.Close()

	info, err := os.Stat(cfg.Path())
	require.NoError(t, err)
	assert.Equal(t, int64(headerSize), info.Size())

	stats := w.Stats()
	assert.Equal(t, 0, stats.Records)
	assert.Equal(t, 0, stats.Live)
}

func TestConfig_Validate(t *testing.T) {
	cfg := Config{}
	require.Error(t, cfg.Validate())

	cfg = Config{Dir: "/tmp/x"}
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, filepath.Join("/tmp/x", "archive"), cfg.ArchiveDir)
	assert.Equal(t, 30, cfg.RetentionDays)

	cfg.CompactThreshold = -1
	require.Error(t, cfg.Validate())
}

func TestWAL_TransactionLifecycle(t *testing.T) {
	ctx := context.Background()
	w, err := Open(testConfig(t))
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.LogTransactionStart(ctx, "tx-1", testRequests()))
	require.ErrorIs(t, w.LogTransactionStart(ctx, "tx-1", nil), ErrDuplicateStart)

	rollback := []models.RollbackEntry{{RequestID: "req-1", Operation: models.OpCreate, EventID: "evt-1"}}
	require.NoError(t, w.LogTransactionPhase(ctx, "tx-1", models.PhasePrepare, models.StatusPrepared, rollback))
	require.NoError(t, w.LogPhaseUpdate(ctx, "tx-1", PhaseUpdate{
		Phase:      models.PhaseCommit,
		Status:     models.StatusCommitting,
		Committing: "req-1",
	}))

	pending := w.Pending()
	require.Len(t, pending, 1)
	tx := pending[0]
	assert.Equal(t, "tx-1", tx.TransactionID)
	assert.Equal(t, models.PhaseCommit, tx.Phase)
	assert.Equal(t, models.StatusCommitting, tx.Status)
	assert.Equal(t, "req-1", tx.Committing)
	assert.Equal(t, rollback, tx.RollbackData)
	require.Len(t, tx.Requests, 1)
	assert.Equal(t, "Standup", tx.Requests[0].EventData.Title)

	// a later phase record without rollback data keeps the earlier snapshot
	require.NoError(t, w.LogPhaseUpdate(ctx, "tx-1", PhaseUpdate{
		Phase:     models.PhaseCommit,
		Status:    models.StatusCommitted,
		Committed: "req-1",
	}))
	tx, ok := w.Get("tx-1")
	require.True(t, ok)
	assert.Equal(t, []string{"req-1"}, tx.Committed)
	assert.Empty(t, tx.Committing)
	assert.Equal(t, rollback, tx.RollbackData)

	require.NoError(t, w.LogTransactionComplete(ctx, "tx-1", models.StatusCompleted))
	assert.Empty(t, w.Pending())

	require.ErrorIs(t, w.LogTransactionPhase(ctx, "tx-1", models.PhaseCommit, models.StatusCommitted, nil), ErrUnknownTransaction)
	require.ErrorIs(t, w.LogTransactionComplete(ctx, "missing", models.StatusCompleted), ErrUnknownTransaction)

	stats := w.Stats()
	assert.Equal(t, 5, stats.Records)
	assert.Equal(t, 5, stats.TerminalRecords)
	assert.Equal(t, int64(5), stats.LastSequence)
}

func TestWAL_InvalidTransactionID(t *testing.T) {
	w, err := Open(testConfig(t))
	require.NoError(t, err)
	defer w.Close()

	err = w.LogTransactionStart(context.Background(), "", nil)
	require.ErrorIs(t, err, syncerr.ErrValidation)
}

func TestWAL_PersistenceAcrossReopen(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	w, err := Open(cfg)
	require.NoError(t, err)

	require.NoError(t, w.LogTransactionStart(ctx, "tx-done", testRequests()))
	require.NoError(t, w.LogTransactionComplete(ctx, "tx-done", models.StatusCompleted))

	require.NoError(t, w.LogTransactionStart(ctx, "tx-live", testRequests()))
	require.NoError(t, w.LogTransactionPhase(ctx, "tx-live", models.PhasePrepare, models.StatusPrepared,
		[]models.RollbackEntry{{RequestID: "req-1", Operation: models.OpCreate, EventID: "evt-1", ExternalID: "ext-9"}}))
	require.NoError(t, w.Close())

	require.ErrorIs(t, w.LogTransactionStart(ctx, "tx-after-close", nil), ErrClosed)

	w2, err := Open(cfg)
	require.NoError(t, err)
	defer w2.Close()

	pending := w2.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "tx-live", pending[0].TransactionID)
	assert.Equal(t, models.StatusPrepared, pending[0].Status)
	require.Len(t, pending[0].RollbackData, 1)
	assert.Equal(t, "ext-9", pending[0].RollbackData[0].ExternalID)
	assert.False(t, pending[0].Corrupt)

	// sequences continue after reopen
	require.NoError(t, w2.LogTransactionComplete(ctx, "tx-live", models.StatusRolledBack))
	assert.Equal(t, int64(5), w2.Stats().LastSequence)
}

func TestWAL_TruncatesDamagedTail(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	w, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, w.LogTransactionStart(ctx, "tx-1", testRequests()))
	goodSize := w.Stats().SizeBytes
	require.NoError(t, w.LogTransactionPhase(ctx, "tx-1", models.PhasePrepare, models.StatusPrepared, nil))
	require.NoError(t, w.Close())

	// chop the last record in half, as a crash mid-write would
	data, err := os.ReadFile(cfg.Path())
	require.NoError(t, err)
	cut := goodSize + (int64(len(data))-goodSize)/2
	//nolint:gosec // Test files can use 0644 permissions
	require.NoError(t, os.WriteFile(cfg.Path(), data[:cut], 0644))

	w2, err := Open(cfg)
	require.NoError(t, err)
	defer w2.Close()

	info, err := os.Stat(cfg.Path())
	require.NoError(t, err)
	assert.Equal(t, goodSize, info.Size())

	pending := w2.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, models.StatusPending, pending[0].Status)

	// appends land after the truncated tail
	require.NoError(t, w2.LogTransactionPhase(ctx, "tx-1", models.PhasePrepare, models.StatusPrepared, nil))
	tx, ok := w2.Get("tx-1")
	require.True(t, ok)
	assert.Equal(t, models.StatusPrepared, tx.Status)
}

func TestWAL_CRCMismatchTruncates(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	w, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, w.LogTransactionStart(ctx, "tx-1", testRequests()))
	first := w.Stats().SizeBytes
	require.NoError(t, w.LogTransactionStart(ctx, "tx-2", testRequests()))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(cfg.Path())
	require.NoError(t, err)
	data[first+40] ^= 0xFF
	//nolint:gosec // Test files can use 0644 permissions
	require.NoError(t, os.WriteFile(cfg.Path(), data, 0644))

	w2, err := Open(cfg)
	require.NoError(t, err)
	defer w2.Close()

	pending := w2.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "tx-1", pending[0].TransactionID)
}

func TestWAL_UndecodablePayloadMarksCorrupt(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	w, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, w.LogTransactionStart(ctx, "tx-1", testRequests()))

	w.mu.Lock()
	require.NoError(t, w.appendLocked(ctx, KindPhase, "tx-1", []byte("{not json")))
	w.mu.Unlock()
	require.NoError(t, w.Close())

	w2, err := Open(cfg)
	require.NoError(t, err)
	defer w2.Close()

	pending := w2.Pending()
	require.Len(t, pending, 1)
	assert.True(t, pending[0].Corrupt)
	assert.Contains(t, pending[0].CorruptReason, "phase record 2")
}

func TestWAL_PhaseWithoutStartIsCorrupt(t *testing.T) {
	ctx := context.Background()
	w, err := Open(testConfig(t))
	require.NoError(t, err)
	defer w.Close()

	w.mu.Lock()
	require.NoError(t, w.appendLocked(ctx, KindPhase, "orphan", []byte(`{"phase":"commit"}`)))
	w.mu.Unlock()

	tx, ok := w.Get("orphan")
	require.True(t, ok)
	assert.True(t, tx.Corrupt)
}

func TestOpen_BadHeader(t *testing.T) {
	cfg := testConfig(t)
	//nolint:gosec // Test files can use 0644 permissions
	require.NoError(t, os.WriteFile(cfg.Path(), []byte("NOTAWAL!0000000000000000"), 0644))

	_, err := Open(cfg)
	require.Error(t, err)
	assert.Equal(t, syncerr.KindCorruption, syncerr.KindOf(err))
}

func TestWAL_Purge(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	w, err := Open(cfg)
	require.NoError(t, err)

	require.NoError(t, w.LogTransactionStart(ctx, "tx-1", testRequests()))
	require.NoError(t, w.Purge(ctx, "tx-1"))
	require.NoError(t, w.Purge(ctx, "tx-1"))
	assert.Empty(t, w.Pending())
	require.NoError(t, w.Close())

	w2, err := Open(cfg)
	require.NoError(t, err)
	defer w2.Close()
	assert.Empty(t, w2.Pending())
}

func TestWAL_Compact(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	w, err := Open(cfg)
	require.NoError(t, err)

	for _, id := range []string{"tx-a", "tx-b", "tx-c"} {
		require.NoError(t, w.LogTransactionStart(ctx, id, testRequests()))
	}
	require.NoError(t, w.LogTransactionPhase(ctx, "tx-b", models.PhasePrepare, models.StatusPrepared, nil))
	require.NoError(t, w.LogTransactionComplete(ctx, "tx-a", models.StatusCompleted))
	require.NoError(t, w.LogTransactionComplete(ctx, "tx-c", models.StatusRolledBack))

	before := w.Stats()
	require.NoError(t, w.Compact(ctx))
	after := w.Stats()

	assert.Equal(t, 2, after.Records)
	assert.Equal(t, 0, after.TerminalRecords)
	assert.Less(t, after.SizeBytes, before.SizeBytes)
	assert.Equal(t, int64(4), after.LastSequence)

	pending := w.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "tx-b", pending[0].TransactionID)
	assert.Equal(t, models.StatusPrepared, pending[0].Status)

	archives, err := filepath.Glob(filepath.Join(cfg.ArchiveDir, "*.wal.zst"))
	require.NoError(t, err)
	assert.Len(t, archives, 1)

	// the compacted file replays to the same state
	require.NoError(t, w.LogTransactionPhase(ctx, "tx-b", models.PhaseCommit, models.StatusCommitting, nil))
	require.NoError(t, w.Close())

	w2, err := Open(cfg)
	require.NoError(t, err)
	defer w2.Close()
	pending = w2.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, models.StatusCommitting, pending[0].Status)

	_, err = os.Stat(cfg.Path() + tmpSuffix)
	assert.True(t, os.IsNotExist(err))
}

func TestWAL_CompactOnThreshold(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.CompactThreshold = 4

	w, err := Open(cfg)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.LogTransactionStart(ctx, "live", testRequests()))
	for _, id := range []string{"tx-1", "tx-2"} {
		require.NoError(t, w.LogTransactionStart(ctx, id, testRequests()))
		require.NoError(t, w.LogTransactionComplete(ctx, id, models.StatusCompleted))
	}

	stats := w.Stats()
	assert.Equal(t, 1, stats.Records)
	assert.Equal(t, 1, stats.Live)
}

func TestWAL_RecoverInterruptedCompaction(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	w, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, w.LogTransactionStart(ctx, "tx-1", testRequests()))
	require.NoError(t, w.Close())

	// crash after the active log was staged but before the new file was installed
	require.NoError(t, os.Rename(cfg.Path(), cfg.Path()+stagedSuffix))

	w2, err := Open(cfg)
	require.NoError(t, err)
	defer w2.Close()

	pending := w2.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "tx-1", pending[0].TransactionID)
}

func TestWAL_ConcurrentTransactions(t *testing.T) {
	ctx := context.Background()
	w, err := Open(testConfig(t))
	require.NoError(t, err)
	defer w.Close()

	done := make(chan error, 20)
	for i := range 20 {
		go func(i int) {
			id := "tx-" + string(rune('a'+i))
			if err := w.LogTransactionStart(ctx, id, testRequests()); err != nil {
				done <- err
				return
			}
			done <- w.LogTransactionComplete(ctx, id, models.StatusCompleted)
		}(i)
	}
	for range 20 {
		require.NoError(t, <-done)
	}

	assert.Empty(t, w.Pending())
	assert.Equal(t, 40, w.Stats().Records)
}

func TestArchiveAndDecompress(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	w, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, w.LogTransactionStart(ctx, "tx-1", testRequests()))
	require.NoError(t, w.Close())

	original, err := os.ReadFile(cfg.Path())
	require.NoError(t, err)

	archivePath, err := archiveWAL(cfg.Path(), cfg.ArchiveDir, "snapshot")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cfg.ArchiveDir, "snapshot.wal.zst"), archivePath)

	_, err = os.Stat(cfg.Path())
	assert.True(t, os.IsNotExist(err))

	out := filepath.Join(t.TempDir(), "restored.wal")
	require.NoError(t, DecompressArchive(archivePath, out))

	restored, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, original, restored)

	records, corrupt, err := ReadFile(out)
	require.NoError(t, err)
	assert.False(t, corrupt)
	require.Len(t, records, 1)
	assert.Equal(t, "start", records[0].Kind)
	assert.Equal(t, "tx-1", records[0].TransactionID)
	assert.Contains(t, string(records[0].Payload), "Standup")
}

func TestCleanupArchive(t *testing.T) {
	archiveDir := t.TempDir()

	oldFile := filepath.Join(archiveDir, "old.wal.zst")
	recentFile := filepath.Join(archiveDir, "recent.wal.zst")
	otherFile := filepath.Join(archiveDir, "other.txt")

	//nolint:gosec // Test files can use 0644 permissions
	require.NoError(t, os.WriteFile(oldFile, []byte("old data"), 0644))
	//nolint:gosec // Test files can use 0644 permissions
	require.NoError(t, os.WriteFile(recentFile, []byte("recent data"), 0644))
	//nolint:gosec // Test files can use 0644 permissions
	require.NoError(t, os.WriteFile(otherFile, []byte("other"), 0644))

	oldTime := time.Now().AddDate(0, 0, -31)
	require.NoError(t, os.Chtimes(oldFile, oldTime, oldTime))

	deleted, err := CleanupArchive(archiveDir, 30)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = os.Stat(oldFile)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(recentFile)
	require.NoError(t, err)
	_, err = os.Stat(otherFile)
	require.NoError(t, err)

	deleted, err = CleanupArchive(filepath.Join(archiveDir, "missing"), 30)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestEncodeRecord(t *testing.T) {
	rec := record{sequence: 7, kind: KindPhase, timestamp: 1234, txID: "tx", payload: []byte(`{}`)}
	buf := encodeRecord(rec)
	assert.Len(t, buf, recordOverhead+2+2)

	got, err := decodeRecordBody(buf[4:])
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.sequence)
	assert.Equal(t, KindPhase, got.kind)
	assert.Equal(t, "tx", got.txID)
	assert.Equal(t, []byte(`{}`), got.payload)

	buf[len(buf)-1] ^= 0xFF
	_, err = decodeRecordBody(buf[4:])
	require.Error(t, err)
}
