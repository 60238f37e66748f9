package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/calsync/internal/models"
	"github.com/wolfeidau/calsync/internal/provider"
	providermem "github.com/wolfeidau/calsync/internal/provider/memory"
	"github.com/wolfeidau/calsync/internal/store"
	storemem "github.com/wolfeidau/calsync/internal/store/memory"
)

// failingStore fails every Upsert while fail is set.
type failingStore struct {
	store.EventStore
	fail atomic.Bool
}

func (s *failingStore) Upsert(ctx context.Context, ev *models.Event) error {
	if s.fail.Load() {
		return errors.New("disk full")
	}
	return s.EventStore.Upsert(ctx, ev)
}

type recorder struct {
	mu  sync.Mutex
	got []models.ChangeNotification
}

func (r *recorder) record(_ context.Context, n models.ChangeNotification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
}

func (r *recorder) origins(eventID string) []models.Origin {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Origin
	for _, n := range r.got {
		if n.EventID == eventID {
			out = append(out, n.Origin)
		}
	}
	return out
}

type engine struct {
	*Coordinator
	provider *providermem.Provider
	store    *failingStore
}

func testConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.WAL.Dir = t.TempDir()
	cfg.WAL.ArchiveDir = ""
	cfg.Monitor.PollInterval = time.Hour
	cfg.Pipeline.Workers = 4
	cfg.Pipeline.DequeueTimeout = 10 * time.Millisecond
	cfg.Writer.ProviderTimeout = time.Second
	cfg.Writer.RetryInitialInterval = time.Millisecond
	cfg.Writer.RetryMaxInterval = 5 * time.Millisecond
	cfg.PerformanceInterval = time.Hour
	cfg.HealthInterval = time.Hour
	return cfg
}

func newEngine(t *testing.T, cfg Config) *engine {
	t.Helper()

	e := &engine{
		provider: providermem.New(),
		store:    &failingStore{EventStore: storemem.NewEventStore()},
	}
	c, err := New(cfg, Deps{Provider: e.provider, Store: e.store})
	require.NoError(t, err)
	e.Coordinator = c

	require.NoError(t, c.Initialize(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})
	return e
}

func ptr[T any](v T) *T { return &v }

func upcoming() time.Time {
	return time.Now().UTC().Add(2 * time.Hour).Truncate(time.Minute)
}

func TestEndToEnd_CreateUpdateDelete(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, testConfig(t))

	notes := &recorder{}
	e.RegisterChangeCallback(notes.record)

	at := upcoming()
	window := models.DateRange{Start: at, End: at.Add(30 * time.Minute)}

	created, err := e.CreateEvent(ctx, "cal-1", models.EventData{
		Title: "Standup",
		Start: at,
		End:   at.Add(30 * time.Minute),
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	externalID := created.ExternalIDValue()
	require.NotEmpty(t, externalID)

	got, err := e.QueryEvents(ctx, models.EventFilter{CalendarID: "cal-1", Range: window})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Standup", got[0].Title)
	assert.True(t, got[0].Start.Equal(at))
	assert.True(t, got[0].End.Equal(at.Add(30*time.Minute)))

	_, err = e.UpdateEvent(ctx, created.ID, models.EventPatch{Title: ptr("Standup (moved)")})
	require.NoError(t, err)

	// our own writes coming back from the provider must not duplicate rows
	require.NoError(t, e.SyncNow(ctx))

	got, err = e.QueryEvents(ctx, models.EventFilter{CalendarID: "cal-1", Range: window})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Standup (moved)", got[0].Title)
	assert.Equal(t, created.ID, got[0].ID)
	assert.Equal(t, externalID, got[0].ExternalIDValue())

	require.NoError(t, e.DeleteEvent(ctx, created.ID))
	require.NoError(t, e.SyncNow(ctx))

	got, err = e.QueryEvents(ctx, models.EventFilter{CalendarID: "cal-1", Range: window})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, 0, e.provider.Count())

	n, err := e.store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = e.GetEvent(ctx, created.ID)
	require.ErrorIs(t, err, store.ErrEventNotFound)

	// deleting again, or deleting an id never seen, succeeds
	require.NoError(t, e.DeleteEvent(ctx, created.ID))
	require.NoError(t, e.DeleteEvent(ctx, "no-such-id"))

	origins := notes.origins(created.ID)
	require.Len(t, origins, 3)
	for _, o := range origins {
		assert.Equal(t, models.OriginLocal, o)
	}
}

func TestInboundChangesReachLocalStore(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, testConfig(t))

	notes := &recorder{}
	e.RegisterChangeCallback(notes.record)

	at := upcoming()
	remote := e.provider.Put(provider.Event{EventData: models.EventData{
		CalendarID: "cal-1",
		Title:      "Planning",
		Start:      at,
		End:        at.Add(time.Hour),
	}})
	require.NoError(t, e.SyncNow(ctx))

	got, err := e.QueryEvents(ctx, models.EventFilter{CalendarID: "cal-1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Planning", got[0].Title)
	assert.Equal(t, remote.ExternalID, got[0].ExternalIDValue())
	assert.Equal(t, []models.Origin{models.OriginInbound}, notes.origins(got[0].ID))

	e.provider.Remove(remote.ExternalID)
	require.NoError(t, e.SyncNow(ctx))

	got, err = e.QueryEvents(ctx, models.EventFilter{CalendarID: "cal-1"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestConflictingInboundAndLocalUpdate(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, testConfig(t))

	at := upcoming()
	created, err := e.CreateEvent(ctx, "cal-1", models.EventData{
		Title:    "Review",
		Location: "Room 1",
		Start:    at,
		End:      at.Add(time.Hour),
	})
	require.NoError(t, err)
	require.NoError(t, e.SyncNow(ctx))

	remote, err := e.provider.GetEvent(ctx, created.ExternalIDValue())
	require.NoError(t, err)

	external := remote
	external.Title = "Review (external)"
	external.Location = "Room A"

	var (
		wg        sync.WaitGroup
		updateErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.provider.Put(external)
	}()
	go func() {
		defer wg.Done()
		_, updateErr = e.UpdateEvent(ctx, created.ID, models.EventPatch{
			Title:    ptr("Review (local)"),
			Location: ptr("Room B"),
		})
	}()
	wg.Wait()
	require.NoError(t, e.SyncNow(ctx))

	row, err := e.GetEvent(ctx, created.ID)
	require.NoError(t, err)

	allowed := [][2]string{
		{"Review (external)", "Room A"},
		{"Review (local)", "Room B"},
	}
	if updateErr != nil {
		// the external write landed between our write and its read-back, so
		// the update was rolled back to the pre-image
		allowed = append(allowed, [2]string{"Review", "Room 1"})
	}
	assert.Contains(t, allowed, [2]string{row.Title, row.Location})
	assert.True(t, row.VerifyChecksum())
	assert.Equal(t, models.Checksum(row.EventData), row.Checksum)

	n, err := e.store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFailedWriteLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, testConfig(t))

	e.provider.FailNext(providermem.OpCreate, provider.ErrUnavailable)
	at := upcoming()
	_, err := e.CreateEvent(ctx, "cal-1", models.EventData{Title: "Lost", Start: at, End: at.Add(time.Hour)})
	require.Error(t, err)
	require.NoError(t, e.SyncNow(ctx))

	n, err := e.store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, e.provider.Count())

	metrics, err := e.GetSystemMetrics()
	require.NoError(t, err)
	assert.Equal(t, int64(1), metrics.Writer.TransactionsRolledBack)
	assert.Equal(t, 0, metrics.WAL.Live)
}

func TestValidateSuccessCriteria(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, testConfig(t))

	at := upcoming()
	for _, title := range []string{"One", "Two", "Three"} {
		_, err := e.CreateEvent(ctx, "cal-1", models.EventData{Title: title, Start: at, End: at.Add(time.Hour)})
		require.NoError(t, err)
	}
	require.NoError(t, e.SyncNow(ctx))

	report, err := e.ValidateSuccessCriteria(ctx)
	require.NoError(t, err)
	require.Len(t, report.Criteria, 5)

	names := make([]string, 0, len(report.Criteria))
	for _, cr := range report.Criteria {
		names = append(names, cr.Name)
		assert.True(t, cr.Passed, "%s: actual %v target %v", cr.Name, cr.Actual, cr.Target)
	}
	assert.Equal(t, []string{
		CriterionQueryLatency,
		CriterionPropagationLatency,
		CriterionWriteLatency,
		CriterionWriteSuccessRate,
		CriterionConsistencyScore,
	}, names)
	assert.True(t, report.Ready)

	metrics, err := e.GetSystemMetrics()
	require.NoError(t, err)
	assert.Equal(t, 1.0, metrics.Performance.ConsistencyScore)
	assert.InDelta(t, 1.0, metrics.Performance.Overall, 1e-9)

	// a failed write drops the success rate below target
	e.provider.FailNext(providermem.OpCreate, provider.ErrUnavailable)
	_, err = e.CreateEvent(ctx, "cal-1", models.EventData{Title: "Four", Start: at, End: at.Add(time.Hour)})
	require.Error(t, err)

	report, err = e.ValidateSuccessCriteria(ctx)
	require.NoError(t, err)
	assert.False(t, report.Ready)
	for _, cr := range report.Criteria {
		if cr.Name == CriterionWriteSuccessRate {
			assert.False(t, cr.Passed)
			assert.InDelta(t, 0.75, cr.Actual, 1e-9)
		}
	}
}

func TestScores(t *testing.T) {
	assert.Equal(t, 1.0, latencyScore(5*time.Millisecond, 10*time.Millisecond))
	assert.Equal(t, 0.5, latencyScore(20*time.Millisecond, 10*time.Millisecond))
	assert.Equal(t, 1.0, rateScore(0.995, 0.99))
	assert.InDelta(t, 0.5, rateScore(0.495, 0.99), 1e-9)
}

func TestHealthCheck_RestartsMonitor(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Monitor.ErrorThreshold = 2
	e := newEngine(t, cfg)

	report := e.RunHealthCheck(ctx)
	assert.Empty(t, report.Restarted)
	assert.InDelta(t, 1.0, report.Overall, 1e-9)

	e.provider.SetUnavailable(true)
	require.Error(t, e.SyncNow(ctx))
	require.Error(t, e.SyncNow(ctx))

	report = e.RunHealthCheck(ctx)
	assert.False(t, report.Components[ComponentMonitor].Healthy)
	assert.Less(t, report.Overall, 0.7)
	assert.Equal(t, []string{ComponentMonitor}, report.Restarted)

	e.provider.SetUnavailable(false)
	require.NoError(t, e.SyncNow(ctx))

	report = e.RunHealthCheck(ctx)
	assert.True(t, report.Components[ComponentMonitor].Healthy)
	assert.Empty(t, report.Restarted)

	metrics, err := e.GetSystemMetrics()
	require.NoError(t, err)
	assert.Equal(t, 1, metrics.Restarts[ComponentMonitor])
	assert.Equal(t, 0, metrics.RestartFailures)

	// the replacement monitor still feeds the pipeline
	at := upcoming()
	e.provider.Put(provider.Event{EventData: models.EventData{CalendarID: "cal-1", Title: "After", Start: at, End: at.Add(time.Hour)}})
	require.NoError(t, e.SyncNow(ctx))
	got, err := e.QueryEvents(ctx, models.EventFilter{CalendarID: "cal-1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "After", got[0].Title)
}

func TestHealthCheck_RestartAttemptsAreBounded(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Monitor.ErrorThreshold = 2
	cfg.MaxRestartAttempts = 1
	e := newEngine(t, cfg)

	e.provider.SetUnavailable(true)
	require.Error(t, e.SyncNow(ctx))
	require.Error(t, e.SyncNow(ctx))

	report := e.RunHealthCheck(ctx)
	assert.Equal(t, []string{ComponentMonitor}, report.Restarted)

	// the replacement is degraded too, and the budget is spent
	report = e.RunHealthCheck(ctx)
	assert.False(t, report.Components[ComponentMonitor].Healthy)
	assert.Empty(t, report.Restarted)

	metrics, err := e.GetSystemMetrics()
	require.NoError(t, err)
	assert.Equal(t, 1, metrics.Restarts[ComponentMonitor])
}

func TestHealthCheck_RestartsPipeline(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Pipeline.MaxRetries = 0
	e := newEngine(t, cfg)

	e.store.fail.Store(true)
	at := upcoming()
	for i := range 20 {
		e.provider.Put(provider.Event{EventData: models.EventData{
			CalendarID: "cal-1",
			Title:      "Inbound",
			Start:      at.Add(time.Duration(i) * time.Hour),
			End:        at.Add(time.Duration(i)*time.Hour + 30*time.Minute),
		}})
	}
	require.NoError(t, e.SyncNow(ctx))

	metrics, err := e.GetSystemMetrics()
	require.NoError(t, err)
	require.Equal(t, int64(20), metrics.Pipeline.Dropped)

	report := e.RunHealthCheck(ctx)
	assert.False(t, report.Components[ComponentPipeline].Healthy)
	assert.Equal(t, []string{ComponentPipeline}, report.Restarted)

	metrics, err = e.GetSystemMetrics()
	require.NoError(t, err)
	assert.Equal(t, int64(0), metrics.Pipeline.Processed)
	assert.Equal(t, 1.0, metrics.Pipeline.Health)
	assert.Equal(t, 1, metrics.Restarts[ComponentPipeline])
}

func TestHealthCheck_RestartsWriter(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, testConfig(t))

	at := upcoming()
	for range 2 {
		e.provider.FailNext(providermem.OpCreate, provider.ErrUnavailable)
		_, err := e.CreateEvent(ctx, "cal-1", models.EventData{Title: "Lost", Start: at, End: at.Add(time.Hour)})
		require.Error(t, err)
	}

	report := e.RunHealthCheck(ctx)
	assert.False(t, report.Components[ComponentWriter].Healthy)
	assert.Equal(t, []string{ComponentWriter}, report.Restarted)

	// the replacement keeps the failure history
	metrics, err := e.GetSystemMetrics()
	require.NoError(t, err)
	assert.Equal(t, int64(2), metrics.Writer.RequestsFailed)
	assert.Zero(t, metrics.Writer.SuccessRate)

	created, err := e.CreateEvent(ctx, "cal-1", models.EventData{Title: "Kept", Start: at, End: at.Add(time.Hour)})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ExternalIDValue())

	metrics, err = e.GetSystemMetrics()
	require.NoError(t, err)
	assert.Equal(t, int64(3), metrics.Writer.RequestsTotal)
	assert.InDelta(t, 1.0/3, metrics.Writer.SuccessRate, 0.0001)
}

func TestHealthCheck_ReplacedWriterHoldsChangesUntilDrained(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, testConfig(t))

	at := upcoming()
	for range 2 {
		e.provider.FailNext(providermem.OpCreate, provider.ErrUnavailable)
		_, err := e.CreateEvent(ctx, "cal-1", models.EventData{Title: "Lost", Start: at, End: at.Add(time.Hour)})
		require.Error(t, err)
	}

	e.provider.SetLatency(300 * time.Millisecond)
	done := make(chan error, 1)
	go func() {
		_, err := e.CreateEvent(ctx, "cal-1", models.EventData{Title: "Slow", Start: at, End: at.Add(time.Hour)})
		done <- err
	}()
	require.Eventually(t, func() bool {
		m, err := e.GetSystemMetrics()
		return err == nil && m.Writer.ActiveTransactions > 0
	}, 2*time.Second, 5*time.Millisecond)

	report := e.RunHealthCheck(ctx)
	require.Equal(t, []string{ComponentWriter}, report.Restarted)

	// the new writer is idle but the old one is still committing
	m, err := e.GetSystemMetrics()
	require.NoError(t, err)
	assert.Zero(t, m.Writer.ActiveTransactions)
	require.ErrorIs(t, e.onChange(models.ChangeRecord{}), errWriterBusy)

	require.NoError(t, <-done)
	e.provider.SetLatency(0)

	assert.False(t, e.writerBusy())
	e.mu.RLock()
	assert.Empty(t, e.draining)
	e.mu.RUnlock()
}

func TestNotInitialized(t *testing.T) {
	ctx := context.Background()
	c, err := New(testConfig(t), Deps{Provider: providermem.New(), Store: storemem.NewEventStore()})
	require.NoError(t, err)

	_, err = c.CreateEvent(ctx, "cal-1", models.EventData{})
	require.ErrorIs(t, err, ErrNotInitialized)
	require.ErrorIs(t, c.SyncNow(ctx), ErrNotInitialized)
	_, err = c.GetSystemMetrics()
	require.ErrorIs(t, err, ErrNotInitialized)
	require.NoError(t, c.Shutdown(ctx))

	require.NoError(t, c.Initialize(ctx))
	require.ErrorIs(t, c.Initialize(ctx), ErrAlreadyInitialized)
	require.NoError(t, c.Shutdown(ctx))
}

func TestConfig(t *testing.T) {
	cfg := Config{WAL: testConfig(t).WAL}
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10*time.Second, cfg.PerformanceInterval)
	assert.Equal(t, 30*time.Second, cfg.HealthInterval)
	assert.Equal(t, 0.7, cfg.RestartThreshold)
	assert.Equal(t, 3, cfg.MaxRestartAttempts)

	cfg.Strategy = "coin_flip"
	require.Error(t, cfg.Validate())

	_, err := New(Config{}, Deps{})
	require.Error(t, err)
}
