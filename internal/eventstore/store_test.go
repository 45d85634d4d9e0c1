package eventstore

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"build-ledger/internal/eventbus"
	"build-ledger/internal/model"
	"build-ledger/internal/storage"
	sqlitedriver "build-ledger/internal/storage/driver/sqlite"
	"build-ledger/internal/storage/repository"
	"build-ledger/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	db, err := sqlitedriver.Open(":memory:")
	require.NoError(t, err)
	dialect := sqlitedriver.NewDialect()
	require.NoError(t, dialect.AutoMigrate(db))
	repo := repository.NewStore(db, dialect)
	t.Cleanup(func() { repo.Close() })

	logger := logging.New(logging.Config{Level: "error", Component: "eventstore"})
	return New(repo, logger, opts...)
}

func TestAppendAssignsMonotonicVersions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e1, err := s.Append(ctx, "b1", model.EventTypeBuildCreated, nil, AppendOptions{})
	require.NoError(t, err)
	e2, err := s.Append(ctx, "b1", model.EventTypeBuildStarted, nil, AppendOptions{})
	require.NoError(t, err)
	e3, err := s.Append(ctx, "b1", model.EventTypePhaseStarted, model.PhasePayload{Phase: "design"}, AppendOptions{})
	require.NoError(t, err)

	assert.Equal(t, int64(1), e1.Version)
	assert.Equal(t, int64(2), e2.Version)
	assert.Equal(t, int64(3), e3.Version)
	assert.Equal(t, "build:b1", e3.StreamID)
	assert.Equal(t, model.SchemaVersion, e3.Metadata.SchemaVersion)
	assert.NotEmpty(t, e1.ID)
	assert.NotEqual(t, e1.ID, e2.ID)

	// 每个 Build 独立计数
	other, err := s.Append(ctx, "b2", model.EventTypeBuildCreated, nil, AppendOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), other.Version)

	version, err := s.CurrentVersion(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), version)
}

func TestAppendValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, "", model.EventTypeBuildCreated, nil, AppendOptions{})
	require.ErrorIs(t, err, ErrInvalidEvent)

	_, err = s.Append(ctx, "b1", "", nil, AppendOptions{})
	require.ErrorIs(t, err, ErrInvalidEvent)
}

func TestAppendOptionsMetadata(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s := newTestStore(t, WithClock(func() time.Time { return fixed }), WithEnvironment("test", "ledger-1"))
	ctx := context.Background()

	e, err := s.Append(ctx, "b1", model.EventTypeAgentStarted,
		model.AgentPayload{AgentID: "pixel", Phase: "design"},
		AppendOptions{
			CorrelationID: "corr-7",
			CausationID:   "evt-parent",
			ActorID:       "pixel",
			ActorType:     model.ActorTypeAgent,
		})
	require.NoError(t, err)

	assert.Equal(t, fixed, e.Timestamp)
	assert.Equal(t, "corr-7", e.CorrelationID)
	require.NotNil(t, e.CausationID)
	assert.Equal(t, "evt-parent", *e.CausationID)
	assert.Equal(t, model.ActorTypeAgent, e.ActorType)
	assert.Equal(t, "test", e.Metadata.Environment)
	assert.Equal(t, "ledger-1", e.Metadata.Process)

	// 未指定 actor 时默认 system
	e2, err := s.Append(ctx, "b1", model.EventTypeBuildStarted, nil, AppendOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.ActorTypeSystem, e2.ActorType)

	// 往返存储
	got, err := s.GetEvent(ctx, "b1", e.ID)
	require.NoError(t, err)
	assert.Equal(t, "corr-7", got.CorrelationID)
	var p model.AgentPayload
	require.NoError(t, got.DecodePayload(&p))
	assert.Equal(t, "pixel", p.AgentID)

	correlated, err := s.GetCorrelatedEvents(ctx, "corr-7")
	require.NoError(t, err)
	require.Len(t, correlated, 1)
}

func TestConcurrentAppendsNoGapsNoDuplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	versions := make([]int64, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := s.Append(ctx, "b1", model.EventTypeResourceUsage,
				model.ResourcePayload{Tokens: int64(i)}, AppendOptions{})
			if err != nil {
				errs[i] = err
				return
			}
			versions[i] = e.Version
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "append %d", i)
	}

	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	for i, v := range versions {
		assert.Equal(t, int64(i+1), v, "versions must be 1..n without gaps")
	}

	cnt, err := s.CountEvents(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, int64(n), cnt)
}

func TestHubDeliveryOrderAndFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var mu sync.Mutex
	var all []int64
	var phaseOnly []model.EventType

	unsubAll := s.Subscribe(SubscriptionFilter{BuildID: "b1"}, func(e *model.BuildEvent) {
		mu.Lock()
		all = append(all, e.Version)
		mu.Unlock()
	})
	defer unsubAll()

	unsubPhase := s.Subscribe(SubscriptionFilter{
		BuildID: "b1",
		Types:   []model.EventType{model.EventTypePhaseStarted},
	}, func(e *model.BuildEvent) {
		mu.Lock()
		phaseOnly = append(phaseOnly, e.Type)
		mu.Unlock()
	})

	_, err := s.Append(ctx, "b1", model.EventTypeBuildCreated, nil, AppendOptions{})
	require.NoError(t, err)
	_, err = s.Append(ctx, "b1", model.EventTypePhaseStarted, model.PhasePayload{Phase: "design"}, AppendOptions{})
	require.NoError(t, err)
	// 其他 Build 不匹配过滤器
	_, err = s.Append(ctx, "b2", model.EventTypeBuildCreated, nil, AppendOptions{})
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 2}, all)
	assert.Equal(t, []model.EventType{model.EventTypePhaseStarted}, phaseOnly)

	// 取消订阅后不再投递
	unsubPhase()
	_, err = s.Append(ctx, "b1", model.EventTypePhaseStarted, model.PhasePayload{Phase: "frontend"}, AppendOptions{})
	require.NoError(t, err)
	assert.Len(t, phaseOnly, 1)
}

func TestSubscriberPanicDoesNotBreakAppend(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Subscribe(SubscriptionFilter{}, func(e *model.BuildEvent) {
		panic("subscriber bug")
	})

	e, err := s.Append(ctx, "b1", model.EventTypeBuildCreated, nil, AppendOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.Version)
}

func TestMirrorReceivesAppendedEvents(t *testing.T) {
	bus := eventbus.NewMemoryEventBus()
	s := newTestStore(t, WithMirror(bus))
	ctx := context.Background()

	_, err := s.Append(ctx, "b1", model.EventTypeBuildCreated, nil, AppendOptions{})
	require.NoError(t, err)
	_, err = s.Append(ctx, "b1", model.EventTypeBuildStarted, nil, AppendOptions{})
	require.NoError(t, err)

	cnt, err := bus.GetEventCount(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), cnt)

	mirrored, err := bus.GetEvents(ctx, "b1", "", 0)
	require.NoError(t, err)
	require.Len(t, mirrored, 2)
	assert.Equal(t, int64(1), mirrored[0].Version)
}

func TestGetEventsRange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, typ := range []model.EventType{
		model.EventTypeBuildCreated,
		model.EventTypeBuildStarted,
		model.EventTypePhaseStarted,
		model.EventTypePhaseCompleted,
	} {
		_, err := s.Append(ctx, "b1", typ, nil, AppendOptions{})
		require.NoError(t, err)
	}

	events, err := s.GetEvents(ctx, "b1", storage.EventFilter{FromVersion: 2, ToVersion: 3})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, model.EventTypeBuildStarted, events[0].Type)
	assert.Equal(t, model.EventTypePhaseStarted, events[1].Type)
}
