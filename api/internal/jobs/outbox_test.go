package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"event-tracking-service/api/internal/models"
	"event-tracking-service/api/internal/repos"
	"event-tracking-service/shared/logx"
)

type mockOutbox struct {
	mock.Mock
}

func (m *mockOutbox) ClaimPending(ctx context.Context, owner string, limit int) ([]models.OutboxEvent, error) {
	args := m.Called(ctx, owner, limit)
	events, _ := args.Get(0).([]models.OutboxEvent)
	return events, args.Error(1)
}

func (m *mockOutbox) GetByID(ctx context.Context, outboxID uuid.UUID) (models.OutboxEvent, error) {
	args := m.Called(ctx, outboxID)
	return args.Get(0).(models.OutboxEvent), args.Error(1)
}

func (m *mockOutbox) MarkDelivered(ctx context.Context, outboxID uuid.UUID) error {
	return m.Called(ctx, outboxID).Error(0)
}

func (m *mockOutbox) MarkFailed(ctx context.Context, outboxID uuid.UUID, attempts int, nextRetryAt *time.Time, lastErr string, dead bool) error {
	return m.Called(ctx, outboxID, attempts, nextRetryAt, lastErr, dead).Error(0)
}

func (m *mockOutbox) ReleaseStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	args := m.Called(ctx, olderThan)
	return args.Get(0).(int64), args.Error(1)
}

type published struct {
	topic   string
	key     string
	value   string
	headers map[string]string
}

type fakePublisher struct {
	err  error
	sent []published
}

func (p *fakePublisher) Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error {
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, published{topic: topic, key: string(key), value: string(value), headers: headers})
	return nil
}

type fakeEnqueuer struct {
	err   error
	tasks []*asynq.Task
}

func (e *fakeEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if e.err != nil {
		return nil, e.err
	}
	e.tasks = append(e.tasks, task)
	return &asynq.TaskInfo{Type: task.Type()}, nil
}

func pendingRow(attempts int) models.OutboxEvent {
	return models.OutboxEvent{
		OutboxID:      uuid.New(),
		AggregateType: "tracking_event",
		AggregateID:   "evt_001",
		Topic:         "tracking.events",
		Payload:       []byte(`{"event_type":"event.ingested"}`),
		Status:        repos.OutboxStatusSending,
		Attempts:      attempts,
	}
}

func newJobs(store *mockOutbox, pub *fakePublisher, enq *fakeEnqueuer) *OutboxJobs {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &OutboxJobs{
		Store:       store,
		Publisher:   pub,
		Enqueuer:    enq,
		Queue:       "default",
		Owner:       "worker-1",
		BatchSize:   10,
		MaxAttempts: 3,
		Logger:      logx.Nop(),
		now:         func() time.Time { return fixed },
	}
}

func TestRetryDelay(t *testing.T) {
	assert.Equal(t, 5*time.Second, RetryDelay(0))
	assert.Equal(t, 5*time.Second, RetryDelay(1))
	assert.Equal(t, 20*time.Second, RetryDelay(2))
	assert.Equal(t, 45*time.Second, RetryDelay(3))
	assert.Equal(t, 5*time.Minute, RetryDelay(100))
}

func TestEvery(t *testing.T) {
	assert.Equal(t, "@every 5s", Every(5))
	assert.Equal(t, "@every 1s", Every(0))
}

func TestHandleScanEnqueuesClaimedRows(t *testing.T) {
	store := &mockOutbox{}
	rows := []models.OutboxEvent{pendingRow(0), pendingRow(0)}
	store.On("ClaimPending", mock.Anything, "worker-1", 10).Return(rows, nil)
	enq := &fakeEnqueuer{}

	j := newJobs(store, &fakePublisher{}, enq)
	require.NoError(t, j.HandleScan(context.Background(), NewScanTask("default")))

	require.Len(t, enq.tasks, 2)
	for i, task := range enq.tasks {
		assert.Equal(t, TaskOutboxDispatch, task.Type())
		id, err := parseDispatchPayload(task.Payload())
		require.NoError(t, err)
		assert.Equal(t, rows[i].OutboxID, id)
	}
	store.AssertExpectations(t)
}

func TestHandleScanReleasesStaleRows(t *testing.T) {
	store := &mockOutbox{}
	store.On("ReleaseStale", mock.Anything, time.Minute).Return(int64(2), nil)
	store.On("ClaimPending", mock.Anything, "worker-1", 10).Return([]models.OutboxEvent{}, nil)

	j := newJobs(store, &fakePublisher{}, &fakeEnqueuer{})
	j.StaleAfter = time.Minute
	require.NoError(t, j.HandleScan(context.Background(), NewScanTask("default")))
	store.AssertExpectations(t)
}

func TestHandleScanEnqueueFailureSchedulesRetry(t *testing.T) {
	store := &mockOutbox{}
	row := pendingRow(0)
	store.On("ClaimPending", mock.Anything, "worker-1", 10).Return([]models.OutboxEvent{row}, nil)
	store.On("MarkFailed", mock.Anything, row.OutboxID, 1, mock.AnythingOfType("*time.Time"), "redis down", false).Return(nil)

	j := newJobs(store, &fakePublisher{}, &fakeEnqueuer{err: errors.New("redis down")})
	require.NoError(t, j.HandleScan(context.Background(), NewScanTask("default")))
	store.AssertExpectations(t)
}

func TestHandleScanClaimError(t *testing.T) {
	store := &mockOutbox{}
	store.On("ClaimPending", mock.Anything, "worker-1", 10).Return(nil, errors.New("db down"))

	j := newJobs(store, &fakePublisher{}, &fakeEnqueuer{})
	assert.ErrorContains(t, j.HandleScan(context.Background(), NewScanTask("default")), "db down")
}

func TestHandleDispatchDelivers(t *testing.T) {
	store := &mockOutbox{}
	row := pendingRow(0)
	store.On("GetByID", mock.Anything, row.OutboxID).Return(row, nil)
	store.On("MarkDelivered", mock.Anything, row.OutboxID).Return(nil)
	pub := &fakePublisher{}

	j := newJobs(store, pub, &fakeEnqueuer{})
	task, err := NewDispatchTask(row.OutboxID, "default")
	require.NoError(t, err)
	require.NoError(t, j.HandleDispatch(context.Background(), task))

	require.Len(t, pub.sent, 1)
	assert.Equal(t, "tracking.events", pub.sent[0].topic)
	assert.Equal(t, "evt_001", pub.sent[0].key)
	assert.Equal(t, string(row.Payload), pub.sent[0].value)
	assert.Equal(t, row.OutboxID.String(), pub.sent[0].headers["outbox_id"])
	assert.Equal(t, "2026-03-01T12:00:00Z", pub.sent[0].headers["published_at"])
	store.AssertExpectations(t)
}

func TestHandleDispatchSkipsFinishedRows(t *testing.T) {
	for _, status := range []string{repos.OutboxStatusDelivered, repos.OutboxStatusDead} {
		store := &mockOutbox{}
		row := pendingRow(0)
		row.Status = status
		store.On("GetByID", mock.Anything, row.OutboxID).Return(row, nil)
		pub := &fakePublisher{}

		j := newJobs(store, pub, &fakeEnqueuer{})
		task, _ := NewDispatchTask(row.OutboxID, "default")
		require.NoError(t, j.HandleDispatch(context.Background(), task), status)
		assert.Empty(t, pub.sent, status)
		store.AssertNotCalled(t, "MarkDelivered", mock.Anything, mock.Anything)
	}
}

func TestHandleDispatchPublishFailureRetries(t *testing.T) {
	store := &mockOutbox{}
	row := pendingRow(0)
	store.On("GetByID", mock.Anything, row.OutboxID).Return(row, nil)
	store.On("MarkFailed", mock.Anything, row.OutboxID, 1, mock.MatchedBy(func(next *time.Time) bool {
		return next != nil && next.Equal(time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC))
	}), "broker unavailable", false).Return(nil)

	j := newJobs(store, &fakePublisher{err: errors.New("broker unavailable")}, &fakeEnqueuer{})
	task, _ := NewDispatchTask(row.OutboxID, "default")
	assert.ErrorContains(t, j.HandleDispatch(context.Background(), task), "broker unavailable")
	store.AssertExpectations(t)
}

func TestHandleDispatchParksDeadRows(t *testing.T) {
	store := &mockOutbox{}
	row := pendingRow(2)
	store.On("GetByID", mock.Anything, row.OutboxID).Return(row, nil)
	store.On("MarkFailed", mock.Anything, row.OutboxID, 3, mock.Anything, "broker unavailable", true).Return(nil)

	j := newJobs(store, &fakePublisher{err: errors.New("broker unavailable")}, &fakeEnqueuer{})
	task, _ := NewDispatchTask(row.OutboxID, "default")
	assert.NoError(t, j.HandleDispatch(context.Background(), task), "dead rows are not retried by asynq")
	store.AssertExpectations(t)
}

func TestHandleDispatchBadPayloadSkipsRetry(t *testing.T) {
	j := newJobs(&mockOutbox{}, &fakePublisher{}, &fakeEnqueuer{})
	err := j.HandleDispatch(context.Background(), asynq.NewTask(TaskOutboxDispatch, []byte(`{"outbox_id":"nope"}`)))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}
