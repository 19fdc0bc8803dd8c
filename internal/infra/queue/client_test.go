package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"visioncrm/internal/config"
	"visioncrm/internal/worker/tasks"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Mock 对象
// ============================================================================

type MockEnqueuer struct {
	mock.Mock
}

func (m *MockEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	args := m.Called(ctx, task, opts)
	info, _ := args.Get(0).(*asynq.TaskInfo)
	return info, args.Error(1)
}

func (m *MockEnqueuer) Close() error {
	return m.Called().Error(0)
}

type MockInspector struct {
	mock.Mock
}

func (m *MockInspector) GetTaskInfo(queue, id string) (*asynq.TaskInfo, error) {
	args := m.Called(queue, id)
	info, _ := args.Get(0).(*asynq.TaskInfo)
	return info, args.Error(1)
}

func (m *MockInspector) DeleteTask(queue, id string) error {
	return m.Called(queue, id).Error(0)
}

func (m *MockInspector) Close() error {
	return m.Called().Error(0)
}

func newTestClient(enq *MockEnqueuer, insp *MockInspector) *asynqClient {
	return &asynqClient{
		client:    enq,
		inspector: insp,
		retention: config.RetentionConfig{LockTTLSeconds: 600},
		now:       func() time.Time { return time.Date(2026, 5, 4, 3, 0, 0, 0, time.UTC) },
	}
}

// ============================================================================
// 测试
// ============================================================================

func TestEnqueuePurge(t *testing.T) {
	ctx := context.Background()

	t.Run("首次提交", func(t *testing.T) {
		enq, insp := &MockEnqueuer{}, &MockInspector{}
		enq.On("EnqueueContext", ctx, mock.MatchedBy(func(task *asynq.Task) bool {
			var p tasks.PurgePayload
			require.NoError(t, json.Unmarshal(task.Payload(), &p))
			return task.Type() == tasks.TypePurge && p.Trigger == tasks.TriggerManual && p.RequestedBy == "root"
		}), mock.Anything).Return(&asynq.TaskInfo{ID: ManualPurgeTaskID}, nil).Once()

		id, err := newTestClient(enq, insp).EnqueuePurge(ctx, "root")

		require.NoError(t, err)
		assert.Equal(t, ManualPurgeTaskID, id)
		insp.AssertNotCalled(t, "GetTaskInfo", mock.Anything, mock.Anything)
		enq.AssertExpectations(t)
	})

	t.Run("上次任务已归档时释放 ID 后重新提交", func(t *testing.T) {
		enq, insp := &MockEnqueuer{}, &MockInspector{}
		enq.On("EnqueueContext", ctx, mock.Anything, mock.Anything).Return(nil, asynq.ErrTaskIDConflict).Once()
		enq.On("EnqueueContext", ctx, mock.Anything, mock.Anything).Return(&asynq.TaskInfo{ID: ManualPurgeTaskID}, nil).Once()
		insp.On("GetTaskInfo", tasks.QueueRetention, ManualPurgeTaskID).
			Return(&asynq.TaskInfo{ID: ManualPurgeTaskID, State: asynq.TaskStateArchived}, nil)
		insp.On("DeleteTask", tasks.QueueRetention, ManualPurgeTaskID).Return(nil)

		id, err := newTestClient(enq, insp).EnqueuePurge(ctx, "root")

		require.NoError(t, err)
		assert.Equal(t, ManualPurgeTaskID, id)
		enq.AssertNumberOfCalls(t, "EnqueueContext", 2)
		insp.AssertExpectations(t)
	})

	t.Run("上次任务仍在排队", func(t *testing.T) {
		enq, insp := &MockEnqueuer{}, &MockInspector{}
		enq.On("EnqueueContext", ctx, mock.Anything, mock.Anything).Return(nil, asynq.ErrTaskIDConflict).Once()
		insp.On("GetTaskInfo", tasks.QueueRetention, ManualPurgeTaskID).
			Return(&asynq.TaskInfo{ID: ManualPurgeTaskID, State: asynq.TaskStatePending}, nil)

		_, err := newTestClient(enq, insp).EnqueuePurge(ctx, "root")

		assert.ErrorIs(t, err, ErrAlreadyQueued)
		insp.AssertNotCalled(t, "DeleteTask", mock.Anything, mock.Anything)
		enq.AssertNumberOfCalls(t, "EnqueueContext", 1)
	})

	t.Run("重新提交时再次冲突", func(t *testing.T) {
		enq, insp := &MockEnqueuer{}, &MockInspector{}
		enq.On("EnqueueContext", ctx, mock.Anything, mock.Anything).Return(nil, asynq.ErrTaskIDConflict).Twice()
		insp.On("GetTaskInfo", tasks.QueueRetention, ManualPurgeTaskID).Return(nil, asynq.ErrTaskNotFound)

		_, err := newTestClient(enq, insp).EnqueuePurge(ctx, "root")

		assert.ErrorIs(t, err, ErrAlreadyQueued)
	})

	t.Run("唯一性去重", func(t *testing.T) {
		enq, insp := &MockEnqueuer{}, &MockInspector{}
		enq.On("EnqueueContext", ctx, mock.Anything, mock.Anything).Return(nil, asynq.ErrDuplicateTask).Once()

		_, err := newTestClient(enq, insp).EnqueuePurge(ctx, "root")

		assert.ErrorIs(t, err, ErrAlreadyQueued)
	})

	t.Run("检查失败", func(t *testing.T) {
		enq, insp := &MockEnqueuer{}, &MockInspector{}
		enq.On("EnqueueContext", ctx, mock.Anything, mock.Anything).Return(nil, asynq.ErrTaskIDConflict).Once()
		insp.On("GetTaskInfo", tasks.QueueRetention, ManualPurgeTaskID).Return(nil, errors.New("redis down"))

		_, err := newTestClient(enq, insp).EnqueuePurge(ctx, "root")

		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrAlreadyQueued)
	})
}

func TestClose(t *testing.T) {
	enq, insp := &MockEnqueuer{}, &MockInspector{}
	enq.On("Close").Return(nil)
	insp.On("Close").Return(errors.New("already closed"))

	assert.Error(t, newTestClient(enq, insp).Close())
	enq.AssertExpectations(t)
}
