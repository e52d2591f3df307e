package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"ProductToVideo-server/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSceneStore 内存场景存储，复用 models.ApplyTransition 的跳过无效写入语义
type fakeSceneStore struct {
	mu     sync.Mutex
	scenes map[string]models.Scene
	writes int
}

func newFakeSceneStore(scenes ...models.Scene) *fakeSceneStore {
	m := make(map[string]models.Scene)
	for _, s := range scenes {
		m[s.ID] = s
	}
	return &fakeSceneStore{scenes: m}
}

func (f *fakeSceneStore) Get(sceneID string) (*models.Scene, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.scenes[sceneID]
	if !ok {
		return nil, fmt.Errorf("scene %s not found", sceneID)
	}
	return &s, nil
}

func (f *fakeSceneStore) Mutate(sceneID string, fn func(*models.Scene)) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.scenes[sceneID]
	if !ok {
		return false, fmt.Errorf("scene %s not found", sceneID)
	}
	next, changed := models.ApplyTransition(s, fn)
	if !changed {
		return false, nil
	}
	f.scenes[sceneID] = next
	f.writes++
	return true, nil
}

func (f *fakeSceneStore) snapshot(sceneID string) models.Scene {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scenes[sceneID]
}

func (f *fakeSceneStore) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

// fakeAdmissionQueue 可编程的准入队列。statusFn 按调用序号返回状态。
type fakeAdmissionQueue struct {
	mu           sync.Mutex
	enqueueCalls int
	statusCalls  int
	confirmCalls int
	enqueueErr   error
	statusFn     func(call int) (*QueueStatus, error)
}

func (f *fakeAdmissionQueue) EnqueueRequest(ctx context.Context, userID, requestID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueueCalls++
	return f.enqueueErr
}

func (f *fakeAdmissionQueue) CheckRequestStatus(ctx context.Context, userID, requestID string) (*QueueStatus, error) {
	f.mu.Lock()
	f.statusCalls++
	call := f.statusCalls
	fn := f.statusFn
	f.mu.Unlock()
	if fn == nil {
		return &QueueStatus{Status: QueueStatusReleased}, nil
	}
	return fn(call)
}

func (f *fakeAdmissionQueue) ConfirmExecution(ctx context.Context, userID, requestID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmCalls++
	return nil
}

func (f *fakeAdmissionQueue) counts() (enqueue, status, confirm int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enqueueCalls, f.statusCalls, f.confirmCalls
}

func newTestProcessor(store SceneStore, queue AdmissionQueue) *Processor {
	return &Processor{
		Store:             store,
		Queue:             queue,
		UserID:            "user-1",
		PollInterval:      5 * time.Millisecond,
		MaxPollAttempts:   10,
		MaxVendorAttempts: 3,
		VendorRetryDelay:  10 * time.Millisecond,
	}
}

func TestOrchestrationConstants(t *testing.T) {
	// 固定常量：5 秒轮询 × 120 次，厂商调用 3 次、固定 5 秒间隔
	assert.Equal(t, 5*time.Second, defaultPollInterval)
	assert.Equal(t, 120, defaultMaxPollAttempts)
	assert.Equal(t, 3, defaultMaxVendorAttempts)
	assert.Equal(t, 5*time.Second, defaultVendorRetryDelay)
}

func TestHandleQueueableTaskSuccess(t *testing.T) {
	store := newFakeSceneStore(models.Scene{ID: "s1"})
	queue := &fakeAdmissionQueue{}
	p := newTestProcessor(store, queue)

	result, err := p.handleQueueableTask(context.Background(), "s1", models.TaskGenerateImage,
		func(ctx context.Context) (string, error) { return "http://out/image.png", nil })

	require.NoError(t, err)
	assert.Equal(t, "http://out/image.png", result)

	enqueue, _, confirm := queue.counts()
	assert.Equal(t, 1, enqueue)
	assert.Equal(t, 1, confirm, "slot released exactly once on success")

	s := store.snapshot("s1")
	assert.Equal(t, "http://out/image.png", s.ImagePath)
	assert.False(t, s.Busy())
	assert.Empty(t, s.QueueRequestId)
	assert.Empty(t, s.GenerationErrorMessage)
}

func TestEnqueueSkippedWhenResumingExistingRequest(t *testing.T) {
	// 场景已带着 request id（进程重启后恢复），不允许重复 enfileirar
	store := newFakeSceneStore(models.Scene{ID: "s1", QueueRequestId: "req-prev"})
	queue := &fakeAdmissionQueue{}
	p := newTestProcessor(store, queue)

	_, err := p.handleQueueableTask(context.Background(), "s1", models.TaskGenerateImage,
		func(ctx context.Context) (string, error) { return "ok", nil })

	require.NoError(t, err)
	enqueue, _, confirm := queue.counts()
	assert.Equal(t, 0, enqueue, "resume must not re-register the request")
	assert.Equal(t, 1, confirm)
}

func TestEnqueueFailureIsFatalAndClearsRequestID(t *testing.T) {
	store := newFakeSceneStore(models.Scene{ID: "s1"})
	queue := &fakeAdmissionQueue{enqueueErr: errors.New("queue api down")}
	p := newTestProcessor(store, queue)

	_, err := p.handleQueueableTask(context.Background(), "s1", models.TaskGenerateImage,
		func(ctx context.Context) (string, error) { return "ok", nil })

	require.Error(t, err)
	enqueue, status, confirm := queue.counts()
	assert.Equal(t, 1, enqueue)
	assert.Equal(t, 0, status, "no polling after failed registration")
	assert.Equal(t, 0, confirm, "nothing to release when registration failed")

	s := store.snapshot("s1")
	assert.Empty(t, s.QueueRequestId, "request id cleared so a retry re-registers")
	assert.Contains(t, s.GenerationErrorMessage, "加入队列失败")
}

func TestConfirmCalledExactlyOnceForAllTerminalOutcomes(t *testing.T) {
	t.Run("vendor failure after retries", func(t *testing.T) {
		store := newFakeSceneStore(models.Scene{ID: "s1"})
		queue := &fakeAdmissionQueue{}
		p := newTestProcessor(store, queue)

		_, err := p.handleQueueableTask(context.Background(), "s1", models.TaskGenerateImage,
			func(ctx context.Context) (string, error) { return "", errors.New("vendor boom") })
		require.Error(t, err)
		_, _, confirm := queue.counts()
		assert.Equal(t, 1, confirm)
	})

	t.Run("queue timeout", func(t *testing.T) {
		store := newFakeSceneStore(models.Scene{ID: "s1"})
		queue := &fakeAdmissionQueue{statusFn: func(int) (*QueueStatus, error) {
			return &QueueStatus{Status: "aguardando"}, nil
		}}
		p := newTestProcessor(store, queue)

		_, err := p.handleQueueableTask(context.Background(), "s1", models.TaskGenerateImage,
			func(ctx context.Context) (string, error) { return "ok", nil })
		require.Error(t, err)
		_, _, confirm := queue.counts()
		assert.Equal(t, 1, confirm, "timeout still releases the slot")
	})

	t.Run("cancellation", func(t *testing.T) {
		store := newFakeSceneStore(models.Scene{ID: "s1"})
		queue := &fakeAdmissionQueue{statusFn: func(int) (*QueueStatus, error) {
			return &QueueStatus{Status: "aguardando"}, nil
		}}
		p := newTestProcessor(store, queue)
		p.MaxPollAttempts = 1000

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(30 * time.Millisecond)
			cancel()
		}()

		_, err := p.handleQueueableTask(ctx, "s1", models.TaskGenerateImage,
			func(ctx context.Context) (string, error) { return "ok", nil })
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cancelled")
		_, _, confirm := queue.counts()
		assert.Equal(t, 1, confirm, "cancellation still releases the slot")

		s := store.snapshot("s1")
		assert.Equal(t, "处理已被取消", s.GenerationErrorMessage)
		assert.Empty(t, s.QueueRequestId)
	})
}

func TestRetryBoundAndFixedDelay(t *testing.T) {
	store := newFakeSceneStore(models.Scene{ID: "s1"})
	queue := &fakeAdmissionQueue{}
	p := newTestProcessor(store, queue)
	p.VendorRetryDelay = 30 * time.Millisecond

	var mu sync.Mutex
	var attemptTimes []time.Time

	_, err := p.handleQueueableTask(context.Background(), "s1", models.TaskGenerateVideo,
		func(ctx context.Context) (string, error) {
			mu.Lock()
			attemptTimes = append(attemptTimes, time.Now())
			n := len(attemptTimes)
			mu.Unlock()
			return "", fmt.Errorf("attempt %d failed", n)
		})

	require.Error(t, err)
	require.Len(t, attemptTimes, 3, "exactly MaxVendorAttempts attempts")
	for i := 1; i < len(attemptTimes); i++ {
		gap := attemptTimes[i].Sub(attemptTimes[i-1])
		assert.GreaterOrEqual(t, gap, p.VendorRetryDelay, "fixed delay between attempts")
	}

	// 只保留最后一次的错误
	s := store.snapshot("s1")
	assert.Equal(t, "attempt 3 failed", s.GenerationErrorMessage)
	assert.Zero(t, s.GenerationAttempt, "counters reset on terminal state")
}

func TestRetryStopsOnFirstSuccess(t *testing.T) {
	store := newFakeSceneStore(models.Scene{ID: "s1"})
	queue := &fakeAdmissionQueue{}
	p := newTestProcessor(store, queue)

	attempts := 0
	result, err := p.handleQueueableTask(context.Background(), "s1", models.TaskGenerateImage,
		func(ctx context.Context) (string, error) {
			attempts++
			if attempts == 1 {
				return "", errors.New("transient")
			}
			return "http://out/second.png", nil
		})

	require.NoError(t, err)
	assert.Equal(t, 2, attempts, "fail once then succeed means exactly 2 attempts")
	assert.Equal(t, "http://out/second.png", result)
}

func TestWaitForReleaseReturnsAfterReleaseSignal(t *testing.T) {
	const pending = 4
	store := newFakeSceneStore(models.Scene{ID: "s1"})
	queue := &fakeAdmissionQueue{statusFn: func(call int) (*QueueStatus, error) {
		if call <= pending {
			return &QueueStatus{Status: "aguardando", PosUser: pending - call + 1, TotalUser: 10}, nil
		}
		return &QueueStatus{Status: QueueStatusReleased}, nil
	}}
	p := newTestProcessor(store, queue)

	start := time.Now()
	released, err := p.waitForRelease(context.Background(), "s1", "req-1")
	require.NoError(t, err)
	assert.True(t, released)

	_, status, _ := queue.counts()
	assert.Equal(t, pending+1, status, "returns on the first released poll")
	assert.GreaterOrEqual(t, time.Since(start), time.Duration(pending+1)*p.PollInterval,
		"each poll waits one interval first")

	// 排队进度被持久化供 UI 展示
	s := store.snapshot("s1")
	assert.Contains(t, s.QueueStatusMessage, "排队中")
}

func TestWaitForReleaseExhaustsPollBudget(t *testing.T) {
	store := newFakeSceneStore(models.Scene{ID: "s1"})
	queue := &fakeAdmissionQueue{statusFn: func(int) (*QueueStatus, error) {
		return &QueueStatus{Status: "aguardando"}, nil
	}}
	p := newTestProcessor(store, queue)
	p.MaxPollAttempts = 7

	released, err := p.waitForRelease(context.Background(), "s1", "req-1")
	require.NoError(t, err)
	assert.False(t, released)

	_, status, _ := queue.counts()
	assert.Equal(t, 7, status, "exactly MaxPollAttempts polls before giving up")
}

func TestWaitForReleaseTransportErrorConsumesAttempt(t *testing.T) {
	// 网络错误与排队等待共用同一轮询预算（保持既有行为）
	store := newFakeSceneStore(models.Scene{ID: "s1"})
	queue := &fakeAdmissionQueue{statusFn: func(int) (*QueueStatus, error) {
		return nil, errors.New("connection reset")
	}}
	p := newTestProcessor(store, queue)
	p.MaxPollAttempts = 5

	released, err := p.waitForRelease(context.Background(), "s1", "req-1")
	require.NoError(t, err)
	assert.False(t, released)

	_, status, _ := queue.counts()
	assert.Equal(t, 5, status)
}

func TestNoOpStatusMessageSkipsWrite(t *testing.T) {
	// 队列位置不变时重复轮询不应产生重复写入
	store := newFakeSceneStore(models.Scene{ID: "s1"})
	queue := &fakeAdmissionQueue{statusFn: func(call int) (*QueueStatus, error) {
		if call <= 3 {
			return &QueueStatus{Status: "aguardando", Message: "posição 2"}, nil
		}
		return &QueueStatus{Status: QueueStatusReleased}, nil
	}}
	p := newTestProcessor(store, queue)

	released, err := p.waitForRelease(context.Background(), "s1", "req-1")
	require.NoError(t, err)
	require.True(t, released)

	assert.Equal(t, 1, store.writeCount(), "identical position message written once")
}

func TestCancelPollTaskRegistry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	RegisterPollCancel("scene-x", cancel)
	defer UnregisterPollCancel("scene-x")

	assert.True(t, CancelPollTask("scene-x"))
	assert.Error(t, ctx.Err(), "registered context is cancelled")
	assert.False(t, CancelPollTask("scene-x"), "second cancel finds nothing")
	assert.False(t, CancelPollTask("unknown-scene"))
}
