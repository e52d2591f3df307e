package service

import (
	"errors"
	"testing"

	"ProductToVideo-server/models"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSceneTaskOptionsReleaseTaskIDOnCompletion(t *testing.T) {
	opts := sceneTaskOptions(TypeSceneImage, "s1")

	byType := map[asynq.OptionType]interface{}{}
	for _, o := range opts {
		byType[o.Type()] = o.Value()
	}

	assert.Equal(t, "scene:generate_image:s1", byType[asynq.TaskIDOpt], "同场景同类型去重")
	assert.Equal(t, 0, byType[asynq.MaxRetryOpt])
	assert.Contains(t, byType, asynq.TimeoutOpt)
	// 不允许 Retention：处理器对业务失败返回 nil，任务在 asynq 看来总是"完成"，
	// 若完成后还保留固定 id，终态场景的重新派发会被 ErrTaskIDConflict 挡住一整个保留期
	assert.NotContains(t, byType, asynq.RetentionOpt)
}

func TestDispatchMarksSceneBusyBeforeEnqueue(t *testing.T) {
	store := newFakeSceneStore(models.Scene{ID: "s1"})

	busyAtEnqueue := false
	enqueue := func(taskType string, p ScenePayload) error {
		s := store.snapshot("s1")
		busyAtEnqueue = s.Busy()
		return nil
	}

	err := dispatchScene(store, enqueue, TypeSceneImage, models.TaskGenerateImage, ScenePayload{SceneID: "s1"})
	require.NoError(t, err)

	// worker 可能在派发方的后续写入前就跑完任务；busy 标志必须先于入队落库
	assert.True(t, busyAtEnqueue, "scene must already be busy when the task hits the queue")
	assert.True(t, store.snapshot("s1").IsGenerating)
}

func TestDispatchRollsBackBusyFlagOnEnqueueFailure(t *testing.T) {
	store := newFakeSceneStore(models.Scene{ID: "s1"})

	enqueue := func(string, ScenePayload) error { return errors.New("redis down") }

	err := dispatchScene(store, enqueue, TypeSceneImage, models.TaskGenerateImage, ScenePayload{SceneID: "s1"})
	require.Error(t, err)

	s := store.snapshot("s1")
	assert.False(t, s.Busy(), "没有任务会来清这个标志，派发方必须自己回滚")
	assert.Contains(t, s.GenerationErrorMessage, "入队失败")
}

func TestSceneCanBeRedispatchedAfterTerminalState(t *testing.T) {
	store := newFakeSceneStore(models.Scene{ID: "s1"})

	enqueued := 0
	enqueue := func(string, ScenePayload) error {
		enqueued++
		return nil
	}

	// 第一轮：派发 -> worker 以失败终态收尾
	require.NoError(t, dispatchScene(store, enqueue, TypeSceneImage, models.TaskGenerateImage, ScenePayload{SceneID: "s1"}))
	_, err := store.Mutate("s1", func(s *models.Scene) {
		s.FinishFailure(models.TaskGenerateImage, "vendor boom")
	})
	require.NoError(t, err)

	// 终态场景允许随时重新派发，开启新一轮准入周期
	require.NoError(t, dispatchScene(store, enqueue, TypeSceneImage, models.TaskGenerateImage, ScenePayload{SceneID: "s1"}))

	assert.Equal(t, 2, enqueued)
	s := store.snapshot("s1")
	assert.True(t, s.IsGenerating)
	assert.Empty(t, s.GenerationErrorMessage, "new attempt clears the previous error")
}
