package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueApiClientSendsUserAndRequestID(t *testing.T) {
	type hit struct {
		path   string
		userID string
		reqID  string
	}
	var hits []hit
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits = append(hits, hit{
			path:   r.URL.Path,
			userID: r.URL.Query().Get("user_id"),
			reqID:  r.URL.Query().Get("req_id"),
		})
		if r.URL.Path == pathStatus {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"status":"aguardando","posicao_fila_usuario":2,"total_na_fila_usuario":5}`))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	q := NewQueueApiClient(srv.URL)
	ctx := context.Background()

	require.NoError(t, q.EnqueueRequest(ctx, "u1", "r1"))
	status, err := q.CheckRequestStatus(ctx, "u1", "r1")
	require.NoError(t, err)
	require.NoError(t, q.ConfirmExecution(ctx, "u1", "r1"))

	require.Len(t, hits, 3)
	assert.Equal(t, pathEnqueue, hits[0].path)
	assert.Equal(t, pathStatus, hits[1].path)
	assert.Equal(t, pathConfirm, hits[2].path)
	for _, h := range hits {
		assert.Equal(t, "u1", h.userID)
		assert.Equal(t, "r1", h.reqID)
	}

	assert.Equal(t, "aguardando", status.Status)
	assert.Equal(t, 2, status.PosUser)
	assert.Equal(t, 5, status.TotalUser)
}

func TestQueueApiClientNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	q := NewQueueApiClient(srv.URL)
	ctx := context.Background()

	assert.Error(t, q.EnqueueRequest(ctx, "u1", "r1"))
	_, err := q.CheckRequestStatus(ctx, "u1", "r1")
	assert.Error(t, err)
	assert.Error(t, q.ConfirmExecution(ctx, "u1", "r1"))
}

func TestQueueStatusReleasedValue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"liberado","mensagem":"pode executar"}`))
	}))
	defer srv.Close()

	q := NewQueueApiClient(srv.URL)
	status, err := q.CheckRequestStatus(context.Background(), "u1", "r1")
	require.NoError(t, err)
	assert.Equal(t, QueueStatusReleased, status.Status)
}

func TestPositionMessage(t *testing.T) {
	// 服务端消息优先，其次用户队列位置，再次全局位置，最后兜底文案
	cases := []struct {
		name   string
		status QueueStatus
		want   string
	}{
		{"server message wins", QueueStatus{Message: "aguarde", PosUser: 1, TotalUser: 3}, "aguarde"},
		{"user queue position", QueueStatus{PosUser: 3, TotalUser: 10}, "排队中 3/10"},
		{"global fallback", QueueStatus{PosGlobal: 7, TotalGlobal: 20}, "排队中 7/20 (全局)"},
		{"no info", QueueStatus{}, "排队等待中..."},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.status.PositionMessage())
		})
	}
}
