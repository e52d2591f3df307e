package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// 远端准入控制队列协议：三个 GET 端点，status 为 "liberado" 时表示放行。
const (
	QueueStatusReleased = "liberado"

	pathEnqueue = "/enfileirar"
	pathStatus  = "/status_requisicao"
	pathConfirm = "/confirmar_execucao"
)

// QueueStatus status_requisicao 的响应体
type QueueStatus struct {
	Status      string `json:"status"`
	PosGlobal   int    `json:"posicao_fila_global"`
	TotalGlobal int    `json:"total_na_fila_global"`
	PosUser     int    `json:"posicao_fila_usuario"`
	TotalUser   int    `json:"total_na_fila_usuario"`
	Message     string `json:"mensagem"`
}

// PositionMessage 返回服务端给出的提示；没有时按队列位置本地合成一条
func (qs *QueueStatus) PositionMessage() string {
	if qs.Message != "" {
		return qs.Message
	}
	if qs.PosUser > 0 && qs.TotalUser > 0 {
		return fmt.Sprintf("排队中 %d/%d", qs.PosUser, qs.TotalUser)
	}
	if qs.PosGlobal > 0 && qs.TotalGlobal > 0 {
		return fmt.Sprintf("排队中 %d/%d (全局)", qs.PosGlobal, qs.TotalGlobal)
	}
	return "排队等待中..."
}

// QueueApiClient 准入控制队列的 HTTP 客户端。
// 三个操作在传输层都可安全重试，但本层不做业务重试：
//   - EnqueueRequest 失败对本次任务是致命的（由编排层清掉 request id）；
//   - CheckRequestStatus 失败由轮询循环吞掉，下个周期再查；
//   - ConfirmExecution 失败只记日志，任务结果不受影响（槽位可能在服务端泄漏，已知限制）。
type QueueApiClient struct {
	BaseURL string
	client  *http.Client
}

func NewQueueApiClient(baseURL string) *QueueApiClient {
	return &QueueApiClient{
		BaseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (q *QueueApiClient) buildURL(path, userID, requestID string) string {
	params := url.Values{}
	params.Set("user_id", userID)
	params.Set("req_id", requestID)
	return q.BaseURL + path + "?" + params.Encode()
}

func (q *QueueApiClient) get(ctx context.Context, fullURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request failed: %w", err)
	}
	return q.client.Do(req)
}

// EnqueueRequest 注册排队意图。同一 request id 至多调用一次，由编排层保证。
func (q *QueueApiClient) EnqueueRequest(ctx context.Context, userID, requestID string) error {
	resp, err := q.get(ctx, q.buildURL(pathEnqueue, userID, requestID))
	if err != nil {
		return fmt.Errorf("enfileirar request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("enfileirar status code: %d", resp.StatusCode)
	}
	return nil
}

// CheckRequestStatus 查询排队状态，由轮询循环反复调用
func (q *QueueApiClient) CheckRequestStatus(ctx context.Context, userID, requestID string) (*QueueStatus, error) {
	resp, err := q.get(ctx, q.buildURL(pathStatus, userID, requestID))
	if err != nil {
		return nil, fmt.Errorf("status_requisicao request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("status_requisicao status code: %d", resp.StatusCode)
	}
	var status QueueStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode status response failed: %w", err)
	}
	return &status, nil
}

// ConfirmExecution 归还槽位。放行后的任务无论成败都必须恰好调用一次。
func (q *QueueApiClient) ConfirmExecution(ctx context.Context, userID, requestID string) error {
	resp, err := q.get(ctx, q.buildURL(pathConfirm, userID, requestID))
	if err != nil {
		return fmt.Errorf("confirmar_execucao request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("confirmar_execucao status code: %d", resp.StatusCode)
	}
	return nil
}
