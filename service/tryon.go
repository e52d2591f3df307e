package service

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// 换装服务后端是单会话的（一个 session 贯穿 上传 -> 提交 -> SSE 事件流 -> 下载），
// 并发会话会互相踩踏。全进程一把锁，粗粒度地串行整个多步调用序列。
// 多个场景任务可以并行编排，但同一时刻只允许一个任务处于换装临界区内。
var tryOnMu sync.Mutex

// TryOnClient 虚拟换装服务客户端（gradio 风格协议）
type TryOnClient struct {
	BaseURL string
	client  *http.Client
}

func NewTryOnClient(baseURL string) *TryOnClient {
	return &TryOnClient{
		BaseURL: baseURL,
		// SSE 事件流可能持续数分钟，读超时放宽
		client: &http.Client{Timeout: 10 * time.Minute},
	}
}

// Swap 执行一次完整换装：人物图 + 服装图 -> 合成图 URL。
// 整个序列持锁执行。
func (c *TryOnClient) Swap(ctx context.Context, personImageURL, garmentImageURL string) (string, error) {
	tryOnMu.Lock()
	defer tryOnMu.Unlock()
	return c.swapLocked(ctx, personImageURL, garmentImageURL)
}

func (c *TryOnClient) swapLocked(ctx context.Context, personImageURL, garmentImageURL string) (string, error) {
	sessionHash := uuid.NewString()[:12]

	personPath, err := c.uploadImage(ctx, personImageURL, "person.png")
	if err != nil {
		return "", fmt.Errorf("上传人物图失败: %w", err)
	}
	garmentPath, err := c.uploadImage(ctx, garmentImageURL, "garment.png")
	if err != nil {
		return "", fmt.Errorf("上传服装图失败: %w", err)
	}

	if err := c.joinQueue(ctx, sessionHash, personPath, garmentPath); err != nil {
		return "", fmt.Errorf("提交换装任务失败: %w", err)
	}

	outputPath, err := c.listenEvents(ctx, sessionHash)
	if err != nil {
		return "", err
	}

	// 输出是服务端文件路径，拼成可下载的 URL 由调用方转存
	return c.BaseURL + "/file=" + outputPath, nil
}

// uploadImage 下载源图并以 multipart 转传给换装服务，返回服务端文件路径
func (c *TryOnClient) uploadImage(ctx context.Context, sourceURL, filename string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", err
	}
	srcResp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download source image failed: %w", err)
	}
	defer srcResp.Body.Close()
	if srcResp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download source image status: %d", srcResp.StatusCode)
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("files", filename)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, srcResp.Body); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	upReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/upload", &buf)
	if err != nil {
		return "", err
	}
	upReq.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(upReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("upload status: %d", resp.StatusCode)
	}

	var paths []string
	if err := json.NewDecoder(resp.Body).Decode(&paths); err != nil {
		return "", fmt.Errorf("decode upload response failed: %w", err)
	}
	if len(paths) == 0 {
		return "", fmt.Errorf("upload response empty")
	}
	return paths[0], nil
}

// joinQueue 提交换装任务到服务端队列
func (c *TryOnClient) joinQueue(ctx context.Context, sessionHash, personPath, garmentPath string) error {
	body := map[string]interface{}{
		"data": []interface{}{
			map[string]interface{}{"path": personPath},
			map[string]interface{}{"path": garmentPath},
		},
		"fn_index":     0,
		"session_hash": sessionHash,
	}
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/queue/join", bytes.NewBuffer(jsonBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("queue/join status: %d", resp.StatusCode)
	}
	return nil
}

type tryOnEvent struct {
	Msg    string `json:"msg"`
	Output struct {
		Data []struct {
			Path string `json:"path"`
			Name string `json:"name"`
		} `json:"data"`
	} `json:"output"`
	Success *bool  `json:"success,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// listenEvents 订阅 SSE 事件流直到 process_completed，返回输出文件的服务端路径。
// 事件为行式 "data: {json}" 帧，用 bufio 逐行读取。
func (c *TryOnClient) listenEvents(ctx context.Context, sessionHash string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/queue/data?session_hash="+sessionHash, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("event stream request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("event stream status: %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}

		var ev tryOnEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			// 非 JSON 心跳帧，忽略
			continue
		}

		switch ev.Msg {
		case "process_completed":
			if ev.Success != nil && !*ev.Success {
				return "", fmt.Errorf("换装服务处理失败: %s", ev.Detail)
			}
			if len(ev.Output.Data) == 0 {
				return "", fmt.Errorf("换装服务未返回输出")
			}
			out := ev.Output.Data[0].Path
			if out == "" {
				out = ev.Output.Data[0].Name
			}
			if out == "" {
				return "", fmt.Errorf("换装输出路径为空")
			}
			return out, nil
		case "queue_full":
			return "", fmt.Errorf("换装服务队列已满")
		default:
			// estimation / process_starts 等进度事件，继续等待
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("event stream read failed: %w", err)
	}
	return "", fmt.Errorf("event stream closed before completion")
}
