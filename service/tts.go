package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// TTSOutput 语音合成结果；字幕可能缺省
type TTSOutput struct {
	AudioURL    string
	SubtitleURL string
}

// TTSClient 旁白语音合成客户端。支持单人与多人对话两种模式：
// 文本中出现 "角色: 台词" 行时按多说话人提交。
type TTSClient struct {
	BaseURL string
	client  *http.Client
}

func NewTTSClient(baseURL string) *TTSClient {
	return &TTSClient{
		BaseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Minute},
	}
}

// Synthesize 文本 + 音色 -> 音频 URL（附可选字幕 URL）
func (t *TTSClient) Synthesize(ctx context.Context, text, voice string) (*TTSOutput, error) {
	if voice == "" {
		voice = "xiaoyan"
	}
	reqBody := map[string]interface{}{
		"text":          text,
		"voice":         voice,
		"lang":          "zh-CN",
		"sample_rate":   24000,
		"format":        "mp3",
		"multi_speaker": looksMultiSpeaker(text),
		"subtitles":     true,
	}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request failed: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.BaseURL+"/v1/tts", bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request failed: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tts status code: %d", resp.StatusCode)
	}

	var respData struct {
		AudioURL    string `json:"audio_url"`
		SubtitleURL string `json:"subtitle_url"`
		Error       string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&respData); err != nil {
		return nil, fmt.Errorf("decode response failed: %v", err)
	}
	if respData.Error != "" {
		return nil, fmt.Errorf("tts vendor error: %s", respData.Error)
	}
	if respData.AudioURL == "" {
		return nil, fmt.Errorf("response missing 'audio_url'")
	}
	return &TTSOutput{AudioURL: respData.AudioURL, SubtitleURL: respData.SubtitleURL}, nil
}

// looksMultiSpeaker 粗略判断旁白是否为多角色对话格式
func looksMultiSpeaker(text string) bool {
	lines := strings.Split(text, "\n")
	hits := 0
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if idx := strings.Index(line, ":"); idx > 0 && idx < 20 {
			hits++
		} else if idx := strings.Index(line, "："); idx > 0 && idx < 40 {
			hits++
		}
	}
	return hits >= 2
}
