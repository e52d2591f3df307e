package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"ProductToVideo-server/config"
)

// VendorClients 生图/生视频厂商 API 的薄封装。
// 这里不做重试和排队——失败语义全部由编排层（handleQueueableTask）接管。
type VendorClients struct {
	ImageAPI string
	VideoAPI string
	client   *http.Client
}

func NewVendorClients() *VendorClients {
	return &VendorClients{
		ImageAPI: config.AppConfig.AI.ImageAPI,
		VideoAPI: config.AppConfig.AI.VideoAPI,
		client:   &http.Client{Timeout: 5 * time.Minute},
	}
}

func (v *VendorClients) postJSON(ctx context.Context, url string, reqBody interface{}, respData interface{}) error {
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request failed: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonBody))
	if err != nil {
		return fmt.Errorf("create request failed: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("vendor status code: %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(respData); err != nil {
		return fmt.Errorf("decode response failed: %v", err)
	}
	return nil
}

// GenerateImage 提示词 + 参考图 -> 图片 URL
func (v *VendorClients) GenerateImage(ctx context.Context, prompt string, referenceImages []string) (string, error) {
	reqBody := map[string]interface{}{
		"prompt":           prompt,
		"reference_images": referenceImages,
		"image_width":      1024,
		"image_height":     1024,
	}
	var respData struct {
		ImageURL string `json:"image_url"`
		Error    string `json:"error"`
	}
	if err := v.postJSON(ctx, v.ImageAPI+"/v1/images/generate", reqBody, &respData); err != nil {
		return "", err
	}
	if respData.Error != "" {
		return "", fmt.Errorf("image vendor error: %s", respData.Error)
	}
	if respData.ImageURL == "" {
		return "", fmt.Errorf("response missing 'image_url'")
	}
	return respData.ImageURL, nil
}

// VideoGenOutput 视频生成结果；缩略图可能缺省
type VideoGenOutput struct {
	VideoURL     string
	ThumbnailURL string
}

// GenerateVideo 提示词 + 首帧图 -> 视频 URL（可带缩略图）
func (v *VendorClients) GenerateVideo(ctx context.Context, prompt, sourceImageURL string, durationMs int64) (*VideoGenOutput, error) {
	reqBody := map[string]interface{}{
		"prompt":       prompt,
		"source_image": sourceImageURL,
		"duration_ms":  durationMs,
		"resolution":   "1280x720",
		"fps":          24,
	}
	var respData struct {
		VideoURL     string `json:"video_url"`
		ThumbnailURL string `json:"thumbnail_url"`
		Error        string `json:"error"`
	}
	if err := v.postJSON(ctx, v.VideoAPI+"/v1/videos/generate", reqBody, &respData); err != nil {
		return nil, err
	}
	if respData.Error != "" {
		return nil, fmt.Errorf("video vendor error: %s", respData.Error)
	}
	if respData.VideoURL == "" {
		return nil, fmt.Errorf("response missing 'video_url'")
	}
	return &VideoGenOutput{VideoURL: respData.VideoURL, ThumbnailURL: respData.ThumbnailURL}, nil
}
