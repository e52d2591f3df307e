package service

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"path/filepath"
	"time"

	"ProductToVideo-server/config"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var MinioClient *minio.Client

// InitMinIO 初始化连接，在 main.go 中调用
func InitMinIO() {
	cfg := config.AppConfig.MinIO
	var err error
	MinioClient, err = minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		log.Fatalf("MinIO 初始化失败: %v", err)
	}
	log.Println("MinIO 连接成功")
}

// UploadToMinIO 通用上传函数，从 io.Reader 上传到 MinIO，返回可访问的 URL
// 参数:
//   - reader: 文件数据流 (可以是 http.Response.Body 或其他 io.Reader)
//   - objectName: 云端存储路径，例如 "scenes/123/image.png"
//   - size: 文件大小（字节），-1 表示未知大小
func UploadToMinIO(reader io.Reader, objectName string, size int64) (string, error) {
	ctx := context.Background()
	cfg := config.AppConfig.MinIO
	bucketName := cfg.Bucket

	// 确保 Bucket 存在
	exists, err := MinioClient.BucketExists(ctx, bucketName)
	if err != nil {
		return "", fmt.Errorf("检查 Bucket 失败: %w", err)
	}
	if !exists {
		err = MinioClient.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{})
		if err != nil {
			return "", fmt.Errorf("创建 Bucket 失败: %w", err)
		}
		log.Printf("Bucket '%s' 已创建", bucketName)
	}

	// 根据文件扩展名确定 ContentType
	contentType := "application/octet-stream"
	ext := filepath.Ext(objectName)
	switch ext {
	case ".jpg", ".jpeg":
		contentType = "image/jpeg"
	case ".png":
		contentType = "image/png"
	case ".webp":
		contentType = "image/webp"
	case ".mp4":
		contentType = "video/mp4"
	case ".mp3":
		contentType = "audio/mpeg"
	case ".wav":
		contentType = "audio/wav"
	case ".srt":
		contentType = "text/plain"
	}

	// 上传文件
	_, err = MinioClient.PutObject(ctx, bucketName, objectName, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("上传到 MinIO 失败: %w", err)
	}

	// 生成预签名 URL（72小时有效期）
	expiry := time.Hour * 72
	reqParams := make(url.Values)

	presignedURL, err := MinioClient.PresignedGetObject(ctx, bucketName, objectName, expiry, reqParams)
	if err != nil {
		return "", fmt.Errorf("生成签名 URL 失败: %w", err)
	}

	log.Printf("文件已上传: %s", objectName)
	return presignedURL.String(), nil
}

// DownloadAndUploadToMinIO 下载厂商产物并转存 MinIO，返回我们自己的预签名 URL
func DownloadAndUploadToMinIO(sourceURL, objectName string) (string, error) {
	if sourceURL == "" {
		return "", fmt.Errorf("sourceURL is empty")
	}
	resp, err := http.Get(sourceURL)
	if err != nil {
		return "", fmt.Errorf("download failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download status: %d", resp.StatusCode)
	}

	return UploadToMinIO(resp.Body, objectName, resp.ContentLength)
}

// UploadLocalFile 上传本地文件到 MinIO（成片导出等场景使用）
func UploadLocalFile(localPath string, objectName string) (string, error) {
	ctx := context.Background()
	cfg := config.AppConfig.MinIO
	bucketName := cfg.Bucket

	// 自动创建 Bucket
	exists, err := MinioClient.BucketExists(ctx, bucketName)
	if err == nil && !exists {
		MinioClient.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{})
	}

	if objectName == "" {
		objectName = filepath.Base(localPath)
	}
	contentType := "application/octet-stream"
	if filepath.Ext(localPath) == ".mp4" {
		contentType = "video/mp4"
	}

	_, err = MinioClient.FPutObject(ctx, bucketName, objectName, localPath, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("上传 MinIO 失败: %w", err)
	}

	expiry := time.Hour * 24
	reqParams := make(url.Values)
	presignedURL, err := MinioClient.PresignedGetObject(ctx, bucketName, objectName, expiry, reqParams)
	if err != nil {
		return "", fmt.Errorf("生成签名 URL 失败: %w", err)
	}
	return presignedURL.String(), nil
}
