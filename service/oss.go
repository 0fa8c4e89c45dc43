package service

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"path/filepath"
	"time"

	"PromptToVideo-server/config"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// AssetStore re-homes provider output into storage the project owns, returning
// a stable URL. Provider URLs are short-lived; everything the snapshot points
// at goes through here first.
type AssetStore interface {
	Rehome(ctx context.Context, sourceUrl, objectName string) (string, error)
}

var MinioClient *minio.Client

func InitMinIO() {
	cfg := config.AppConfig.MinIO
	var err error
	MinioClient, err = minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		log.Fatalf("MinIO init failed: %v", err)
	}
	log.Println("MinIO connected")
}

// MinioAssets is the MinIO-backed AssetStore.
type MinioAssets struct {
	Client *minio.Client
	Bucket string
}

func NewMinioAssets() *MinioAssets {
	return &MinioAssets{Client: MinioClient, Bucket: config.AppConfig.MinIO.Bucket}
}

func (m *MinioAssets) Rehome(ctx context.Context, sourceUrl, objectName string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceUrl, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download status: %d", resp.StatusCode)
	}

	exists, err := m.Client.BucketExists(ctx, m.Bucket)
	if err != nil {
		return "", fmt.Errorf("check bucket failed: %w", err)
	}
	if !exists {
		if err := m.Client.MakeBucket(ctx, m.Bucket, minio.MakeBucketOptions{}); err != nil {
			return "", fmt.Errorf("create bucket failed: %w", err)
		}
		log.Printf("bucket '%s' created", m.Bucket)
	}

	contentType := "application/octet-stream"
	switch filepath.Ext(objectName) {
	case ".mp4":
		contentType = "video/mp4"
	case ".mp3":
		contentType = "audio/mpeg"
	case ".wav":
		contentType = "audio/wav"
	case ".json":
		contentType = "application/json"
	}

	_, err = m.Client.PutObject(ctx, m.Bucket, objectName, resp.Body, resp.ContentLength, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("upload to MinIO failed: %w", err)
	}

	expiry := time.Hour * 72
	reqParams := make(url.Values)
	presignedURL, err := m.Client.PresignedGetObject(ctx, m.Bucket, objectName, expiry, reqParams)
	if err != nil {
		return "", fmt.Errorf("presign failed: %w", err)
	}

	log.Printf("[OSS] stored %s", objectName)
	return presignedURL.String(), nil
}
