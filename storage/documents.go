package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const maxSourceBytes int64 = 20 * 1024 * 1024

// SourceStorage keeps the original uploaded source files in MinIO/S3 so the
// raw material behind a brand's index is never lost.
type SourceStorage struct {
	client *minio.Client
	bucket string
}

// NewSourceStorageFromEnv initialises SourceStorage using MINIO_* environment
// variables. Missing configuration disables raw-asset retention (nil, nil).
func NewSourceStorageFromEnv() (*SourceStorage, error) {
	endpoint := strings.TrimSpace(os.Getenv("MINIO_ENDPOINT"))
	accessKey := strings.TrimSpace(os.Getenv("MINIO_ACCESS_KEY"))
	secretKey := strings.TrimSpace(os.Getenv("MINIO_SECRET_KEY"))
	bucket := strings.TrimSpace(os.Getenv("MINIO_BUCKET"))
	if endpoint == "" || accessKey == "" || secretKey == "" || bucket == "" {
		return nil, nil
	}

	useSSL := strings.EqualFold(strings.TrimSpace(os.Getenv("MINIO_USE_SSL")), "true")
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: init minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("storage: check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("storage: create bucket: %w", err)
		}
	}

	return &SourceStorage{client: client, bucket: bucket}, nil
}

// Upload stores the raw source file under sources/<brand>/<uuid><ext> and
// returns the object key.
func (s *SourceStorage) Upload(ctx context.Context, fileHeader *multipart.FileHeader, brandID uint64) (string, error) {
	if s == nil || s.client == nil {
		return "", errors.New("storage: source storage not configured")
	}
	if fileHeader == nil {
		return "", errors.New("storage: source file not provided")
	}
	if fileHeader.Size > 0 && fileHeader.Size > maxSourceBytes {
		return "", fmt.Errorf("storage: source size exceeds %d bytes", maxSourceBytes)
	}

	src, err := fileHeader.Open()
	if err != nil {
		return "", fmt.Errorf("storage: open source: %w", err)
	}
	defer src.Close()

	var buffer bytes.Buffer
	written, err := io.Copy(&buffer, io.LimitReader(src, maxSourceBytes+1))
	if err != nil {
		return "", fmt.Errorf("storage: read source: %w", err)
	}
	if written > maxSourceBytes {
		return "", fmt.Errorf("storage: source size exceeds %d bytes", maxSourceBytes)
	}

	data := buffer.Bytes()
	contentType := strings.TrimSpace(fileHeader.Header.Get("Content-Type"))
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	ext := strings.ToLower(filepath.Ext(fileHeader.Filename))
	objectKey := strings.Join([]string{
		"sources",
		strconv.FormatUint(brandID, 10),
		uuid.NewString() + ext,
	}, "/")

	_, err = s.client.PutObject(ctx, s.bucket, objectKey, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("storage: put object: %w", err)
	}
	return objectKey, nil
}

// Remove deletes a stored source object.
func (s *SourceStorage) Remove(ctx context.Context, objectKey string) error {
	if s == nil || s.client == nil {
		return nil
	}
	trimmed := strings.TrimSpace(objectKey)
	if trimmed == "" {
		return nil
	}
	return s.client.RemoveObject(ctx, s.bucket, trimmed, minio.RemoveObjectOptions{})
}
