package minio

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	cfg "github.com/bindrap/notesWebApp/config"
	"github.com/bindrap/notesWebApp/pkg/logger"
)

type MinioStorage struct {
	client     *minio.Client
	bucketName string
	logger     logger.Logger
}

func (m *MinioStorage) Name() string { return "minio" }

// Put implements storage.Mirror
func (m *MinioStorage) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	_, err := m.client.PutObject(ctx, m.bucketName, key, r, size, minio.PutObjectOptions{
		ContentType: "text/markdown",
	})
	if err != nil {
		m.logger.Error("Failed to store object",
			logger.String("bucket", m.bucketName),
			logger.String("key", key),
			logger.Error(err),
		)
		return fmt.Errorf("failed to store object %s: %w", key, err)
	}
	return nil
}

// DeletePrefix implements storage.Mirror
func (m *MinioStorage) DeletePrefix(ctx context.Context, prefix string) error {
	objectsCh := make(chan minio.ObjectInfo)
	listErr := make(chan error, 1)

	go func() {
		defer close(objectsCh)
		for obj := range m.client.ListObjects(ctx, m.bucketName, minio.ListObjectsOptions{
			Prefix:    prefix,
			Recursive: true,
		}) {
			if obj.Err != nil {
				listErr <- obj.Err
				return
			}
			objectsCh <- obj
		}
	}()

	var firstErr error
	for rErr := range m.client.RemoveObjects(ctx, m.bucketName, objectsCh, minio.RemoveObjectsOptions{}) {
		m.logger.Error("Failed to delete object",
			logger.String("key", rErr.ObjectName),
			logger.Error(rErr.Err),
		)
		if firstErr == nil {
			firstErr = fmt.Errorf("failed to delete %s: %w", rErr.ObjectName, rErr.Err)
		}
	}

	select {
	case err := <-listErr:
		return fmt.Errorf("failed to list objects under %s: %w", prefix, err)
	default:
	}
	return firstErr
}

func NewMinioStorage(ctx context.Context, c cfg.MinioConfig, log logger.Logger) (*MinioStorage, error) {
	client, err := minio.New(c.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(c.AccessKey, c.SecretKey, ""),
		Secure: c.UseSSL,
		Region: c.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	exists, err := client.BucketExists(ctx, c.BucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		err = client.MakeBucket(ctx, c.BucketName, minio.MakeBucketOptions{Region: c.Region})
		if err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &MinioStorage{
		client:     client,
		bucketName: c.BucketName,
		logger:     log.Named("minio"),
	}, nil
}
