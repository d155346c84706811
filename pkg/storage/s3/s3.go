package s3

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	cfg "github.com/bindrap/notesWebApp/config"
	"github.com/bindrap/notesWebApp/pkg/logger"
)

// deleteBatch is the S3 DeleteObjects limit.
const deleteBatch = 1000

type S3Storage struct {
	client     *s3.Client
	bucketName string
	logger     logger.Logger
}

func (s *S3Storage) Name() string { return "s3" }

// Put uploads one object.
func (s *S3Storage) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucketName),
		Key:           aws.String(key),
		Body:          r,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		s.logger.Error("Failed to store object",
			logger.String("bucket", s.bucketName),
			logger.String("key", key),
			logger.Error(err),
		)
		return fmt.Errorf("failed to store object %s: %w", key, err)
	}
	return nil
}

// DeletePrefix removes every object under prefix.
func (s *S3Storage) DeletePrefix(ctx context.Context, prefix string) error {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucketName),
		Prefix: aws.String(prefix),
	})

	deleted := 0
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("failed to list objects under %s: %w", prefix, err)
		}

		ids := make([]types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			ids = append(ids, types.ObjectIdentifier{Key: obj.Key})
		}

		for start := 0; start < len(ids); start += deleteBatch {
			end := min(start+deleteBatch, len(ids))
			_, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(s.bucketName),
				Delete: &types.Delete{
					Objects: ids[start:end],
					Quiet:   aws.Bool(true),
				},
			})
			if err != nil {
				return fmt.Errorf("failed to delete objects under %s: %w", prefix, err)
			}
			deleted += end - start
		}
	}

	s.logger.Debug("Deleted mirrored objects",
		logger.String("prefix", prefix),
		logger.Int("count", deleted),
	)
	return nil
}

func NewS3Storage(ctx context.Context, c cfg.S3Config, log logger.Logger) (*S3Storage, error) {
	if c.BucketName == "" {
		return nil, fmt.Errorf("s3 mirror requires a bucket name")
	}

	log.Info("S3 mirror configuration",
		logger.String("bucket", c.BucketName),
		logger.String("region", c.Region),
		logger.String("endpoint", c.Endpoint),
	)

	opts := []func(*config.LoadOptions) error{config.WithRegion(c.Region)}
	if c.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.AccessKey, c.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if c.Endpoint != "" {
			o.BaseEndpoint = aws.String(c.Endpoint)
			o.UsePathStyle = true
		}
	})

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.BucketName)}); err != nil {
		return nil, fmt.Errorf("failed to verify bucket existence: %w", err)
	}

	return &S3Storage{
		client:     client,
		bucketName: c.BucketName,
		logger:     log.Named("s3"),
	}, nil
}
