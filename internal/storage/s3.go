package storage

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/teampayhq/megatron/internal/config"
)

const presignExpiry = 15 * time.Minute

// S3Provider stores re-hosted attachments in an S3 bucket under a folder prefix.
type S3Provider struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	folder  string
	logger  *slog.Logger
}

// NewS3Provider builds an S3-backed provider from config, loading AWS
// credentials from the default chain.
func NewS3Provider(ctx context.Context, log *slog.Logger, cfg config.StorageConfig) (*S3Provider, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("storage bucket is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	if log == nil {
		log = slog.Default()
	}
	return &S3Provider{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
		folder:  cfg.Folder,
		logger:  log.With(slog.String("service", "storage")),
	}, nil
}

// Store uploads data under folder/name and returns the object key.
func (p *S3Provider) Store(ctx context.Context, data []byte, name string) (string, error) {
	key := path.Join(p.folder, name)
	_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		p.logger.Error("upload failed", slog.String("key", key), slog.Any("error", err))
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return key, nil
}

// PresignedURL returns a time-limited GET URL for key.
func (p *S3Provider) PresignedURL(ctx context.Context, key string) (string, error) {
	req, err := p.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(presignExpiry))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return req.URL, nil
}
