// Package backup ships state snapshots and promoted config versions to an
// S3 bucket so a dead disk does not take the trading record with it.
package backup

import (
	"context"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/jbeckert/crosswind/internal/config"
)

const uploadTimeout = 60 * time.Second

// Uploader puts local files into a configured S3 bucket. A nil Uploader
// means backups stay local only; callers check before use.
type Uploader struct {
	uploader *manager.Uploader
	bucket   string
	prefix   string
	log      zerolog.Logger
}

// NewUploader builds the uploader, or returns (nil, nil) when no bucket is
// configured. Credentials come from the explicit S3 pair when set,
// otherwise from the AWS default chain.
func NewUploader(ctx context.Context, cfg config.BackupConfig, secrets config.Secrets, log zerolog.Logger) (*Uploader, error) {
	if cfg.S3Bucket == "" {
		return nil, nil
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
	}
	if secrets.S3AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(secrets.S3AccessKey, secrets.S3SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			// Compatible stores rarely support virtual-hosted buckets.
			o.UsePathStyle = true
		}
	})

	return &Uploader{
		uploader: manager.NewUploader(client),
		bucket:   cfg.S3Bucket,
		prefix:   cfg.S3Prefix,
		log:      log.With().Str("service", "backup").Logger(),
	}, nil
}

// UploadFile puts a local file under the configured prefix. The key is the
// remote name relative to the prefix, forward slashes.
func (u *Uploader) UploadFile(ctx context.Context, localPath, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer f.Close()

	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	fullKey := path.Join(u.prefix, key)
	out, err := u.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(fullKey),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("failed to upload s3://%s/%s: %w", u.bucket, fullKey, err)
	}

	u.log.Info().
		Str("file", localPath).
		Str("key", fullKey).
		Str("location", out.Location).
		Msg("Uploaded backup to S3")
	return nil
}
