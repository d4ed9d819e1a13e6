// Package archive copies expired check results to S3-compatible storage
// before retention deletes them.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/hamed0406/devopsguardian/internal/domain"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

type objectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, object string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

type S3 struct {
	mc     objectStore
	bucket string
	prefix string
	region string
	log    *zap.Logger
}

func NewS3(cfg Config, log *zap.Logger) (*S3, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("s3 client: %w", err)
	}
	return &S3{mc: mc, bucket: cfg.Bucket, prefix: cfg.Prefix, region: cfg.Region, log: log}, nil
}

// EnsureBucket creates the archive bucket if it does not exist.
func (a *S3) EnsureBucket(ctx context.Context) error {
	exists, err := a.mc.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", a.bucket, err)
	}
	if exists {
		return nil
	}
	region := a.region
	if region == "" {
		region = "us-east-1"
	}
	if err := a.mc.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", a.bucket, err)
	}
	a.log.Info("archive_bucket_created", zap.String("bucket", a.bucket))
	return nil
}

// Archive uploads rs as one JSON-lines object and returns its key.
func (a *S3) Archive(ctx context.Context, cutoff time.Time, rs []domain.CheckResult) (string, error) {
	body, err := Encode(rs)
	if err != nil {
		return "", err
	}
	key := path.Join(a.prefix, fmt.Sprintf("results-before-%s-%s.jsonl", cutoff.UTC().Format("20060102T150405Z"), uuid.NewString()[:8]))
	info, err := a.mc.PutObject(ctx, a.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/x-ndjson",
	})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	a.log.Info("archive_uploaded",
		zap.String("bucket", a.bucket),
		zap.String("key", key),
		zap.Int("results", len(rs)),
		zap.Int64("bytes", info.Size),
	)
	return key, nil
}

// Encode writes one JSON object per line.
func Encode(rs []domain.CheckResult) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range rs {
		if err := enc.Encode(&rs[i]); err != nil {
			return nil, fmt.Errorf("encode result %s: %w", rs[i].ID, err)
		}
	}
	return buf.Bytes(), nil
}
