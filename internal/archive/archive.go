// Package archive uploads snapshots of records that the sync engine refuses to send, so that
// they can be inspected without touching the device. Local records are never modified.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/lychee-technology/formsync"
	"go.uber.org/zap"
)

const (
	KindIntegrityAnomaly = "integrity_anomaly"
	KindTransformInvalid = "transform_invalid"
)

// Uploader is the subset of *manager.Uploader used here.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// BucketAPI is the subset of *s3.Client used to make sure the bucket exists.
type BucketAPI interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

// Snapshot is the archived document.
type Snapshot struct {
	Kind       string                      `json:"kind"`
	Reason     string                      `json:"reason,omitempty"`
	ArchivedAt time.Time                   `json:"archivedAt"`
	Record     *formsync.OfflineSubmission `json:"record"`
}

// Archive writes snapshots to {prefix}/{kind}/{localID}.json in one bucket.
type Archive struct {
	uploader Uploader
	buckets  BucketAPI
	bucket   string
	prefix   string
	nowFunc  func() time.Time
}

// New builds an archive backed by S3 from cfg. Static credentials and a custom endpoint
// are used when set, which makes S3-compatible stores work.
func New(ctx context.Context, cfg formsync.ArchiveConfig) (*Archive, error) {
	loadOpts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	if cfg.Endpoint != "" {
		loadOpts = append(loadOpts, config.WithBaseEndpoint(cfg.Endpoint))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewWithUploader(manager.NewUploader(client), client, cfg), nil
}

// NewWithUploader assembles an archive from explicit clients. buckets may be nil.
func NewWithUploader(uploader Uploader, buckets BucketAPI, cfg formsync.ArchiveConfig) *Archive {
	return &Archive{
		uploader: uploader,
		buckets:  buckets,
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
		nowFunc:  time.Now,
	}
}

// EnsureBucket creates the bucket when it does not exist yet.
func (a *Archive) EnsureBucket(ctx context.Context) error {
	if a.buckets == nil {
		return nil
	}
	if _, err := a.buckets.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(a.bucket)}); err == nil {
		return nil
	}
	if _, err := a.buckets.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(a.bucket)}); err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.ErrorCode() {
			case "BucketAlreadyOwnedByYou", "BucketAlreadyExists":
				return nil
			}
		}
		return fmt.Errorf("create bucket %s: %w", a.bucket, err)
	}
	zap.S().Infow("archive: bucket created", "bucket", a.bucket)
	return nil
}

// Key returns the object key a record of kind is archived under.
func (a *Archive) Key(kind, localID string) string {
	return path.Join(a.prefix, kind, localID+".json")
}

// Archive uploads a snapshot of sub and returns its object key.
func (a *Archive) Archive(ctx context.Context, kind, reason string, sub *formsync.OfflineSubmission) (string, error) {
	if sub == nil || sub.ID == "" {
		return "", fmt.Errorf("archive: record has no local id")
	}
	body, err := json.Marshal(Snapshot{
		Kind:       kind,
		Reason:     reason,
		ArchivedAt: a.nowFunc().UTC(),
		Record:     sub,
	})
	if err != nil {
		return "", fmt.Errorf("archive: encode %s: %w", sub.ID, err)
	}

	key := a.Key(kind, sub.ID)
	_, err = a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("archive: upload %s: %w", key, err)
	}
	zap.S().Infow("archive: record archived", "record_id", sub.ID, "kind", kind, "key", key)
	return key, nil
}
