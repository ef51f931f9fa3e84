// Package backup stores full collection snapshots in an S3 bucket. The
// archive is written after successful pushes and is the first source the
// emergency-recovery engine restores from.
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ledgerkeep/ledgerkeep/internal/logging"
	"github.com/ledgerkeep/ledgerkeep/internal/models"
)

// Archive is the port the sync and recovery engines use.
type Archive interface {
	// PutSnapshot uploads the owner's full collection set and returns the
	// object key it was stored under.
	PutSnapshot(ctx context.Context, ownerID string, collections map[string][]models.Record) (string, error)

	// LatestSnapshot returns the most recent snapshot for the owner, or an
	// empty map when none exists.
	LatestSnapshot(ctx context.Context, ownerID string) (map[string][]models.Record, error)
}

// Config holds S3 connection settings. Static credentials are optional; when
// absent the SDK's default chain applies.
type Config struct {
	Bucket          string
	Region          string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
}

// S3Archive implements Archive on an S3 bucket. Object keys embed a
// zero-padded epoch-millisecond timestamp so lexical order is creation order.
type S3Archive struct {
	client *s3.Client
	bucket string
	prefix string
	log    logging.Logger
}

func NewS3Archive(ctx context.Context, cfg Config, log logging.Logger) (*S3Archive, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &S3Archive{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		log:    log.With("component", "backup"),
	}, nil
}

func (a *S3Archive) ownerPrefix(ownerID string) string {
	if a.prefix == "" {
		return ownerID + "/"
	}
	return fmt.Sprintf("%s/%s/", a.prefix, ownerID)
}

func (a *S3Archive) PutSnapshot(ctx context.Context, ownerID string, collections map[string][]models.Record) (string, error) {
	body, err := json.Marshal(collections)
	if err != nil {
		return "", fmt.Errorf("failed to encode snapshot: %w", err)
	}

	key := fmt.Sprintf("%s%013d.json", a.ownerPrefix(ownerID), time.Now().UnixMilli())
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload snapshot: %w", err)
	}

	a.log.Debug(ctx, "snapshot uploaded", "key", key, "bytes", len(body))
	return key, nil
}

func (a *S3Archive) LatestSnapshot(ctx context.Context, ownerID string) (map[string][]models.Record, error) {
	prefix := a.ownerPrefix(ownerID)

	out, err := a.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	if len(out.Contents) == 0 {
		return map[string][]models.Record{}, nil
	}

	keys := make([]string, 0, len(out.Contents))
	for _, obj := range out.Contents {
		keys = append(keys, aws.ToString(obj.Key))
	}
	sort.Strings(keys)
	latest := keys[len(keys)-1]

	obj, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(latest),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download snapshot %q: %w", latest, err)
	}
	defer obj.Body.Close()

	data, err := io.ReadAll(obj.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot %q: %w", latest, err)
	}

	var collections map[string][]models.Record
	if err := json.Unmarshal(data, &collections); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot %q: %w", latest, err)
	}
	return collections, nil
}
