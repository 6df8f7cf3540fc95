// Package archive writes purged events to object storage before they are
// deleted, keeping an audit copy outside the database.
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
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/petrijr/steward/pkg/api"
)

const contentType = "application/x-ndjson"

// S3Config describes how to reach the bucket.
type S3Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string

	// UsePathStyle is needed by most self-hosted S3 implementations.
	UsePathStyle bool
}

// NewS3Client builds an S3 client from cfg. Empty credentials fall back to
// the default AWS credential chain.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// ObjectPutter is the part of *s3.Client the archiver uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Record is one archived event, one JSON object per line.
type Record struct {
	ID            string         `json:"id"`
	Source        string         `json:"source"`
	ExternalID    string         `json:"external_id,omitempty"`
	Kind          string         `json:"kind,omitempty"`
	ReceivedAt    time.Time      `json:"received_at"`
	CorrelationID string         `json:"correlation_id"`
	Payload       map[string]any `json:"payload"`
	ArchivedAt    time.Time      `json:"archived_at"`
}

// S3Archiver uploads batches of events as newline-delimited JSON objects.
type S3Archiver struct {
	client ObjectPutter
	bucket string
	prefix string
	now    func() time.Time
}

// NewS3Archiver returns an archiver writing under prefix in bucket.
func NewS3Archiver(client ObjectPutter, bucket, prefix string) *S3Archiver {
	return &S3Archiver{client: client, bucket: bucket, prefix: prefix, now: time.Now}
}

// ArchiveEvents uploads events as one object. The key is derived from the
// first and last event so re-archiving the same batch overwrites it.
func (a *S3Archiver) ArchiveEvents(ctx context.Context, events []*api.Event) error {
	if len(events) == 0 {
		return nil
	}
	if a.bucket == "" {
		return errors.New("archive: bucket is not configured")
	}

	now := a.now().UTC()
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, ev := range events {
		if err := enc.Encode(Record{
			ID:            ev.ID,
			Source:        string(ev.Source),
			ExternalID:    ev.ExternalID,
			Kind:          ev.Kind,
			ReceivedAt:    ev.ReceivedAt.UTC(),
			CorrelationID: ev.CorrelationID,
			Payload:       ev.Payload,
			ArchivedAt:    now,
		}); err != nil {
			return fmt.Errorf("archive: encode event %s: %w", ev.ID, err)
		}
	}

	key := Key(a.prefix, events)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(buf.Bytes()),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(buf.Len())),
	})
	if err != nil {
		return fmt.Errorf("archive: put %s: %w", key, err)
	}
	return nil
}

// Key returns the object key for a batch: prefix/events/YYYY/MM/DD/first_last.jsonl,
// dated by the first event.
func Key(prefix string, events []*api.Event) string {
	first, last := events[0], events[len(events)-1]
	day := first.ReceivedAt.UTC().Format("2006/01/02")
	return path.Join(prefix, "events", day, first.ID+"_"+last.ID+".jsonl")
}
