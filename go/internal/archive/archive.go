// Package archive exports the audit record of every completed session to
// S3 compatible object storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/mcdev12/veto/go/internal/models"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string // R2, MinIO and friends; empty for AWS
	AccessKeyID     string
	SecretAccessKey string
}

// ObjectPutter is the part of *s3.Client the archiver uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ActionLog returns the persisted action log of a session.
type ActionLog interface {
	ListActions(ctx context.Context, id uuid.UUID) ([]models.ResolvedAction, error)
}

// Record is the archived document.
type Record struct {
	Session    models.VetoSession      `json:"session"`
	Actions    []models.ResolvedAction `json:"actions"`
	SeriesMaps []string                `json:"series_maps"`
	ArchivedAt time.Time               `json:"archived_at"`
}

// Archiver uploads one Record per completed session.
type Archiver struct {
	client ObjectPutter
	log    ActionLog
	bucket string
	prefix string
	now    func() time.Time
}

func New(client ObjectPutter, actions ActionLog, bucket, prefix string) *Archiver {
	return &Archiver{
		client: client,
		log:    actions,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		now:    time.Now,
	}
}

// NewS3Client builds a client from cfg, falling back to the default AWS
// credential chain when no static keys are given.
func NewS3Client(ctx context.Context, cfg Config) (*s3.Client, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("archive bucket is required")
	}
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	sdkCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS SDK config: %w", err)
	}
	return s3.NewFromConfig(sdkCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// Key returns the object key for s.
func (a *Archiver) Key(s models.VetoSession) string {
	ref := strings.ReplaceAll(s.MatchRef, "/", "_")
	return path.Join(a.prefix, ref, s.ID.String()+".json")
}

// OnSessionCompleted uploads the record of s.
func (a *Archiver) OnSessionCompleted(ctx context.Context, s models.VetoSession) error {
	actions, err := a.log.ListActions(ctx, s.ID)
	if err != nil {
		return fmt.Errorf("list actions for archive: %w", err)
	}
	body, err := json.MarshalIndent(Record{
		Session:    s,
		Actions:    actions,
		SeriesMaps: s.SeriesMaps(),
		ArchivedAt: a.now().UTC(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal archive record: %w", err)
	}

	key := a.Key(s)
	out, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"session-id": s.ID.String(),
			"match-ref":  s.MatchRef,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload archive (key: %s): %w", key, err)
	}

	etag := ""
	if out.ETag != nil {
		etag = strings.Trim(*out.ETag, "\"")
	}
	log.Info().
		Str("session_id", s.ID.String()).
		Str("bucket", a.bucket).
		Str("key", key).
		Str("etag", etag).
		Msg("archived completed session")
	return nil
}
