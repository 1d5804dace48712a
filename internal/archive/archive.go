// Package archive exports dead-lettered job snapshots to S3 so exhausted
// jobs remain inspectable and replayable after the bounded dead-letter list
// rolls over.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/c04ch1337/Transform-Army-Platform-sub000/internal/config"
	"github.com/c04ch1337/Transform-Army-Platform-sub000/internal/models"
)

// ObjectPutter is the slice of the S3 API the archiver uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver uploads one JSON object per dead-lettered job. Object keys are
// deterministic, so re-uploading after a restart is harmless.
type Archiver struct {
	client ObjectPutter
	bucket string
	prefix string
	logger *slog.Logger

	mu   sync.Mutex
	seen map[string]struct{}
}

// New builds an archiver from config, or returns nil when no bucket is set.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Archiver, error) {
	if cfg.ArchiveS3Bucket == "" {
		return nil, nil
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewWithClient(client, cfg.ArchiveS3Bucket, cfg.ArchiveS3Prefix, logger), nil
}

// NewWithClient wires an archiver over an existing client; used by tests.
func NewWithClient(client ObjectPutter, bucket, prefix string, logger *slog.Logger) *Archiver {
	if prefix == "" {
		prefix = "dead-letters"
	}
	return &Archiver{
		client: client,
		bucket: bucket,
		prefix: prefix,
		logger: logger,
		seen:   make(map[string]struct{}),
	}
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ArchiveS3Region),
	}
	if cfg.ArchiveS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ArchiveS3Endpoint,
					HostnameImmutable: true,
					SigningRegion:     cfg.ArchiveS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg), nil
}

// Archive uploads any jobs not yet exported this process lifetime and
// returns how many were written.
func (a *Archiver) Archive(ctx context.Context, jobs []*models.Job) (int, error) {
	uploaded := 0
	for _, job := range jobs {
		if a.alreadySeen(job.ID) {
			continue
		}
		raw, err := json.MarshalIndent(job, "", "  ")
		if err != nil {
			return uploaded, fmt.Errorf("marshal job %s: %w", job.ID, err)
		}
		key := a.objectKey(job)
		_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(a.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(raw),
			ContentType: aws.String("application/json"),
		})
		if err != nil {
			return uploaded, fmt.Errorf("put %s: %w", key, err)
		}
		a.markSeen(job.ID)
		uploaded++
	}
	return uploaded, nil
}

func (a *Archiver) objectKey(job *models.Job) string {
	return fmt.Sprintf("%s/%s/%s.json", a.prefix, job.CreatedAt.UTC().Format("2006-01-02"), job.ID)
}

func (a *Archiver) alreadySeen(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.seen[id]
	return ok
}

func (a *Archiver) markSeen(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seen[id] = struct{}{}
}
