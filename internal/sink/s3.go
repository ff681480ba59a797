package sink

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/miradorstack/resolve-sim/internal/emitter"
)

// S3Config locates the archive bucket. Endpoint switches to path-style
// addressing for MinIO and other S3-compatible stores.
type S3Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	IndexPrefix     string
}

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink archives every batch as one bulk NDJSON object.
type S3Sink struct {
	client objectPutter
	cfg    S3Config

	mu  sync.Mutex
	seq map[emitter.Category]int
}

// NewS3Sink loads AWS configuration and builds the client.
func NewS3Sink(ctx context.Context, cfg S3Config) (*S3Sink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket not configured")
	}
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var clientOpts []func(*s3.Options)
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}
	return newS3Sink(s3.NewFromConfig(awsCfg, clientOpts...), cfg), nil
}

func newS3Sink(client objectPutter, cfg S3Config) *S3Sink {
	return &S3Sink{client: client, cfg: cfg, seq: make(map[emitter.Category]int)}
}

// WriteBatch uploads docs as <prefix>/<category>/<first timestamp>-<seq>.ndjson.
func (s *S3Sink) WriteBatch(ctx context.Context, category emitter.Category, docs []emitter.Document) (Ack, error) {
	if len(docs) == 0 {
		return Ack{}, nil
	}
	var body bytes.Buffer
	if err := writeBulk(&body, emitter.IndexName(s.cfg.IndexPrefix, category), docs); err != nil {
		return Ack{}, err
	}

	s.mu.Lock()
	seq := s.seq[category]
	s.mu.Unlock()

	stamp := "static"
	if ts := docs[0].Timestamp; !ts.IsZero() {
		stamp = ts.UTC().Format("20060102T150405Z")
	}
	key := path.Join(s.cfg.Prefix, string(category), fmt.Sprintf("%s-%06d.ndjson", stamp, seq))

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body.Bytes()),
		ContentType:   aws.String("application/x-ndjson"),
		ContentLength: aws.Int64(int64(body.Len())),
	})
	if err != nil {
		return Ack{}, fmt.Errorf("upload %s: %w", key, err)
	}

	// Only advance on success so a retried batch overwrites its own key.
	s.mu.Lock()
	s.seq[category] = seq + 1
	s.mu.Unlock()
	return Ack{}, nil
}

// Close is a no-op; the SDK client holds no resources needing release.
func (s *S3Sink) Close() error { return nil }
