// Package mirror implements the optional status mirror: an async,
// fire-and-forget forward of every presence transition to an external
// object-storage bucket. Errors are logged and swallowed; the mirror
// never blocks or fails a presence operation. Each transition becomes a
// small JSON object at status/{userId}.json.
package mirror

import (
	"bytes"
	"context"
	"encoding/json"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

// Config carries the S3 sink parameters.
type Config struct {
	Region      string
	Bucket      string
	AccessKeyID string
	SecretKey   string
	Endpoint    string
	Workers     int
}

type record struct {
	UserID    string `json:"userId"`
	Status    string `json:"status"`
	LastSeen  int64  `json:"lastSeen"`
	UpdatedAt int64  `json:"updatedAt"`
}

// Sink forwards presence transitions to S3 on a bounded worker pool so a
// slow or unavailable bucket cannot apply backpressure to the caller.
type Sink struct {
	cfg    Config
	s3     *s3.Client
	log    *zap.Logger
	jobs   chan record
	cancel context.CancelFunc
}

// New constructs a Sink and starts its worker pool. Call Close to drain
// and stop it.
func New(ctx context.Context, cfg Config, log *zap.Logger) (*Sink, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, "")))
	}
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		if parsed, err := url.Parse(endpoint); err == nil {
			endpoint = parsed.String()
		}
		opts = append(opts, config.WithEndpointResolverWithOptions(
			aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
				if service == s3.ServiceID {
					return aws.Endpoint{URL: endpoint, SigningRegion: cfg.Region}, nil
				}
				return aws.Endpoint{}, &aws.EndpointNotFoundError{}
			}),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.UsePathStyle = true
		}
	})

	workerCtx, cancel := context.WithCancel(context.Background())
	sink := &Sink{
		cfg:    cfg,
		s3:     s3Client,
		log:    log.With(zap.String("component", "mirror")),
		jobs:   make(chan record, 256),
		cancel: cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		go sink.worker(workerCtx)
	}
	return sink, nil
}

// MirrorStatus implements presence.Mirror. Non-blocking: it enqueues and
// returns immediately, dropping the update if the queue is full rather
// than applying backpressure to the presence manager.
func (s *Sink) MirrorStatus(userID, status string, lastSeen int64) {
	rec := record{UserID: userID, Status: status, LastSeen: lastSeen, UpdatedAt: time.Now().UnixMilli()}
	select {
	case s.jobs <- rec:
	default:
		s.log.Warn("mirror queue full, dropping transition", zap.String("userId", userID))
	}
}

func (s *Sink) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-s.jobs:
			s.put(ctx, rec)
		}
	}
}

func (s *Sink) put(ctx context.Context, rec record) {
	data, err := json.Marshal(rec)
	if err != nil {
		s.log.Warn("failed to marshal mirror record", zap.Error(err))
		return
	}

	putCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	key := "status/" + rec.UserID + ".json"
	_, err = s.s3.PutObject(putCtx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		s.log.Warn("mirror put failed", zap.String("userId", rec.UserID), zap.Error(err))
	}
}

// Close stops the worker pool. In-flight jobs are abandoned; the mirror
// is best-effort, so this is acceptable.
func (s *Sink) Close() {
	s.cancel()
}
