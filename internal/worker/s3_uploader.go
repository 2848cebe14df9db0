// internal/worker/s3_uploader.go
package worker

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"firehose-ingest/internal/config"
	"firehose-ingest/internal/metrics"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsCfgLib "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sony/gobreaker/v2"
)

// objectPutter 는 s3.Client 의 PutObject 만 떼어낸 인터페이스. (테스트에서 fake 로 교체)
type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Uploader 는 archive 파티션 파일을 S3 로 올린다.
//
//   - 재시도는 애플리케이션 레벨(S3AppRetries)에서만 한다. SDK retry 는 0.
//   - 시도마다 S3Timeout 을 건다.
//   - circuit breaker 가 열려 있으면 S3 를 호출하지 않고 바로 실패한다.
//     (S3 장애 중에 매 파일마다 timeout 을 기다리지 않기 위함)
type S3Uploader struct {
	bucket  string
	timeout time.Duration
	retries int
	metrics *metrics.Metrics

	client  objectPutter
	breaker *gobreaker.CircuitBreaker[struct{}]

	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// NewS3Uploader 는 AWS 기본 자격 증명 체인으로 S3 client 를 만든다.
func NewS3Uploader(ctx context.Context, cfg config.Config, m *metrics.Metrics) (*S3Uploader, error) {
	var opts []func(*awsCfgLib.LoadOptions) error
	if cfg.AWSRegion != "" {
		opts = append(opts, awsCfgLib.WithRegion(cfg.AWSRegion))
	}

	awsCfg, err := awsCfgLib.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.RetryMaxAttempts = 0
	})

	return newS3Uploader(client, cfg.ArchiveBucket, cfg.S3Timeout, cfg.S3AppRetries, m), nil
}

func newS3Uploader(client objectPutter, bucket string, timeout time.Duration, retries int, m *metrics.Metrics) *S3Uploader {
	if retries < 1 {
		retries = 1
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &S3Uploader{
		bucket:  bucket,
		timeout: timeout,
		retries: retries,
		metrics: m,
		client:  client,
		breaker: gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
			Name:        "s3-archive",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		}),
		baseBackoff: 200 * time.Millisecond,
		maxBackoff:  2 * time.Second,
	}
}

// UploadFileWithRetryCtx
// -----------------------
// 로컬 파일을 그대로 S3 로 올린다.
// - io.ReadSeeker 이므로 재시도 시 Seek(0) 으로 되감는다
// - shutdown-safe: ctx.Done() 이면 즉시 중단
// - backoff 200ms → 최대 2s
func (u *S3Uploader) UploadFileWithRetryCtx(
	ctx context.Context,
	key string,
	f io.ReadSeeker,
	size int64,
) error {

	var lastErr error
	backoff := u.baseBackoff

	for attempt := 1; attempt <= u.retries; attempt++ {

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("rewind %s: %w", key, err)
		}

		_, err := u.breaker.Execute(func() (struct{}, error) {
			return struct{}{}, u.putObject(ctx, key, f, size)
		})
		if err == nil {
			return nil
		}
		lastErr = err
		atomic.AddInt64(&u.metrics.S3PutErrorsTotal, 1)

		if attempt == u.retries {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
			if backoff > u.maxBackoff {
				backoff = u.maxBackoff
			}
		}
	}

	return lastErr
}

// putObject 는 PutObject 1회 호출. 호출마다 timeout 을 건다.
func (u *S3Uploader) putObject(
	ctx context.Context,
	key string,
	body io.Reader,
	size int64,
) error {

	ctx2, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	_, err := u.client.PutObject(ctx2, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("application/x-bzip2"),
	})

	return err
}
