package tillsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// BackupArchiver copies acknowledged order backups to object storage.
// The remote authority already has the orders at that point; the
// archive is a second, till-independent copy for audits and disaster
// recovery.
type BackupArchiver struct {
	client  *s3.Client
	cfg     ArchiveConfig
	retryer *Retryer
}

// NewBackupArchiver creates an archiver for the configured bucket.
// Credentials left empty resolve through the environment or instance
// role. DO NOT commit credentials to source control.
func NewBackupArchiver(cfg ArchiveConfig) (*BackupArchiver, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("archive bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return &BackupArchiver{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		cfg:    cfg,
		retryer: NewRetryer(RetryConfig{
			MaxAttempts:       3,
			InitialBackoff:    100 * time.Millisecond,
			MaxBackoff:        10 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            0.1,
			RetryIf:           IsRetryable,
		}),
	}, nil
}

// archivedOrder is the object body written per order.
type archivedOrder struct {
	AccessToken string          `json:"access_token"`
	Order       json.RawMessage `json:"order"`
	Receipt     string          `json:"receipt,omitempty"`
	CreatedAt   string          `json:"created_at"`
	SyncDate    string          `json:"sync_date,omitempty"`
}

// Archive writes one order backup to object storage. Objects are keyed
// by day and token so a day's orders list with a single prefix scan.
func (a *BackupArchiver) Archive(ctx context.Context, rec BackupRecord) error {
	body := archivedOrder{
		AccessToken: rec.AccessToken,
		Order:       json.RawMessage(rec.Payload),
		Receipt:     rec.Receipt,
		CreatedAt:   rec.CreatedAt.UTC().Format(TimeLayout),
	}
	if !rec.SyncDate.IsZero() {
		body.SyncDate = rec.SyncDate.UTC().Format(TimeLayout)
	}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode archived order: %w", err)
	}

	key := fmt.Sprintf("%sorders/%s/%s.json",
		a.cfg.Prefix, rec.CreatedAt.UTC().Format("2006-01-02"), rec.AccessToken)

	result := a.retryer.Do(ctx, func() error {
		_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(a.cfg.Bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String("application/json"),
		})
		if err != nil {
			return fmt.Errorf("S3 put object failed: %w", err)
		}
		return nil
	})
	return result.LastErr
}

// ArchiveTokens archives the given orders from the log, stopping at the
// first failure. Returns how many were archived.
func (a *BackupArchiver) ArchiveTokens(ctx context.Context, log *OrderLog, tokens []string) (int, error) {
	for i, token := range tokens {
		rec, err := log.Get(ctx, token)
		if err != nil {
			return i, err
		}
		if err := a.Archive(ctx, rec); err != nil {
			return i, err
		}
	}
	return len(tokens), nil
}
