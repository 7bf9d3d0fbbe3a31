package audit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectPutter is the subset of the S3 client the archiver needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ArchiveConfig holds the S3-compatible storage settings.
type ArchiveConfig struct {
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
	Region          string // defaults to "auto"
	Prefix          string // object key prefix, e.g. "guardrail/"
}

// NewS3Client builds a path-style S3 client for an S3-compatible endpoint.
func NewS3Client(cfg ArchiveConfig) (*s3.Client, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, errors.New("access key ID and secret access key are required")
	}
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}
	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	return s3.New(s3.Options{
		Region: region,
		Credentials: aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
		BaseEndpoint: aws.String(cfg.Endpoint),
		UsePathStyle: true,
	}), nil
}

// ArchiveResult describes an uploaded export.
type ArchiveResult struct {
	Key        string    `json:"key"`
	From       int64     `json:"from"`
	To         int64     `json:"to"`
	Records    int       `json:"records"`
	Bytes      int       `json:"bytes"`
	HeadHash   string    `json:"head_hash"`
	ArchivedAt time.Time `json:"archived_at"`
}

// Archiver copies verified ledger exports to object storage.
type Archiver struct {
	client ObjectPutter
	bucket string
	prefix string
	logger *slog.Logger
	now    func() time.Time
}

// NewArchiver creates an archiver writing to bucket under prefix.
func NewArchiver(client ObjectPutter, bucket, prefix string, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{client: client, bucket: bucket, prefix: prefix, logger: logger, now: time.Now}
}

// ObjectKey returns the key an export of from..to is stored under.
func (a *Archiver) ObjectKey(from, to int64, format ExportFormat) string {
	return fmt.Sprintf("%sledger/%020d-%020d%s", a.prefix, from, to, format.Extension())
}

// Archive verifies the requested range and uploads its export. A broken
// chain is never archived; the *IntegrityError is returned instead.
func (a *Archiver) Archive(ctx context.Context, l *Ledger, opts ExportOptions) (*ArchiveResult, error) {
	if opts.Format == "" {
		opts.Format = ExportFormatJSON
	}
	vr, err := l.VerifyChain(ctx, opts.From, opts.To)
	if err != nil {
		return nil, err
	}
	if vr.Checked == 0 {
		return nil, errors.New("nothing to archive: ledger range is empty")
	}

	records, err := l.collectRange(ctx, vr.From, vr.To, opts.Kind)
	if err != nil {
		return nil, err
	}
	data, err := ExportRecords(records, opts.Format)
	if err != nil {
		return nil, err
	}
	head, err := l.Get(ctx, vr.To)
	if err != nil {
		return nil, fmt.Errorf("reading record %d: %w", vr.To, err)
	}

	contentType := "application/json"
	if opts.Format == ExportFormatCSV {
		contentType = "text/csv"
	}
	key := a.ObjectKey(vr.From, vr.To, opts.Format)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		Metadata: map[string]string{
			"head-sequence-no": strconv.FormatInt(vr.To, 10),
			"head-record-hash": head.RecordHash,
			"record-count":     strconv.Itoa(len(records)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload %s: %w", key, err)
	}

	a.logger.Info("ledger range archived",
		slog.String("key", key),
		slog.Int64("from", vr.From),
		slog.Int64("to", vr.To),
		slog.Int("records", len(records)))

	return &ArchiveResult{
		Key:        key,
		From:       vr.From,
		To:         vr.To,
		Records:    len(records),
		Bytes:      len(data),
		HeadHash:   head.RecordHash,
		ArchivedAt: a.now().UTC(),
	}, nil
}
