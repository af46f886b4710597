package s3backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/3leaps/imgjobd/pkg/jobregistry"
)

const recordName = "job.json"

// API is the subset of *s3.Client the backend uses.
type API interface {
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Backend implements jobregistry.Backend on top of S3.
//
// A single PutObject replaces the record atomically, so readers see either
// the previous or the new document.
type Backend struct {
	client API
	bucket string
	prefix string
}

var _ jobregistry.Backend = (*Backend)(nil)

// New creates a backend using the AWS SDK default credential chain unless
// explicit credentials are configured.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client API, bucket, prefix string) *Backend {
	return &Backend{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func loadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		staticCreds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
		opts = append(opts, config.WithCredentialsProvider(staticCreds))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	awsCfg.Region = resolveRegion(cfg.Endpoint, awsCfg.Region)
	return awsCfg, nil
}

// Bucket returns the configured bucket.
func (b *Backend) Bucket() string { return b.bucket }

func (b *Backend) jobPrefix(jobID string) string {
	if b.prefix == "" {
		return jobID + "/"
	}
	return b.prefix + "/" + jobID + "/"
}

func (b *Backend) recordKey(jobID string) string {
	return b.jobPrefix(jobID) + recordName
}

// List returns the job ids that have a unit under the prefix. A unit is any
// "directory" below the prefix, with or without a record in it.
func (b *Backend) List(ctx context.Context) ([]string, error) {
	root := ""
	if b.prefix != "" {
		root = b.prefix + "/"
	}

	seen := make(map[string]struct{})
	ids := make([]string, 0)
	var token *string
	for {
		out, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(b.bucket),
			Prefix:            aws.String(root),
			Delimiter:         aws.String("/"),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, b.wrapError("List", root, err)
		}
		for _, cp := range out.CommonPrefixes {
			id := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), root), "/")
			if id == "" {
				continue
			}
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}
		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}
	return ids, nil
}

func (b *Backend) Read(ctx context.Context, jobID string) ([]byte, error) {
	key := b.recordKey(jobID)
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, b.wrapError("Read", key, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

func (b *Backend) Write(ctx context.Context, jobID string, data []byte) error {
	key := b.recordKey(jobID)
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/json"),
	})
	if err != nil {
		return b.wrapError("Write", key, err)
	}
	return nil
}

// Remove deletes every object in the job's unit.
func (b *Backend) Remove(ctx context.Context, jobID string) error {
	if strings.TrimSpace(jobID) == "" || strings.Contains(jobID, "/") {
		return fmt.Errorf("invalid job_id %q", jobID)
	}
	unit := b.jobPrefix(jobID)

	var token *string
	for {
		out, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(b.bucket),
			Prefix:            aws.String(unit),
			ContinuationToken: token,
		})
		if err != nil {
			return b.wrapError("Remove", unit, err)
		}
		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			if _, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(b.bucket),
				Key:    aws.String(key),
			}); err != nil {
				if isNotFound(err) {
					continue
				}
				return b.wrapError("Remove", key, err)
			}
		}
		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			return nil
		}
		token = out.NextContinuationToken
	}
}

// Error wraps S3 failures with the operation and key.
type Error struct {
	Op     string
	Bucket string
	Key    string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("s3 %s: %s/%s: %v", e.Op, e.Bucket, path.Clean(e.Key), e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (b *Backend) wrapError(op, key string, err error) error {
	wrapped := &Error{Op: op, Bucket: b.bucket, Key: key, Err: err}
	if isNotFound(err) {
		// Lets jobregistry treat a missing record the same as a missing file.
		wrapped.Err = fmt.Errorf("%w: %v", fs.ErrNotExist, err)
	}
	return wrapped
}

func isNotFound(err error) bool {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
