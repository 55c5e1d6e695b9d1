package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/cenkalti/backoff/v5"
)

// S3API is the subset of the S3 client used by S3Store. Declared as an
// interface so tests can substitute a fake without network access.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Config carries the connection parameters for the remote backend.
type S3Config struct {
	Endpoint  string // empty = AWS default endpoints
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	Timeout   time.Duration // per-operation bound, default 30s
}

// S3Store implements ObjectStore against an S3-compatible service.
// Object tags are carried as S3 user metadata so the local and remote
// backends expose the same Tags surface.
type S3Store struct {
	client  S3API
	bucket  string
	timeout time.Duration
}

// NewS3Store dials the configured endpoint with static credentials.
// Custom endpoints (MinIO and friends) get path-style addressing.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("store: s3 bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("store: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3StoreWithClient(client, cfg.Bucket, cfg.Timeout), nil
}

// NewS3StoreWithClient wires an existing client; used by tests.
func NewS3StoreWithClient(client S3API, bucket string, timeout time.Duration) *S3Store {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &S3Store{client: client, bucket: bucket, timeout: timeout}
}

// Upload stores data under a freshly built key, retrying transient failures.
func (s *S3Store) Upload(ctx context.Context, user, filename string, data []byte, contentType string, tags map[string]string, source string) (ObjectInfo, error) {
	key := BuildKey(user, filename, source)
	if err := ValidateKey(key); err != nil {
		return ObjectInfo{}, err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	meta := map[string]string{"source": source}
	for k, v := range tags {
		meta[k] = v
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out, err := backoff.Retry(ctx, func() (*s3.PutObjectOutput, error) {
		return s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String(contentType),
			Metadata:    meta,
		})
	}, backoff.WithMaxTries(3))
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("store: put %q: %w", key, err)
	}

	return ObjectInfo{
		Key:          key,
		Size:         int64(len(data)),
		ContentType:  contentType,
		LastModified: time.Now().UTC(),
		ETag:         aws.ToString(out.ETag),
		Tags:         meta,
	}, nil
}

// Get fetches an object by key, enforcing ownership.
func (s *S3Store) Get(ctx context.Context, user, key string) (*Object, error) {
	if err := checkOwnership(user, key); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get %q: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("store: read %q: %w", key, err)
	}

	return &Object{
		ObjectInfo: ObjectInfo{
			Key:          key,
			Size:         int64(len(data)),
			ContentType:  aws.ToString(out.ContentType),
			LastModified: aws.ToTime(out.LastModified),
			ETag:         aws.ToString(out.ETag),
			Tags:         out.Metadata,
		},
		Data: data,
	}, nil
}

// List pages through the user's prefix, optionally filtering by filename.
func (s *S3Store) List(ctx context.Context, user, filter string) ([]ObjectInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	prefix := "users/" + user + "/"
	var out []ObjectInfo
	var token *string
	for {
		page, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("store: list %q: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if filter != "" && !strings.Contains(KeyFilename(key), filter) {
				continue
			}
			out = append(out, ObjectInfo{
				Key:          key,
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
				ETag:         aws.ToString(obj.ETag),
			})
		}
		if page.NextContinuationToken == nil {
			break
		}
		token = page.NextContinuationToken
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Delete removes an object. HeadObject first so the bool result reflects
// prior existence (S3 DeleteObject itself is idempotent).
func (s *S3Store) Delete(ctx context.Context, user, key string) (bool, error) {
	if err := checkOwnership(user, key); err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		if isNoSuchKey(err) {
			return false, nil
		}
		return false, fmt.Errorf("store: head %q: %w", key, err)
	}

	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return false, fmt.Errorf("store: delete %q: %w", key, err)
	}
	return true, nil
}

// Stats aggregates the user's objects.
func (s *S3Store) Stats(ctx context.Context, user string) (Stats, error) {
	infos, err := s.List(ctx, user, "")
	if err != nil {
		return Stats{}, err
	}
	return aggregate(infos), nil
}

// isNoSuchKey matches the service's not-found shapes across GetObject
// (NoSuchKey) and HeadObject (NotFound / 404 without a typed error).
func isNoSuchKey(err error) bool {
	var apiErr interface{ ErrorCode() string }
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	if strings.Contains(err.Error(), "StatusCode: 404") {
		log.Printf("[Store] untyped 404 from backend: %v", err)
		return true
	}
	return false
}
