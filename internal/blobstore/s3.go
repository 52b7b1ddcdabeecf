package blobstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/dustin/go-humanize"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

type S3Config struct {
	Bucket          string
	Prefix          string
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
}

// s3API is the subset of *s3.Client the store uses.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Store keeps objects in one bucket under an optional prefix. Puts are
// conditional so an existing object is never overwritten.
type S3Store struct {
	client s3API
	bucket string
	prefix string
	retry  retrypolicy.RetryPolicy[any]
}

func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("blobstore: s3 bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "auto"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	slog.Info("s3 blobstore initialized", "bucket", cfg.Bucket, "prefix", cfg.Prefix, "endpoint", cfg.Endpoint)
	return newS3Store(client, cfg.Bucket, cfg.Prefix), nil
}

func newS3Store(client s3API, bucket, prefix string) *S3Store {
	return &S3Store{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		retry: retrypolicy.NewBuilder[any]().
			HandleIf(func(_ any, err error) bool { return isTransient(err) }).
			WithMaxRetries(3).
			WithBackoff(200*time.Millisecond, 5*time.Second).
			ReturnLastFailure().
			Build(),
	}
}

func (s *S3Store) fullKey(key string) string {
	if s.prefix == "" {
		return strings.TrimPrefix(key, "/")
	}
	return s.prefix + "/" + strings.TrimPrefix(key, "/")
}

func (s *S3Store) uri(fullKey string) string {
	return "s3://" + s.bucket + "/" + fullKey
}

func (s *S3Store) keyOf(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "s3" {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, uri)
	}
	if u.Host != s.bucket {
		return "", fmt.Errorf("blobstore: %q is not in bucket %s", uri, s.bucket)
	}
	return strings.TrimPrefix(u.Path, "/"), nil
}

func (s *S3Store) do(ctx context.Context, fn func() error) error {
	return failsafe.With(s.retry).WithContext(ctx).Run(fn)
}

func (s *S3Store) Put(ctx context.Context, key, localPath string) (string, error) {
	fk := s.fullKey(key)
	info, err := os.Stat(localPath)
	if err != nil {
		return "", err
	}

	err = s.do(ctx, func() error {
		f, err := os.Open(localPath)
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(fk),
			Body:          f,
			ContentLength: aws.Int64(info.Size()),
			ContentType:   aws.String(contentType(localPath)),
			IfNoneMatch:   aws.String("*"),
		})
		return err
	})
	switch {
	case err == nil:
		slog.Debug("uploaded blob", "key", fk, "size", humanize.Bytes(uint64(info.Size())))
	case isPreconditionFailed(err):
		slog.Debug("blob already present", "key", fk)
	default:
		return "", fmt.Errorf("put %s: %w", fk, err)
	}
	return s.uri(fk), nil
}

func (s *S3Store) Delete(ctx context.Context, uri string) error {
	k, err := s.keyOf(uri)
	if err != nil {
		return err
	}
	err = s.do(ctx, func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(k),
		})
		return err
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("delete %s: %w", k, err)
	}
	return nil
}

func (s *S3Store) Fetch(ctx context.Context, uri, destDir string) (string, error) {
	k, err := s.keyOf(uri)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", err
	}
	dest := filepath.Join(destDir, path.Base(k))

	err = s.do(ctx, func() error {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(k),
		})
		if err != nil {
			return err
		}
		defer out.Body.Close()

		f, err := os.Create(dest)
		if err != nil {
			return err
		}
		if _, err := f.ReadFrom(out.Body); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	})
	if err != nil {
		_ = os.Remove(dest)
		if isNotFound(err) {
			return "", fmt.Errorf("%s: %w", uri, ErrNotFound)
		}
		return "", fmt.Errorf("fetch %s: %w", k, err)
	}
	return dest, nil
}

func contentType(p string) string {
	switch strings.ToLower(filepath.Ext(p)) {
	case ".mp4", ".m4v":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	case ".mkv":
		return "video/x-matroska"
	case ".mov":
		return "video/quicktime"
	default:
		return "application/octet-stream"
	}
}

func apiCode(err error) string {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		return ae.ErrorCode()
	}
	return ""
}

func isPreconditionFailed(err error) bool {
	return apiCode(err) == "PreconditionFailed"
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	code := apiCode(err)
	return code == "NotFound" || code == "NoSuchKey"
}

// isTransient reports errors worth another attempt: throttling and server
// side failures. Client errors such as a failed precondition are final.
func isTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ae smithy.APIError
	if errors.As(err, &ae) {
		return ae.ErrorFault() == smithy.FaultServer || ae.ErrorCode() == "SlowDown"
	}
	return false
}
