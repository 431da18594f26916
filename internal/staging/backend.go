package staging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Object describes one upload
type Object struct {
	Bucket   string
	Key      string
	Path     string
	MimeType string
	Checksum string
	Size     int64
}

// Backend is durable storage for staged outputs
type Backend interface {
	Put(ctx context.Context, obj Object) error
	// URL is the canonical location of a stored object
	URL(bucket, key string) string
	Presign(ctx context.Context, bucket, key string, expiry time.Duration) (string, error)
}

// PutAPI is the part of the S3 client used for uploads
type PutAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// PresignAPI is the part of the S3 presign client used for download links
type PresignAPI interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3Backend stages to S3 (or localstack)
type S3Backend struct {
	client    PutAPI
	presigner PresignAPI
}

func NewS3Backend(client PutAPI, presigner PresignAPI) *S3Backend {
	return &S3Backend{client: client, presigner: presigner}
}

func (b *S3Backend) Put(ctx context.Context, obj Object) error {
	f, err := os.Open(obj.Path)
	if err != nil {
		return permanent(fmt.Errorf("failed to open %s: %w", obj.Path, err))
	}
	defer f.Close()

	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(obj.Bucket),
		Key:           aws.String(obj.Key),
		Body:          f,
		ContentLength: aws.Int64(obj.Size),
		ContentType:   aws.String(obj.MimeType),
		Metadata:      map[string]string{"sha256": obj.Checksum},
	})
	if err != nil {
		return classifyAWSError(fmt.Errorf("failed to put s3://%s/%s: %w", obj.Bucket, obj.Key, err))
	}
	return nil
}

func (b *S3Backend) URL(bucket, key string) string {
	return fmt.Sprintf("s3://%s/%s", bucket, key)
}

func (b *S3Backend) Presign(ctx context.Context, bucket, key string, expiry time.Duration) (string, error) {
	req, err := b.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", classifyAWSError(fmt.Errorf("failed to presign s3://%s/%s: %w", bucket, key, err))
	}
	return req.URL, nil
}

// LocalBackend stages into a directory laid out as <root>/<bucket>/<key>
type LocalBackend struct {
	root string
}

func NewLocalBackend(root string) *LocalBackend {
	return &LocalBackend{root: root}
}

func (b *LocalBackend) path(bucket, key string) string {
	return filepath.Join(b.root, bucket, filepath.FromSlash(key))
}

func (b *LocalBackend) Put(ctx context.Context, obj Object) error {
	if err := ctx.Err(); err != nil {
		return permanent(err)
	}

	dest := b.path(obj.Bucket, obj.Key)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(dest), err)
	}

	in, err := os.Open(obj.Path)
	if err != nil {
		return permanent(fmt.Errorf("failed to open %s: %w", obj.Path, err))
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy to %s: %w", dest, err)
	}
	return out.Close()
}

func (b *LocalBackend) URL(bucket, key string) string {
	abs, err := filepath.Abs(b.path(bucket, key))
	if err != nil {
		abs = b.path(bucket, key)
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()
}

func (b *LocalBackend) Presign(ctx context.Context, bucket, key string, _ time.Duration) (string, error) {
	if _, err := os.Stat(b.path(bucket, key)); err != nil {
		return "", permanent(fmt.Errorf("object %s/%s is not staged: %w", bucket, key, err))
	}
	return b.URL(bucket, key), nil
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error {
	return &permanentError{err: err}
}

func isPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// classifyAWSError marks client errors other than 408 and 429 as permanent
func classifyAWSError(err error) error {
	var respErr *awshttp.ResponseError
	if !errors.As(err, &respErr) {
		return err
	}
	status := respErr.HTTPStatusCode()
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
		return err
	}
	return permanent(err)
}
