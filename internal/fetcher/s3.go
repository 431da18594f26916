package fetcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/cuongbtq/transform-adapter/internal/worker/domain"
)

func (f *Fetcher) getS3(ctx context.Context, bucket, key, original, dest string) (int64, error) {
	out, err := f.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, classifyS3Error(original, err)
	}
	defer out.Body.Close()

	n, err := writeFile(dest, out.Body)
	if err != nil {
		return 0, &domain.FetchError{URL: original, Err: fmt.Errorf("failed to read object body: %w", err)}
	}
	return n, nil
}

// classifyS3Error applies the HTTP status rules to S3 responses
func classifyS3Error(rawURL string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &domain.FetchError{URL: rawURL, Permanent: true, Err: err}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		fetchErr := classifyStatus(rawURL, respErr.HTTPStatusCode(), nil)
		fetchErr.Err = err
		if fetchErr.Forbidden {
			fetchErr.Message = fmt.Sprintf("Forbidden: access to %s was denied", rawURL)
		}
		return fetchErr
	}

	return &domain.FetchError{URL: rawURL, Err: err}
}
