package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/cuongbtq/transform-adapter/internal/worker/domain"
	"github.com/cuongbtq/transform-adapter/shared/retry"
)

const maxRedirects = 10

// Config controls retrieval behaviour
type Config struct {
	Retry           retry.Policy
	Timeout         time.Duration
	BreakerFailures int
	BreakerCooldown time.Duration
	// LocalHostname replaces localhost in input URLs when set
	LocalHostname string
	RefreshMargin time.Duration
}

// ObjectGetter is the part of the S3 client used for s3:// inputs
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Fetcher retrieves job inputs into the job's work directory
type Fetcher struct {
	config   Config
	client   *http.Client
	s3       ObjectGetter
	breakers *breakers
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a fetcher. s3Client may be nil when s3:// inputs are not expected.
func New(config Config, s3Client ObjectGetter, logger *slog.Logger) *Fetcher {
	config.Retry = config.Retry.WithDefaults()
	if config.BreakerCooldown <= 0 {
		config.BreakerCooldown = 30 * time.Second
	}

	client := &http.Client{
		Timeout: config.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			// the bearer token is only ever sent to the original host
			req.Header.Del("Authorization")
			return nil
		},
	}

	return &Fetcher{
		config:   config,
		client:   client,
		s3:       s3Client,
		breakers: newBreakers(config.BreakerFailures, config.BreakerCooldown, logger),
		logger:   logger,
		now:      time.Now,
	}
}

// Fetch retrieves one input. index keeps local names unique within the job.
func (f *Fetcher) Fetch(ctx context.Context, index int, desc domain.InputDescriptor, cred *Credential, workDir string) (*domain.InputResource, error) {
	start := f.now()

	u, err := url.Parse(desc.URL)
	if err != nil {
		return nil, &domain.FetchError{URL: desc.URL, Permanent: true, Message: fmt.Sprintf("invalid input URL %q", desc.URL)}
	}

	if u.Scheme == "" || u.Scheme == "file" {
		return f.useLocal(desc, u, start)
	}

	dest := filepath.Join(workDir, "inputs", fmt.Sprintf("%d_%s", index, domain.SanitizeName(desc.Name)))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create input directory: %w", err)
	}

	var try func(ctx context.Context) (int64, error)
	switch u.Scheme {
	case "http", "https":
		target := f.rewriteLocalhost(u)
		try = func(ctx context.Context) (int64, error) {
			token, err := cred.Current(ctx, f.config.RefreshMargin, f.now())
			if err != nil {
				return 0, &domain.FetchError{URL: desc.URL, Permanent: true, Message: "failed to refresh credential", Err: err}
			}
			var n int64
			err = f.breakers.execute(target.Host, desc.URL, func() error {
				var err error
				n, err = f.getHTTP(ctx, target.String(), desc.URL, token, dest)
				return err
			})
			return n, err
		}
	case "s3":
		if f.s3 == nil {
			return nil, &domain.FetchError{URL: desc.URL, Permanent: true, Message: "s3 inputs are not supported without an S3 client"}
		}
		bucket, key := u.Host, strings.TrimPrefix(u.Path, "/")
		try = func(ctx context.Context) (int64, error) {
			var n int64
			err := f.breakers.execute("s3:"+bucket, desc.URL, func() error {
				var err error
				n, err = f.getS3(ctx, bucket, key, desc.URL, dest)
				return err
			})
			return n, err
		}
	default:
		return nil, &domain.FetchError{URL: desc.URL, Permanent: true, Message: fmt.Sprintf("unsupported URL scheme %q", u.Scheme)}
	}

	size, err := retry.DoValue(ctx, f.config.Retry, func(ctx context.Context) (int64, error) {
		n, err := try(ctx)
		if err != nil {
			_ = os.Remove(dest)
			if isPermanent(err) || ctx.Err() != nil {
				return 0, retry.Permanent(err)
			}
			return 0, err
		}
		return n, nil
	}, func(attempt int, err error, wait time.Duration) {
		f.logger.Warn("Fetch attempt failed, retrying",
			slog.String("input", desc.ID),
			slog.Int("attempt", attempt),
			slog.Duration("retry_after", wait),
			slog.Any("error", err),
		)
	})
	if err != nil {
		_ = os.Remove(dest)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("fetch of %s aborted: %w", desc.ID, ctxErr)
		}
		var fetchErr *domain.FetchError
		if errors.As(err, &fetchErr) {
			return nil, fetchErr
		}
		return nil, &domain.FetchError{URL: desc.URL, Err: err}
	}

	return &domain.InputResource{
		Descriptor: desc,
		LocalPath:  dest,
		Size:       size,
		Duration:   f.now().Sub(start),
		Owned:      true,
	}, nil
}

// useLocal returns a local input in place. It is never deleted by the pipeline.
func (f *Fetcher) useLocal(desc domain.InputDescriptor, u *url.URL, start time.Time) (*domain.InputResource, error) {
	path := desc.URL
	if u.Scheme == "file" {
		path = u.Path
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, &domain.FetchError{URL: desc.URL, Permanent: true, Message: fmt.Sprintf("local input %s is not readable", path), Err: err}
	}
	if info.IsDir() {
		return nil, &domain.FetchError{URL: desc.URL, Permanent: true, Message: fmt.Sprintf("local input %s is a directory", path)}
	}

	return &domain.InputResource{
		Descriptor: desc,
		LocalPath:  path,
		Size:       info.Size(),
		Duration:   f.now().Sub(start),
		Owned:      false,
	}, nil
}

func (f *Fetcher) rewriteLocalhost(u *url.URL) *url.URL {
	if f.config.LocalHostname == "" || u.Hostname() != "localhost" {
		return u
	}
	rewritten := *u
	if port := u.Port(); port != "" {
		rewritten.Host = net.JoinHostPort(f.config.LocalHostname, port)
	} else {
		rewritten.Host = f.config.LocalHostname
	}
	return &rewritten
}

// writeFile streams body to dest, removing the partial file on failure
func writeFile(dest string, body io.Reader) (int64, error) {
	out, err := os.Create(dest)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", dest, err)
	}
	n, err := io.Copy(out, body)
	closeErr := out.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(dest)
		return 0, err
	}
	return n, nil
}

// transientStatus reports whether an HTTP status is worth retrying
func transientStatus(status int) bool {
	return status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests ||
		status >= http.StatusInternalServerError
}
