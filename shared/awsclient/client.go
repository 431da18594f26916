package awsclient

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// Localstack static credentials and edge port
const (
	localstackAccessKey = "ACCESS_KEY"
	localstackSecretKey = "SECRET_KEY"
	localstackPort      = 4566
)

// Config holds AWS client configuration
type Config struct {
	Region         string
	UseLocalstack  bool
	LocalstackHost string
	// Endpoint overrides the service endpoint for other S3-compatible stores
	Endpoint string
}

// Client holds the AWS service clients used by the adapter
type Client struct {
	cfg    aws.Config
	config *Config
	s3     *s3.Client
	sqs    *sqs.Client
	logger *slog.Logger
}

// NewClient loads AWS configuration and builds the service clients
func NewClient(ctx context.Context, cfg *Config, logger *slog.Logger) (*Client, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.UseLocalstack {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(localstackAccessKey, localstackSecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	endpoint := cfg.EndpointURL()

	client := &Client{
		cfg:    awsCfg,
		config: cfg,
		logger: logger,
		s3: s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
				o.UsePathStyle = true
			}
		}),
		sqs: sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
			}
		}),
	}

	logger.Info("AWS clients initialized",
		slog.String("region", cfg.Region),
		slog.Bool("localstack", cfg.UseLocalstack),
		slog.String("endpoint", endpoint),
	)

	return client, nil
}

// EndpointURL returns the custom endpoint, or empty for the AWS default
func (c *Config) EndpointURL() string {
	if c.UseLocalstack {
		host := c.LocalstackHost
		if host == "" {
			host = "localhost"
		}
		return fmt.Sprintf("http://%s:%d", host, localstackPort)
	}
	return c.Endpoint
}

// S3 returns the S3 client
func (c *Client) S3() *s3.Client {
	return c.s3
}

// Presigner returns a presign client bound to the S3 client
func (c *Client) Presigner() *s3.PresignClient {
	return s3.NewPresignClient(c.s3)
}

// SQS returns the SQS client
func (c *Client) SQS() *sqs.Client {
	return c.sqs
}

// Region returns the resolved region
func (c *Client) Region() string {
	return c.cfg.Region
}
