package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/cuongbtq/transform-adapter/internal/codec"
	"github.com/cuongbtq/transform-adapter/internal/config"
	"github.com/cuongbtq/transform-adapter/internal/vault"
	"github.com/cuongbtq/transform-adapter/internal/worker/domain"
	"github.com/cuongbtq/transform-adapter/shared/awsclient"
	"github.com/cuongbtq/transform-adapter/shared/logger"
	"github.com/cuongbtq/transform-adapter/shared/rabbitmq"
)

type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ",") }

func (l *listFlag) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("ADAPTER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/adapter-service/config.yaml"
	}

	var inputs, params listFlag
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	callbackURL := flag.String("callback-url", "", "Coordinator callback URL for the job")
	stagingLocation := flag.String("staging", "", "Staging location, defaults to the configured bucket and path")
	jobID := flag.String("job-id", "", "Job id, random when empty")
	token := flag.String("token", "", "Access token for the inputs")
	plain := flag.Bool("plain", false, "Send the token unencrypted")
	dryRun := flag.Bool("dry-run", false, "Print the message instead of publishing it")
	flag.Var(&inputs, "input", "Input URL (repeatable)")
	flag.Var(&params, "param", "Transformation parameter key=value (repeatable)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	appLogger, err := logger.New(&logger.Config{Level: "info", Format: "console", Output: "stderr", TimeFormat: time.Kitchen})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	job, err := buildJob(cfg, *jobID, *callbackURL, *stagingLocation, inputs, params)
	if err != nil {
		return err
	}

	key, err := cfg.DecryptionKey()
	if err != nil {
		return fmt.Errorf("invalid shared secret key: %w", err)
	}
	body, err := encodeMessage(job, *token, *plain, key)
	if err != nil {
		return err
	}

	if *dryRun {
		_, err := fmt.Fprintln(os.Stdout, string(body))
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := publish(ctx, cfg, body, appLogger.Logger); err != nil {
		return err
	}

	appLogger.Info("Job submitted",
		slog.String("job_id", job.ID),
		slog.String("inbound", cfg.Inbound.Driver),
		slog.Int("inputs", len(job.Inputs)),
	)
	return nil
}

func buildJob(cfg *config.Config, jobID, callbackURL, stagingLocation string, inputs, params []string) (*domain.Job, error) {
	if callbackURL == "" {
		return nil, fmt.Errorf("-callback-url is required")
	}
	if len(inputs) == 0 {
		return nil, fmt.Errorf("at least one -input is required")
	}
	if jobID == "" {
		jobID = uuid.NewString()
	}

	job := &domain.Job{
		ID:          jobID,
		CallbackURL: callbackURL,
		Staging:     domain.StagingLocation{Bucket: cfg.Staging.Bucket, Prefix: strings.Trim(cfg.Staging.Path, "/")},
		Parameters:  make(map[string]string, len(params)),
	}
	if stagingLocation != "" {
		loc, err := parseStaging(stagingLocation)
		if err != nil {
			return nil, err
		}
		job.Staging = loc
	}

	for i, in := range inputs {
		job.Inputs = append(job.Inputs, domain.InputDescriptor{ID: fmt.Sprintf("G%d", i+1), URL: in})
	}
	for _, p := range params {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid -param %q, want key=value", p)
		}
		job.Parameters[k] = v
	}
	return job, nil
}

func parseStaging(location string) (domain.StagingLocation, error) {
	rest, ok := strings.CutPrefix(location, "s3://")
	if !ok {
		return domain.StagingLocation{}, fmt.Errorf("staging location must be an s3:// URL")
	}
	bucket, prefix, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return domain.StagingLocation{}, fmt.Errorf("staging location has no bucket")
	}
	return domain.StagingLocation{Bucket: bucket, Prefix: strings.Trim(prefix, "/")}, nil
}

// encodeMessage renders the wire message and attaches the token the way the
// coordinator does
func encodeMessage(job *domain.Job, token string, plain bool, key []byte) ([]byte, error) {
	data, err := codec.New(nil, codec.Options{}).Encode(job)
	if err != nil {
		return nil, err
	}
	if token == "" {
		return data, nil
	}

	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode job message: %w", err)
	}
	if plain {
		msg["access_token"] = token
	} else {
		if key == nil {
			return nil, fmt.Errorf("no shared secret key configured, use -plain to send the token unencrypted")
		}
		sealed, err := vault.Encrypt(token, key)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt token: %w", err)
		}
		msg["encrypted_access_token"] = sealed
	}

	out, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job message: %w", err)
	}
	return out, nil
}

func publish(ctx context.Context, cfg *config.Config, body []byte, log *slog.Logger) error {
	if cfg.Inbound.Driver == config.InboundSQS {
		client, err := awsclient.NewClient(ctx, &awsclient.Config{
			Region:         cfg.AWS.Region,
			UseLocalstack:  cfg.AWS.UseLocalstack,
			LocalstackHost: cfg.AWS.LocalstackHost,
			Endpoint:       cfg.AWS.Endpoint,
		}, log)
		if err != nil {
			return fmt.Errorf("failed to initialize AWS clients: %w", err)
		}
		if _, err := client.SQS().SendMessage(ctx, &sqs.SendMessageInput{
			QueueUrl:    aws.String(cfg.SQS.QueueURL),
			MessageBody: aws.String(string(body)),
		}); err != nil {
			return fmt.Errorf("failed to send job to SQS: %w", err)
		}
		return nil
	}

	client, err := rabbitmq.NewClient(&rabbitmq.Config{
		Host:               cfg.RabbitMQ.Host,
		Port:               cfg.RabbitMQ.Port,
		User:               cfg.RabbitMQ.User,
		Password:           cfg.RabbitMQ.Password,
		VHost:              cfg.RabbitMQ.VHost,
		ExchangeName:       cfg.RabbitMQ.Exchange.Name,
		ExchangeType:       cfg.RabbitMQ.Exchange.Type,
		ExchangeDurable:    cfg.RabbitMQ.Exchange.Durable,
		ExchangeAutoDelete: cfg.RabbitMQ.Exchange.AutoDelete,
		QueueName:          cfg.RabbitMQ.Queue.Name,
		QueueDurable:       cfg.RabbitMQ.Queue.Durable,
		QueueAutoDelete:    cfg.RabbitMQ.Queue.AutoDelete,
		QueueExclusive:     cfg.RabbitMQ.Queue.Exclusive,
		RoutingKey:         cfg.RabbitMQ.RoutingKey,
		DeadLetterExchange: cfg.RabbitMQ.DeadLetterExchange,
		ConsumerTimeout:    cfg.RabbitMQ.Queue.ConsumerTimeout,
		RetryAttempts:      cfg.RabbitMQ.Connection.RetryAttempts,
		RetryInterval:      cfg.RabbitMQ.Connection.RetryInterval,
		Heartbeat:          cfg.RabbitMQ.Connection.Heartbeat,
		ConnectionTimeout:  cfg.RabbitMQ.Connection.ConnectionTimeout,
		PublishRetries:     cfg.RabbitMQ.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.RabbitMQ.Publish.RetryInterval,
		PublishBackoffMult: cfg.RabbitMQ.Publish.BackoffMultiplier,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer client.Close()

	if err := client.Publish(ctx, body, "application/json"); err != nil {
		return fmt.Errorf("failed to publish job: %w", err)
	}
	return nil
}
