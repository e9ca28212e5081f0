// Package queue is the SQS front door: it long-polls the request queue,
// dispatches decoded requests to the session manager, and disposes of each
// message according to the outcome.
package queue

import (
	"context"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/browserlauncher-go/internal/config"
)

const (
	// maxRetryAttempts is the SDK-level retry budget per call.
	maxRetryAttempts = 4

	// failuresBeforeReset drops the cached client so the next call rebuilds
	// it from scratch (fresh connections, re-read credentials).
	failuresBeforeReset = 3
)

// sqsAPI is the slice of the SQS client the adapter uses. *sqs.Client
// satisfies it; tests substitute a fake.
type sqsAPI interface {
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, opts ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, opts ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, opts ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, opts ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// clientManager caches the SQS client and implements the failure circuit:
// after three consecutive failures the client is thrown away and rebuilt.
type clientManager struct {
	cfg *config.Config

	mu       sync.Mutex
	client   sqsAPI
	failures int
}

func newClientManager(cfg *config.Config) *clientManager {
	return &clientManager{cfg: cfg}
}

// get returns the cached client, building one if needed.
func (c *clientManager) get(ctx context.Context) (sqsAPI, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	client, err := buildClient(ctx, c.cfg)
	if err != nil {
		return nil, err
	}
	c.client = client
	log.Info().Str("region", c.cfg.AWSRegion).Msg("SQS client created")
	return client, nil
}

// recordFailure counts a failed call; the circuit trips after three in a row.
func (c *clientManager) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failures++
	if c.failures >= failuresBeforeReset {
		log.Warn().
			Int("consecutive_failures", c.failures).
			Msg("Resetting SQS client after repeated failures")
		c.client = nil
		c.failures = 0
	}
}

// recordSuccess resets the failure streak.
func (c *clientManager) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = 0
}

// buildClient creates the SDK client with adaptive retries. Explicit static
// credentials win over the default chain when configured.
func buildClient(ctx context.Context, cfg *config.Config) (*sqs.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.AWSRegion),
		awsconfig.WithRetryMaxAttempts(maxRetryAttempts),
		awsconfig.WithRetryMode(aws.RetryModeAdaptive),
	}
	if cfg.AWSAccessKeyID != "" && cfg.AWSSecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return sqs.NewFromConfig(awsCfg), nil
}
