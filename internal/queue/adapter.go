package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/browserlauncher-go/internal/config"
	"github.com/Rorqualx/browserlauncher-go/internal/metrics"
	"github.com/Rorqualx/browserlauncher-go/internal/types"
)

const (
	// pollVisibility is how long a received message stays invisible while a
	// task works on it.
	pollVisibility = 120

	// Re-delivery delays by outcome, in seconds.
	slotFullDelay     = 30
	failedDelay       = 10
	panicDelay        = 15
	handBackImmediate = 0

	// idleSleep is the pause when no slot or port is available to poll for.
	idleSleep = 2 * time.Second

	// maxBackoff caps the sleep after consecutive receive failures.
	maxBackoff = 30 * time.Second
)

// SessionManager is what the adapter needs from the session manager.
type SessionManager interface {
	HandleRequest(ctx context.Context, req *types.SessionRequest) *types.SessionResponse
	DeleteBySessionID(ctx context.Context, sessionID string) error
	AvailableSlots() int
	HasFreePorts() bool
}

// Adapter drives the receive/dispatch/dispose loop.
type Adapter struct {
	cfg     *config.Config
	mgr     SessionManager
	clients *clientManager

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates an adapter for the configured queues.
func New(cfg *config.Config, mgr SessionManager) *Adapter {
	return &Adapter{
		cfg:     cfg,
		mgr:     mgr,
		clients: newClientManager(cfg),
		stopCh:  make(chan struct{}),
	}
}

// Run polls until Stop. Returns immediately when no request queue is
// configured.
func (a *Adapter) Run(ctx context.Context) error {
	if a.cfg.RequestQueueURL == "" || a.cfg.RequestQueueURL == "local" {
		return types.ErrQueueNotConfigured
	}

	log.Info().
		Int("batch_size", a.cfg.SQSMaxBatchSize).
		Int("wait_seconds", a.cfg.SQSWaitTimeSeconds).
		Msg("Queue adapter started")

	backoff := time.Second
	for {
		select {
		case <-a.stopCh:
			a.wg.Wait()
			log.Info().Msg("Queue adapter stopped")
			return nil
		case <-ctx.Done():
			a.wg.Wait()
			return ctx.Err()
		default:
		}

		// Backpressure: do not pull work this host cannot place.
		available := min(a.mgr.AvailableSlots(), a.cfg.SQSMaxBatchSize)
		if available <= 0 || !a.mgr.HasFreePorts() {
			a.sleep(idleSleep)
			continue
		}

		client, err := a.clients.get(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Could not create SQS client")
			metrics.QueueReceives.WithLabelValues("error").Inc()
			a.sleep(backoff)
			backoff = min(backoff*2, maxBackoff)
			continue
		}

		msgs, err := a.receive(ctx, client, available)
		if err != nil {
			a.clients.recordFailure()
			metrics.QueueReceives.WithLabelValues("error").Inc()
			log.Warn().Err(err).Msg("SQS receive failed")
			a.sleep(backoff)
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		a.clients.recordSuccess()
		backoff = time.Second

		if len(msgs) == 0 {
			metrics.QueueReceives.WithLabelValues("empty").Inc()
			continue
		}
		metrics.QueueReceives.WithLabelValues("messages").Inc()

		for _, msg := range msgs {
			msg := msg
			a.wg.Add(1)
			go func() {
				defer a.wg.Done()
				a.handleMessage(ctx, client, msg)
			}()
		}
	}
}

// Stop makes Run return after in-flight tasks drain.
func (a *Adapter) Stop() {
	close(a.stopCh)
}

func (a *Adapter) sleep(d time.Duration) {
	select {
	case <-a.stopCh:
	case <-time.After(d):
	}
}

// receive long-polls the request queue. The context budget exceeds the wait
// time so the SDK call can finish its own long poll.
func (a *Adapter) receive(ctx context.Context, client sqsAPI, maxMessages int) ([]sqstypes.Message, error) {
	rctx, cancel := context.WithTimeout(ctx, time.Duration(a.cfg.SQSWaitTimeSeconds+5)*time.Second)
	defer cancel()

	out, err := client.ReceiveMessage(rctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(a.cfg.RequestQueueURL),
		MaxNumberOfMessages: int32(maxMessages),
		WaitTimeSeconds:     int32(a.cfg.SQSWaitTimeSeconds),
		VisibilityTimeout:   pollVisibility,
	})
	if err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// handleMessage decodes and dispatches one message, then disposes of it
// according to the outcome. A panic in the pipeline returns the message to
// the queue after a short delay instead of killing the adapter.
func (a *Adapter) handleMessage(ctx context.Context, client sqsAPI, msg sqstypes.Message) {
	taskID := "msg-unknown"
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("task_id", taskID).
				Msg("Request task panicked")
			a.changeVisibility(ctx, client, msg, panicDelay)
		}
	}()

	body := []byte(aws.ToString(msg.Body))

	// Only JSON objects are requests; `null`, `true` and bare strings all
	// unmarshal into a zero struct without error.
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] != '{' {
		log.Warn().Err(types.ErrInvalidMessage).Msg("Poison message, deleting")
		a.deleteMessage(ctx, client, msg)
		return
	}

	var req types.SessionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		log.Warn().Err(err).Msg("Poison message, deleting")
		a.deleteMessage(ctx, client, msg)
		return
	}
	taskID = extractTaskID(body, &req, aws.ToString(msg.MessageId))
	req.ID = taskID

	log.Info().
		Str("task_id", taskID).
		Str("action", req.Action).
		Msg("Queue message received")

	if req.Action == types.ActionDelete {
		a.handleDelete(ctx, client, msg, &req)
		return
	}

	resp := a.mgr.HandleRequest(ctx, &req)
	a.publishResponse(ctx, client, resp)

	switch resp.Status {
	case types.StatusCompleted:
		a.deleteMessage(ctx, client, msg)
	case types.StatusSlotFull:
		// Cool-down: let a peer host or a freed slot pick it up
		a.changeVisibility(ctx, client, msg, slotFullDelay)
	default:
		a.changeVisibility(ctx, client, msg, failedDelay)
	}
}

// handleDelete terminates the named session. A session this host does not
// own goes straight back on the queue for a peer.
func (a *Adapter) handleDelete(ctx context.Context, client sqsAPI, msg sqstypes.Message, req *types.SessionRequest) {
	if req.SessionID == "" {
		log.Warn().Str("task_id", req.ID).Msg("Delete request without session_id, deleting message")
		a.deleteMessage(ctx, client, msg)
		return
	}

	err := a.mgr.DeleteBySessionID(ctx, req.SessionID)
	switch {
	case err == nil:
		metrics.RecordRequest(types.ActionDelete, string(types.StatusCompleted))
		a.deleteMessage(ctx, client, msg)
	case errors.Is(err, types.ErrSessionNotFound):
		log.Debug().
			Str("session_id", req.SessionID).
			Msg("Delete target not owned by this host, handing back")
		a.changeVisibility(ctx, client, msg, handBackImmediate)
	default:
		log.Warn().Err(err).Str("session_id", req.SessionID).Msg("Delete failed")
		a.changeVisibility(ctx, client, msg, failedDelay)
	}
}

// publishResponse sends the response to the response queue, if configured.
func (a *Adapter) publishResponse(ctx context.Context, client sqsAPI, resp *types.SessionResponse) {
	if a.cfg.ResponseQueueURL == "" {
		return
	}
	body, err := json.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Msg("Could not encode response")
		return
	}
	_, err = client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(a.cfg.ResponseQueueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		log.Warn().Err(err).Str("worker_id", resp.WorkerID).Msg("Could not publish response")
		return
	}
	log.Debug().
		Str("worker_id", resp.WorkerID).
		Str("status", string(resp.Status)).
		Msg("Response published")
}

func (a *Adapter) deleteMessage(ctx context.Context, client sqsAPI, msg sqstypes.Message) {
	_, err := client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(a.cfg.RequestQueueURL),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Could not delete message")
	}
}

func (a *Adapter) changeVisibility(ctx context.Context, client sqsAPI, msg sqstypes.Message, seconds int32) {
	_, err := client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(a.cfg.RequestQueueURL),
		ReceiptHandle:     msg.ReceiptHandle,
		VisibilityTimeout: seconds,
	})
	if err != nil {
		log.Warn().Err(err).Int32("seconds", seconds).Msg("Could not change message visibility")
	}
}

// extractTaskID picks the request identifier: id, then request_id, then
// requester_id, then a prefix of the SQS message id.
func extractTaskID(body []byte, req *types.SessionRequest, messageID string) string {
	if req.ID != "" {
		return req.ID
	}
	var aux struct {
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(body, &aux); err == nil && aux.RequestID != "" {
		return aux.RequestID
	}
	if req.RequesterID != "" {
		return req.RequesterID
	}
	if len(messageID) > 8 {
		messageID = messageID[:8]
	}
	return fmt.Sprintf("msg-%s", messageID)
}
