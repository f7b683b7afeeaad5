// Package notify delivers content-free push hints to members without an open
// channel.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"baatcheet/metrics"
	"baatcheet/models"
	"baatcheet/storage"
	"baatcheet/worker"

	"gopkg.in/op/go-logging.v1"
)

const (
	DefaultQueueSize   = 256
	DefaultWorkers     = 2
	DefaultSendTimeout = 15 * time.Second
)

// BatchResult summarizes one multicast. Invalid lists tokens the push
// service reported as permanently unusable.
type BatchResult struct {
	Sent    int
	Failed  int
	Invalid []string
}

// Transport sends a new-message hint for roomID to device tokens.
type Transport interface {
	SendMulticast(ctx context.Context, roomID string, tokens []string) (BatchResult, error)
}

// Job is one offline notification request.
type Job struct {
	RoomID       string
	SenderID     string
	RecipientIDs []string
}

// Options tunes the dispatch queue.
type Options struct {
	QueueSize   int
	Workers     int
	SendTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = DefaultSendTimeout
	}
	return o
}

// Notifier is a bounded background queue of push jobs. Transport failures
// are logged and never reach the sender.
type Notifier struct {
	worker.Worker

	store     *storage.Store
	transport Transport
	metrics   *metrics.Metrics
	log       *logging.Logger

	jobs        chan Job
	sendTimeout time.Duration
}

// New starts a notifier with opts.Workers dispatch goroutines.
func New(store *storage.Store, transport Transport, m *metrics.Metrics, log *logging.Logger, opts Options) *Notifier {
	opts = opts.withDefaults()
	n := &Notifier{
		store:       store,
		transport:   transport,
		metrics:     m,
		log:         log,
		jobs:        make(chan Job, opts.QueueSize),
		sendTimeout: opts.SendTimeout,
	}
	for i := 0; i < opts.Workers; i++ {
		n.Go(n.worker)
	}
	return n
}

// NotifyOffline queues a hint for recipientIDs. It never blocks; a full
// queue drops the job.
func (n *Notifier) NotifyOffline(roomID, senderID string, recipientIDs []string) {
	if len(recipientIDs) == 0 {
		return
	}
	job := Job{RoomID: roomID, SenderID: senderID, RecipientIDs: append([]string(nil), recipientIDs...)}

	select {
	case <-n.HaltCh():
		return
	default:
	}
	select {
	case n.jobs <- job:
	default:
		n.metrics.PushQueueDrops.Inc()
		n.log.Warningf("Push queue full, dropping hint for room %s", roomID)
	}
}

// Close stops the dispatch goroutines. Queued jobs are abandoned.
func (n *Notifier) Close() {
	n.Halt()
}

func (n *Notifier) worker() {
	for {
		select {
		case <-n.HaltCh():
			n.log.Debug("Terminating gracefully.")
			return
		case job := <-n.jobs:
			if err := n.dispatch(job); err != nil {
				n.log.Warningf("Push for room %s failed: %v", job.RoomID, err)
			}
		}
	}
}

func (n *Notifier) dispatch(job Job) error {
	recipients := make([]string, 0, len(job.RecipientIDs))
	for _, id := range job.RecipientIDs {
		if id != job.SenderID {
			recipients = append(recipients, id)
		}
	}
	if len(recipients) == 0 {
		return nil
	}

	pushTokens, err := n.store.GetPushTokens(recipients)
	if err != nil {
		return fmt.Errorf("load push tokens: %w", err)
	}
	if len(pushTokens) == 0 {
		return nil
	}
	tokens := make([]string, len(pushTokens))
	for i, t := range pushTokens {
		tokens[i] = t.Token
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.sendTimeout)
	defer cancel()

	result, err := n.transport.SendMulticast(ctx, job.RoomID, tokens)
	n.metrics.PushHints.WithLabelValues(metrics.ResultSent).Add(float64(result.Sent))
	n.metrics.PushHints.WithLabelValues(metrics.ResultFailed).Add(float64(result.Failed))
	if len(result.Invalid) > 0 {
		n.prune(job.RoomID, result.Invalid)
	}
	if err != nil {
		if !errors.Is(err, models.ErrTransport) {
			err = fmt.Errorf("%w: %v", models.ErrTransport, err)
		}
		return err
	}
	return nil
}

func (n *Notifier) prune(roomID string, invalid []string) {
	removed, err := n.store.DeletePushTokens(invalid)
	if err != nil {
		n.log.Warningf("Failed to prune %d push tokens: %v", len(invalid), err)
		return
	}
	n.metrics.PushHints.WithLabelValues(metrics.ResultPruned).Add(float64(removed))
	if err := n.store.LogAudit(storage.AuditPushTokensPruned, storage.AuditSeverityInfo, "", roomID, map[string]int64{"removed": removed}); err != nil {
		n.log.Warningf("Failed to audit token pruning: %v", err)
	}
	n.log.Infof("Pruned %d invalid push tokens", removed)
}
