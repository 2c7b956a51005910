package changebus

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/orgfeed/pkg/errs"
	"github.com/platinummonkey/orgfeed/pkg/events"
)

// Transport carries signals to the subscribers of an organization. Bus is
// the in-process transport; RedisTransport spans replicas.
type Transport interface {
	Publish(ctx context.Context, orgID string, sig ChangeSignal) error
}

// Publisher is the events.Sink that turns committed domain events into
// change signals. Transient transport failures are retried with backoff;
// a signal that still cannot be sent is logged and counted, the mutation
// that caused it stands.
type Publisher struct {
	transport Transport
	retry     *RetryPolicy
	log       logrus.FieldLogger
	metrics   Metrics
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewPublisher creates a publisher over transport
func NewPublisher(transport Transport, retry RetryConfig, log logrus.FieldLogger, metrics Metrics) *Publisher {
	if log == nil {
		log = logrus.New()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Publisher{
		transport: transport,
		retry:     NewRetryPolicy(retry),
		log:       log,
		metrics:   metrics,
		sleep:     sleepCtx,
	}
}

// Handle implements events.Sink
func (p *Publisher) Handle(ctx context.Context, evt events.DomainEvent) error {
	sig, ok := FromEvent(evt)
	if !ok {
		return nil
	}
	return p.Publish(ctx, sig)
}

// Publish sends sig, retrying transient failures
func (p *Publisher) Publish(ctx context.Context, sig ChangeSignal) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = p.transport.Publish(ctx, sig.OrganizationID, sig)
		if err == nil {
			return nil
		}
		if !errs.IsRetryable(err) || !p.retry.ShouldRetry(attempt, err) {
			break
		}

		p.metrics.PublishRetried()
		delay := p.retry.NextRetryDelay(attempt)
		p.log.WithError(err).WithFields(logrus.Fields{
			"org_id":  sig.OrganizationID,
			"entity":  sig.Key(),
			"attempt": attempt,
			"delay":   delay.String(),
		}).Debug("signal publish failed, retrying")

		if serr := p.sleep(ctx, delay); serr != nil {
			err = serr
			break
		}
	}

	p.metrics.PublishFailed()
	p.log.WithError(err).WithFields(logrus.Fields{
		"org_id": sig.OrganizationID,
		"entity": sig.Key(),
		"change": string(sig.ChangeType),
	}).Error("failed to publish change signal")
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
