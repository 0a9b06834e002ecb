package queue

import (
	"context"
	"errors"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/chainsync/internal/resilience"
)

// MaxPriority is the x-max-priority declared on every topic queue. Job
// priorities (lower first) are inverted into the broker's 0..MaxPriority
// range (higher first).
const MaxPriority = 10

// Publisher is the subset of *amqp.Channel used to publish.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Declarer is the subset of *amqp.Channel used to set up topology.
type Declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// AMQPQueue publishes jobs to a RabbitMQ exchange, routed by topic. A
// Ledger guarantees each job ID is published at most once.
type AMQPQueue struct {
	pub      Publisher
	exchange string
	ledger   Ledger
	retry    resilience.RetryConfig
	nowFunc  func() time.Time
}

var _ Queue = (*AMQPQueue)(nil)

// NewAMQPQueue creates a publisher-side queue.
func NewAMQPQueue(pub Publisher, exchange string, ledger Ledger) *AMQPQueue {
	retry := resilience.DefaultRetryConfig()
	retry.ShouldRetry = retryablePublish
	retry.OnRetry = resilience.RetryLogger("amqp", "publish")
	return &AMQPQueue{
		pub:      pub,
		exchange: exchange,
		ledger:   ledger,
		retry:    retry,
		nowFunc:  time.Now,
	}
}

// Enqueue records the job in the ledger and publishes it. A job ID already
// in the ledger is skipped. If publishing fails the ledger entry is released
// so a later enqueue can try again.
func (q *AMQPQueue) Enqueue(ctx context.Context, topic string, payload any, opts Options) error {
	raw, opts, err := normalize(payload, opts)
	if err != nil {
		return err
	}

	fresh, err := q.ledger.Record(ctx, topic, raw, opts)
	if err != nil {
		return eris.Wrapf(err, "queue: ledger record %s", opts.JobID)
	}
	if !fresh {
		zap.L().Debug("queue: job already published",
			zap.String("topic", topic),
			zap.String("job_id", opts.JobID),
		)
		return nil
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    opts.JobID,
		Priority:     brokerPriority(opts.Priority),
		Timestamp:    q.nowFunc(),
		Headers: amqp.Table{
			"x-delay":        opts.Delay.Milliseconds(),
			"x-max-attempts": int32(opts.Attempts),
		},
		Body: raw,
	}

	err = resilience.Do(ctx, q.retry, func(ctx context.Context) error {
		return q.pub.PublishWithContext(ctx, q.exchange, topic, false, false, msg)
	})
	if err != nil {
		if relErr := q.ledger.Release(context.WithoutCancel(ctx), opts.JobID); relErr != nil {
			zap.L().Error("queue: release ledger entry after failed publish",
				zap.String("job_id", opts.JobID),
				zap.Error(relErr),
			)
		}
		return eris.Wrapf(err, "queue: publish %s", opts.JobID)
	}
	return nil
}

// Declare sets up a durable delayed-message exchange and one priority queue
// per topic bound by topic name.
func Declare(ch Declarer, exchange string, topics ...string) error {
	err := ch.ExchangeDeclare(
		exchange,
		"x-delayed-message",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		amqp.Table{"x-delayed-type": "direct"},
	)
	if err != nil {
		return eris.Wrapf(err, "queue: declare exchange %s", exchange)
	}

	for _, topic := range topics {
		name := exchange + "." + topic
		if _, err := ch.QueueDeclare(
			name,
			true,  // durable
			false, // auto-delete
			false, // exclusive
			false, // no-wait
			amqp.Table{"x-max-priority": int32(MaxPriority)},
		); err != nil {
			return eris.Wrapf(err, "queue: declare queue %s", name)
		}
		if err := ch.QueueBind(name, topic, exchange, false, nil); err != nil {
			return eris.Wrapf(err, "queue: bind queue %s", name)
		}
	}
	return nil
}

// Dial connects to RabbitMQ and opens a channel. Callers close both.
func Dial(url string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
	})
	if err != nil {
		return nil, nil, eris.Wrap(err, "queue: dial amqp")
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, eris.Wrap(err, "queue: open amqp channel")
	}
	return conn, ch, nil
}

func brokerPriority(p int) uint8 {
	if p < 0 {
		p = 0
	}
	if p > MaxPriority {
		p = MaxPriority
	}
	return uint8(MaxPriority - p)
}

// retryablePublish treats recoverable broker errors and transient network
// failures as retryable.
func retryablePublish(err error) bool {
	var ae *amqp.Error
	if errors.As(err, &ae) {
		return ae.Recover
	}
	return resilience.IsTransient(err)
}
