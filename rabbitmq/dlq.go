package rabbitmq

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/novair/lib-eventflow/internal/nilcheck"
)

const (
	defaultDLXExchangeName = "events.dlx"
	defaultDLQName         = "events.dlq"
	defaultExchangeType    = "topic"
	defaultBindingKey      = "#"

	waitQueueSuffix = ".wait"
)

// TopologyChannel is the channel surface topology declaration needs.
type TopologyChannel interface {
	ExchangeDeclare(
		name, kind string,
		durable, autoDelete, internal, noWait bool,
		args amqp.Table,
	) error
	QueueDeclare(
		name string,
		durable, autoDelete, exclusive, noWait bool,
		args amqp.Table,
	) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// DLQTopologyConfig names the dead-letter exchange and queue.
type DLQTopologyConfig struct {
	DLXExchangeName string
	DLQName         string
	ExchangeType    string
	BindingKey      string
	QueueMessageTTL time.Duration
	QueueMaxLength  int64
}

// DLQOption configures DLQ topology declaration.
type DLQOption func(*DLQTopologyConfig)

// WithDLXExchangeName overrides the dead-letter exchange name.
func WithDLXExchangeName(name string) DLQOption {
	return func(cfg *DLQTopologyConfig) {
		if name != "" {
			cfg.DLXExchangeName = name
		}
	}
}

// WithDLQName overrides the dead-letter queue name.
func WithDLQName(name string) DLQOption {
	return func(cfg *DLQTopologyConfig) {
		if name != "" {
			cfg.DLQName = name
		}
	}
}

// WithDLQExchangeType overrides the dead-letter exchange type.
func WithDLQExchangeType(exchangeType string) DLQOption {
	return func(cfg *DLQTopologyConfig) {
		if exchangeType != "" {
			cfg.ExchangeType = exchangeType
		}
	}
}

// WithDLQBindingKey overrides the queue binding key to the DLX.
func WithDLQBindingKey(bindingKey string) DLQOption {
	return func(cfg *DLQTopologyConfig) {
		if bindingKey != "" {
			cfg.BindingKey = bindingKey
		}
	}
}

// WithDLQMessageTTL sets x-message-ttl on the DLQ queue.
func WithDLQMessageTTL(ttl time.Duration) DLQOption {
	return func(cfg *DLQTopologyConfig) {
		if ttl > 0 {
			cfg.QueueMessageTTL = ttl
		}
	}
}

// WithDLQMaxLength sets x-max-length on the DLQ queue.
func WithDLQMaxLength(maxLength int64) DLQOption {
	return func(cfg *DLQTopologyConfig) {
		if maxLength > 0 {
			cfg.QueueMaxLength = maxLength
		}
	}
}

func defaultDLQConfig() DLQTopologyConfig {
	return DLQTopologyConfig{
		DLXExchangeName: defaultDLXExchangeName,
		DLQName:         defaultDLQName,
		ExchangeType:    defaultExchangeType,
		BindingKey:      defaultBindingKey,
	}
}

func (cfg DLQTopologyConfig) queueDeclareArgs() amqp.Table {
	args := make(amqp.Table)

	if cfg.QueueMessageTTL > 0 {
		ttlMillis := cfg.QueueMessageTTL.Milliseconds()
		if ttlMillis <= 0 {
			ttlMillis = 1
		}

		args["x-message-ttl"] = ttlMillis
	}

	if cfg.QueueMaxLength > 0 {
		args["x-max-length"] = cfg.QueueMaxLength
	}

	if len(args) == 0 {
		return nil
	}

	return args
}

// DeclareDLQTopology declares the dead-letter exchange and its parked queue.
func DeclareDLQTopology(ch TopologyChannel, opts ...DLQOption) error {
	if nilcheck.Interface(ch) {
		return fmt.Errorf("declare dlq topology: %w", ErrChannelRequired)
	}

	cfg := defaultDLQConfig()

	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	if err := ch.ExchangeDeclare(
		cfg.DLXExchangeName, cfg.ExchangeType,
		true, false, false, false, nil,
	); err != nil {
		return fmt.Errorf("declare dlx exchange: %w", err)
	}

	if _, err := ch.QueueDeclare(
		cfg.DLQName,
		true, false, false, false,
		cfg.queueDeclareArgs(),
	); err != nil {
		return fmt.Errorf("declare dlq queue: %w", err)
	}

	if err := ch.QueueBind(cfg.DLQName, cfg.BindingKey, cfg.DLXExchangeName, false, nil); err != nil {
		return fmt.Errorf("bind dlq to dlx: %w", err)
	}

	return nil
}

// DLXArgs returns queue declaration args that dead-letter rejected messages
// to the given exchange.
func DLXArgs(dlxExchangeName string) amqp.Table {
	if dlxExchangeName == "" {
		dlxExchangeName = defaultDLXExchangeName
	}

	return amqp.Table{
		"x-dead-letter-exchange": dlxExchangeName,
	}
}

// WaitQueueName derives the delayed-redelivery queue name for a work queue.
func WaitQueueName(workQueue string) string {
	return workQueue + waitQueueSuffix
}

// DeclareRetryTopology declares the shared wait queue for workQueue.
// Messages published to the wait queue with a per-message expiration
// dead-letter back into the work queue through the default exchange, which
// is how delayed redelivery tiers are implemented without per-tier queues.
func DeclareRetryTopology(ch TopologyChannel, workQueue string) error {
	if nilcheck.Interface(ch) {
		return fmt.Errorf("declare retry topology: %w", ErrChannelRequired)
	}

	if workQueue == "" {
		return fmt.Errorf("declare retry topology: work queue name is required")
	}

	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": workQueue,
	}

	if _, err := ch.QueueDeclare(
		WaitQueueName(workQueue),
		true, false, false, false,
		args,
	); err != nil {
		return fmt.Errorf("declare wait queue: %w", err)
	}

	return nil
}
