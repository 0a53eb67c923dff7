package pulsarutils

import (
	"sync"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/pkg/errors"

	"github.com/sokovan/sokovan/internal/common/logging"
	"github.com/sokovan/sokovan/internal/common/sokovancontext"
)

// Publisher sends already encoded messages to a single pulsar topic.
type Publisher interface {
	PublishMessages(ctx *sokovancontext.Context, msgs ...*pulsar.ProducerMessage) error
	Close()
}

// PulsarPublisher is the default implementation of Publisher
type PulsarPublisher struct {
	// Used to send messages to pulsar
	producer pulsar.Producer
	// Maximum size (in bytes) of produced pulsar messages.
	// This must be below 4MB which is the pulsar message size limit
	maxAllowedMessageSize uint
	// Timeout after which async messages sends will be considered failed
	sendTimeout time.Duration
}

func NewPulsarPublisher(
	pulsarClient pulsar.Client,
	producerOptions pulsar.ProducerOptions,
	maxAllowedMessageSize uint,
	sendTimeout time.Duration,
) (*PulsarPublisher, error) {
	producer, err := pulsarClient.CreateProducer(producerOptions)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return NewPulsarPublisherFromProducer(producer, maxAllowedMessageSize, sendTimeout), nil
}

func NewPulsarPublisherFromProducer(producer pulsar.Producer, maxAllowedMessageSize uint, sendTimeout time.Duration) *PulsarPublisher {
	return &PulsarPublisher{
		producer:              producer,
		maxAllowedMessageSize: maxAllowedMessageSize,
		sendTimeout:           sendTimeout,
	}
}

// PublishMessages sends all msgs asynchronously and waits for every send to complete or time out.
func (p *PulsarPublisher) PublishMessages(ctx *sokovancontext.Context, msgs ...*pulsar.ProducerMessage) error {
	for _, msg := range msgs {
		if p.maxAllowedMessageSize > 0 && uint(len(msg.Payload)) > p.maxAllowedMessageSize {
			return errors.Errorf(
				"message with key %s is %d bytes, larger than the maximum of %d bytes",
				msg.Key, len(msg.Payload), p.maxAllowedMessageSize)
		}
	}

	wg := sync.WaitGroup{}
	wg.Add(len(msgs))

	// Send messages
	sendCtx, cancel := sokovancontext.WithTimeout(ctx, p.sendTimeout)
	defer cancel()
	var mu sync.Mutex
	var sendErr error
	for _, msg := range msgs {
		p.producer.SendAsync(sendCtx, msg, func(_ pulsar.MessageID, _ *pulsar.ProducerMessage, err error) {
			if err != nil {
				logging.
					WithStacktrace(ctx.Log, err).
					Error("error sending message to Pulsar")
				mu.Lock()
				if sendErr == nil {
					sendErr = err
				}
				mu.Unlock()
			}
			wg.Done()
		})
	}
	wg.Wait()
	if sendErr != nil {
		return errors.Wrap(sendErr, "one or more messages failed to send to Pulsar")
	}
	return nil
}

func (p *PulsarPublisher) Close() {
	p.producer.Close()
}
