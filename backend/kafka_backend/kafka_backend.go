package kafkabackend

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/pkg/errors"

	"github.com/skroutz/uploader/job"
)

// FlushTimeout is the timeout we give to our kafka producer
// to flush pending messages.
const FlushTimeout = 5000

// Backend notifies about a terminal upload by producing to a Kafka topic.
// Messages are keyed by upload id, so that the callbacks of an upload are
// consumed in order.
type Backend struct {
	producer *kafka.Producer
	reports  chan job.Callback
	eventsWg *sync.WaitGroup
}

// ID returns "kafka".
func (b *Backend) ID() string {
	return "kafka"
}

// Start starts the backend by creating a producer,
// given a set of options provided by the configuration.
func (b *Backend) Start(ctx context.Context, cfg map[string]interface{}) error {
	var err error

	kafkaCfg := make(kafka.ConfigMap)
	for k, v := range cfg {
		// json.Number is not a type librdkafka understands
		if n, ok := v.(json.Number); ok {
			v = n.String()
		}
		if err := kafkaCfg.SetKey(k, v); err != nil {
			return errors.Wrapf(err, "invalid kafka option %s", k)
		}
	}

	b.producer, err = kafka.NewProducer(&kafkaCfg)
	if err != nil {
		return err
	}

	b.reports = make(chan job.Callback)
	b.eventsWg = new(sync.WaitGroup)

	// start a go routine to monitor Kafka's Events channel
	b.eventsWg.Add(1)
	go func() {
		defer b.eventsWg.Done()
		b.transformStream(ctx)
	}()

	return nil
}

// Notify produces a Kafka message to topic.
func (b *Backend) Notify(topic string, cb job.Callback) error {
	payload, err := cb.Bytes()
	if err != nil {
		return err
	}

	message := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(cb.UploadID),
		Value:          payload,
	}

	return b.producer.Produce(message, nil)
}

// DeliveryReports returns a channel of emitted callback events
func (b *Backend) DeliveryReports() <-chan job.Callback {
	return b.reports
}

// Stop gracefully terminates b after flushing any outstanding messages to Kafka.
// An error is returned if (and only if) not all messages were flushed.
func (b *Backend) Stop() error {
	var err error

	unflushed := b.producer.Flush(FlushTimeout)
	if unflushed > 0 {
		err = fmt.Errorf("After %d ms there were still %d unflushed messages", FlushTimeout, unflushed)
	}

	b.producer.Close()
	b.eventsWg.Wait()
	close(b.reports)

	return err
}

// transformStream iterates over the Events channel of Kafka, transforms
// each delivered message back to its callback and enqueues it to b.reports.
func (b *Backend) transformStream(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-b.producer.Events():
			if !ok {
				return
			}

			ev, ok := e.(*kafka.Message)
			if !ok {
				continue
			}
			b.reports <- report(ev)
		}
	}
}

func report(m *kafka.Message) job.Callback {
	var cb job.Callback

	if err := json.Unmarshal(m.Value, &cb); err != nil {
		cb.UploadID = string(m.Key)
		cb.Delivered = false
		cb.DeliveryError = fmt.Sprintf("Could not unmarshal value %s to callback object", m.Value)
		return cb
	}

	cb.Delivered = m.TopicPartition.Error == nil
	cb.DeliveryError = ""
	if m.TopicPartition.Error != nil {
		cb.DeliveryError = m.TopicPartition.Error.Error()
	}
	return cb
}
