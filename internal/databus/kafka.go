package databus

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/Shopify/sarama"

	"moff.io/wallet-gateway/internal/gateway"
	"moff.io/wallet-gateway/pkg/common"
	"moff.io/wallet-gateway/pkg/errors"
	"moff.io/wallet-gateway/pkg/log"
)

const queueSize = 1024

type Event interface {
	Serialize() []byte
	Topic() string
	Key() string
}

// gatewayEvent 网关事件的kafka消息体
type gatewayEvent struct {
	topic string
	Kind  gateway.EventKind `json:"kind"`
	User  string            `json:"userId"`
	Time  int64             `json:"time"`
	Data  gateway.Event     `json:"data"`
}

func (e *gatewayEvent) Serialize() []byte {
	return []byte(common.MustGetJSONString(e))
}

func (e *gatewayEvent) Topic() string {
	return e.topic
}

// Key 同一用户的事件进入同一分区，保证顺序
func (e *gatewayEvent) Key() string {
	return e.User
}

func NewGatewayEvent(topic string, ev gateway.Event, at time.Time) Event {
	return &gatewayEvent{
		topic: topic,
		Kind:  ev.Kind(),
		User:  ev.User(),
		Time:  at.UnixMilli(),
		Data:  ev,
	}
}

// DataBus publishes gateway events to kafka. Events are queued by Handle and
// produced by the goroutine started with Start, so a slow broker never blocks
// the gateway's event listeners.
type DataBus struct {
	producer sarama.SyncProducer
	topic    string
	queue    chan Event

	once sync.Once
	wg   sync.WaitGroup
}

func New(servers, topic string) (*DataBus, error) {
	hosts := strings.Split(servers, ",")
	conf := sarama.NewConfig()
	conf.Producer.Return.Successes = true
	p, err := sarama.NewSyncProducer(hosts, conf)
	if err != nil {
		return nil, errors.Wrap(err, "create kafka producer")
	}
	log.Info("Kafka producer initialized...")
	return NewWithProducer(p, topic), nil
}

func NewWithProducer(p sarama.SyncProducer, topic string) *DataBus {
	return &DataBus{
		producer: p,
		topic:    topic,
		queue:    make(chan Event, queueSize),
	}
}

func (db *DataBus) PublishRaw(topic, key string, raw []byte) error {
	if len(raw) == 0 {
		return nil
	}
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(raw),
	}
	if key != "" {
		msg.Key = sarama.StringEncoder(key)
	}
	partition, offset, err := db.producer.SendMessage(msg)
	if err != nil {
		return errors.WrapAndReport(err, "produce message")
	}
	log.Debugf("produce message success-partition: %d, offset: %d", partition, offset)
	return nil
}

func (db *DataBus) Publish(e Event) error {
	return db.PublishRaw(e.Topic(), e.Key(), e.Serialize())
}

// Handle is a gateway.Handler. It never blocks: when the queue is full the
// event is dropped and logged.
func (db *DataBus) Handle(ev gateway.Event) {
	select {
	case db.queue <- NewGatewayEvent(db.topic, ev, time.Now()):
	default:
		log.Warnf("databus - queue full, drop %v event of %v", ev.Kind(), ev.User())
	}
}

func (db *DataBus) Start(ctx context.Context) {
	db.wg.Add(1)
	go func() {
		defer db.wg.Done()
		for {
			select {
			case <-ctx.Done():
				db.drain()
				return
			case e, ok := <-db.queue:
				if !ok {
					return
				}
				if err := db.Publish(e); err != nil {
					log.Error(err)
				}
			}
		}
	}()
}

func (db *DataBus) drain() {
	for {
		select {
		case e := <-db.queue:
			if err := db.Publish(e); err != nil {
				log.Error(err)
			}
		default:
			return
		}
	}
}

// Stop flushes queued events and closes the producer. Handle must not be
// called afterwards.
func (db *DataBus) Stop() {
	db.once.Do(func() {
		close(db.queue)
		db.wg.Wait()
		db.drainClosed()
		if err := db.producer.Close(); err != nil {
			log.Errorf("close kafka producer: %v", err)
		}
	})
}

func (db *DataBus) drainClosed() {
	for e := range db.queue {
		if err := db.Publish(e); err != nil {
			log.Error(err)
		}
	}
}
