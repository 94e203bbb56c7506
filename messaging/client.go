// Package messaging publishes lab lifecycle events to kafka.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/OChRA-lab/ochra-sub000/config"
)

// HeaderType carries the event type so consumers can filter without
// decoding the envelope.
const HeaderType = "ochra-type"

var errNotConnected = errors.New("kafka not connected")

// Message is one outbound event.
type Message struct {
	Topic   string
	Key     string
	Type    string
	Payload []byte
}

// Client is a kafka publisher. Until Connect succeeds it reports
// disconnected and Publish fails.
type Client struct {
	mu     sync.RWMutex
	cfg    *config.MessagingConfig
	writer *kafka.Writer
}

func NewClient(cfg *config.MessagingConfig) *Client {
	return &Client{cfg: cfg}
}

// Connect checks that a broker answers, makes sure the events topic exists
// and opens the writer.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	brokers := c.cfg.Kafka.Brokers
	if len(brokers) == 0 {
		return fmt.Errorf("no kafka brokers configured")
	}
	conn, err := dialAny(brokers)
	if err != nil {
		return fmt.Errorf("kafka connect: %w", err)
	}
	defer conn.Close()

	if err := createTopic(conn, c.cfg.EventsTopic, c.cfg.Kafka.Partitions); err != nil {
		log.Printf("messaging: create topic %s: %v", c.cfg.EventsTopic, err)
	}

	if c.writer != nil {
		c.writer.Close()
	}
	c.writer = &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		Transport:    &kafka.Transport{ClientID: c.cfg.NodeID},
	}
	return nil
}

func dialAny(brokers []string) (*kafka.Conn, error) {
	var errs []error
	for _, broker := range brokers {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		cancel()
		if err == nil {
			log.Printf("messaging: kafka broker %s reachable", broker)
			return conn, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", broker, err))
	}
	return nil, errors.Join(errs...)
}

// createTopic asks the cluster controller for the topic. An existing topic
// is not an error.
func createTopic(conn *kafka.Conn, topic string, partitions int) error {
	if topic == "" {
		return nil
	}
	if partitions <= 0 {
		partitions = 1
	}
	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("find controller: %w", err)
	}
	cc, err := kafka.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("dial controller: %w", err)
	}
	defer cc.Close()

	err = cc.CreateTopics(kafka.TopicConfig{Topic: topic, NumPartitions: partitions, ReplicationFactor: 1})
	if errors.Is(err, kafka.TopicAlreadyExists) {
		return nil
	}
	return err
}

// Publish writes msg. Messages with the same key land on the same partition.
func (c *Client) Publish(ctx context.Context, msg Message) error {
	c.mu.RLock()
	w := c.writer
	c.mu.RUnlock()
	if w == nil {
		return errNotConnected
	}
	km := kafka.Message{Topic: msg.Topic, Key: []byte(msg.Key), Value: msg.Payload}
	if msg.Type != "" {
		km.Headers = []kafka.Header{{Key: HeaderType, Value: []byte(msg.Type)}}
	}
	return w.WriteMessages(ctx, km)
}

func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.writer != nil
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writer != nil {
		if err := c.writer.Close(); err != nil {
			log.Printf("messaging: close writer: %v", err)
		}
		c.writer = nil
	}
}
