// Copyright 2025 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/blinklabs-io/corral/admission"
	"github.com/blinklabs-io/corral/database/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultQueue          = "corral.settlements"
	defaultDialRetries    = 10
	defaultDialRetryDelay = 3 * time.Second
)

// errBadMessage marks a message that can never succeed and must not be
// requeued
var errBadMessage = errors.New("unprocessable settlement message")

// Transitioner applies settlement outcomes to contribution requests.
// Satisfied by admission.Controller.
type Transitioner interface {
	ConfirmSettlement(
		ctx context.Context,
		contributionId uint,
		txHash string,
		height uint64,
	) (*models.ContributionRequest, error)
	FailSettlement(
		ctx context.Context,
		contributionId uint,
		reason string,
	) (*models.ContributionRequest, error)
	Refund(
		ctx context.Context,
		contributionId uint,
		reference string,
	) (*models.ContributionRequest, error)
}

// settlementMessage is the wire schema for settlement outcomes reported by
// the payment rail
type settlementMessage struct {
	ContributionID uint   `json:"contribution_id"`
	Status         string `json:"status"`
	TxHash         string `json:"tx_hash"`
	BlockHeight    uint64 `json:"block_height"`
	Reason         string `json:"reason"`
	Reference      string `json:"reference"`
}

type ConsumerConfig struct {
	PromRegistry   prometheus.Registerer
	Logger         *slog.Logger
	Admission      Transitioner
	Url            string
	Queue          string
	DialRetries    int
	DialRetryDelay time.Duration
}

// Consumer drains settlement outcomes from a durable AMQP queue and applies
// them through the admission controller. Messages are acked only after the
// transition commits; handler failures are requeued unless the message can
// never succeed, in which case it is dropped.
type Consumer struct {
	config  ConsumerConfig
	metrics struct {
		messagesTotal prometheus.Counter
		requeuesTotal prometheus.Counter
		dropsTotal    prometheus.Counter
	}
	logger    *slog.Logger
	admission Transitioner
	conn      *amqp.Connection
	channel   *amqp.Channel
	done      chan struct{}
}

func NewConsumer(config ConsumerConfig) *Consumer {
	c := &Consumer{
		config:    config,
		admission: config.Admission,
		done:      make(chan struct{}),
	}
	if config.Logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		c.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	} else {
		c.logger = config.Logger
	}
	promautoFactory := promauto.With(config.PromRegistry)
	c.metrics.messagesTotal = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "settlement_messages_total",
			Help: "total settlement messages received",
		},
	)
	c.metrics.requeuesTotal = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "settlement_requeues_total",
			Help: "total settlement messages requeued after handler errors",
		},
	)
	c.metrics.dropsTotal = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "settlement_drops_total",
			Help: "total unprocessable settlement messages dropped",
		},
	)
	return c
}

func (c *Consumer) queueName() string {
	if c.config.Queue != "" {
		return c.config.Queue
	}
	return defaultQueue
}

func (c *Consumer) dialRetries() int {
	if c.config.DialRetries > 0 {
		return c.config.DialRetries
	}
	return defaultDialRetries
}

func (c *Consumer) dialRetryDelay() time.Duration {
	if c.config.DialRetryDelay > 0 {
		return c.config.DialRetryDelay
	}
	return defaultDialRetryDelay
}

// Start connects to the broker and begins draining the queue. The connection
// is retried before giving up; after a mid-flight disconnect the consumer
// redials on its own.
func (c *Consumer) Start() error {
	if c.config.Url == "" {
		return errors.New("no AMQP URL configured")
	}
	deliveries, err := c.establish()
	if err != nil {
		return err
	}
	go c.consume(deliveries)
	return nil
}

// Stop closes the broker connection and ends the consume loop
func (c *Consumer) Stop() {
	close(c.done)
	if c.channel != nil {
		c.channel.Close() //nolint:errcheck
	}
	if c.conn != nil {
		c.conn.Close() //nolint:errcheck
	}
}

// establish dials the broker with retries and opens a consume channel on
// the durable queue
func (c *Consumer) establish() (<-chan amqp.Delivery, error) {
	retries := c.dialRetries()
	delay := c.dialRetryDelay()
	var conn *amqp.Connection
	var err error
	for attempt := 1; attempt <= retries; attempt++ {
		conn, err = amqp.Dial(c.config.Url)
		if err == nil {
			break
		}
		c.logger.Warn(
			"failed to connect to AMQP broker",
			"component", "settlement",
			"attempt", attempt,
			"retries", retries,
			"error", err,
		)
		select {
		case <-c.done:
			return nil, errors.New("consumer stopped during dial")
		case <-time.After(delay):
		}
	}
	if err != nil {
		return nil, fmt.Errorf(
			"failed to connect to AMQP broker after %d attempts: %w",
			retries,
			err,
		)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close() //nolint:errcheck
		return nil, fmt.Errorf("failed to open AMQP channel: %w", err)
	}
	queue, err := channel.QueueDeclare(
		c.queueName(),
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,   // args
	)
	if err != nil {
		conn.Close() //nolint:errcheck
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}
	// One unacked message at a time; a transition is cheap and ordering
	// surprises are worse than throughput here
	if err := channel.Qos(1, 0, false); err != nil {
		conn.Close() //nolint:errcheck
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}
	deliveries, err := channel.Consume(
		queue.Name,
		"",    // consumer
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,   // args
	)
	if err != nil {
		conn.Close() //nolint:errcheck
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}
	c.conn = conn
	c.channel = channel
	c.logger.Info(
		"consuming settlement messages",
		"component", "settlement",
		"queue", queue.Name,
	)
	return deliveries, nil
}

func (c *Consumer) consume(deliveries <-chan amqp.Delivery) {
	for {
		for msg := range deliveries {
			c.handleDelivery(msg)
		}
		// Delivery channel closed under us
		select {
		case <-c.done:
			return
		default:
		}
		c.logger.Warn(
			"settlement consumer disconnected, redialing",
			"component", "settlement",
		)
		var err error
		deliveries, err = c.establish()
		if err != nil {
			c.logger.Error(
				"settlement consumer giving up",
				"component", "settlement",
				"error", err,
			)
			return
		}
	}
}

func (c *Consumer) handleDelivery(msg amqp.Delivery) {
	c.metrics.messagesTotal.Inc()
	err := c.handleMessage(context.Background(), msg.Body)
	if err == nil {
		if err := msg.Ack(false); err != nil {
			c.logger.Warn(
				"failed to ack settlement message",
				"component", "settlement",
				"error", err,
			)
		}
		return
	}
	requeue := !isPermanent(err)
	if requeue {
		c.metrics.requeuesTotal.Inc()
	} else {
		c.metrics.dropsTotal.Inc()
	}
	c.logger.Error(
		"failed to handle settlement message",
		"component", "settlement",
		"requeue", requeue,
		"error", err,
	)
	if err := msg.Nack(false, requeue); err != nil {
		c.logger.Warn(
			"failed to nack settlement message",
			"component", "settlement",
			"error", err,
		)
	}
}

// isPermanent reports whether retrying the message can never succeed
func isPermanent(err error) bool {
	return errors.Is(err, errBadMessage) ||
		errors.Is(err, models.ErrContributionNotFound) ||
		errors.Is(err, admission.ErrIllegalTransition)
}

func (c *Consumer) handleMessage(ctx context.Context, body []byte) error {
	var msg settlementMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("%w: %w", errBadMessage, err)
	}
	if msg.ContributionID == 0 {
		return fmt.Errorf("%w: missing contribution_id", errBadMessage)
	}
	switch msg.Status {
	case "confirmed":
		_, err := c.admission.ConfirmSettlement(
			ctx,
			msg.ContributionID,
			msg.TxHash,
			msg.BlockHeight,
		)
		return err
	case "failed":
		reason := msg.Reason
		if reason == "" {
			reason = "settlement failed"
		}
		_, err := c.admission.FailSettlement(ctx, msg.ContributionID, reason)
		return err
	case "refunded":
		_, err := c.admission.Refund(ctx, msg.ContributionID, msg.Reference)
		return err
	default:
		return fmt.Errorf(
			"%w: unknown status %q",
			errBadMessage,
			msg.Status,
		)
	}
}
