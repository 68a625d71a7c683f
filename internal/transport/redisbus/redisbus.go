// Package redisbus implements the transport for a co-located exchange over
// Redis pub/sub. Payloads match the connected session byte for byte; only
// the channel scheme is transport-specific.
package redisbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"em-agg-sdk/internal/errs"
	"em-agg-sdk/internal/metrics"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultRequestTimeout = 120 * time.Second

type Bus struct {
	rdb            *redis.Client
	log            *zap.Logger
	metrics        *metrics.Metrics
	requestTimeout time.Duration
}

func New(url string, log *zap.Logger, m *metrics.Metrics) (*Bus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("%w: redis url: %v", errs.ErrTransport, err)
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Bus{
		rdb:            redis.NewClient(opts),
		log:            log,
		metrics:        m,
		requestTimeout: defaultRequestTimeout,
	}, nil
}

func (b *Bus) Open(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: redis ping: %v", errs.ErrTransport, err)
	}
	return nil
}

// Run subscribes the aggregator's event and response channels and pumps
// every payload into the handler.
func (b *Bus) Run(ctx context.Context, sessionID string, handler func(json.RawMessage)) error {
	sub := b.rdb.PSubscribe(ctx,
		"aggregator_response",
		"external-aggregator/*/"+sessionID+"/events/all",
		"external-aggregator/*/"+sessionID+"/response/batch_commands",
	)
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("%w: redis subscription closed", errs.ErrTransport)
			}
			if handler != nil {
				handler(json.RawMessage(msg.Payload))
			}
		}
	}
}

// Request publishes one command and waits on the matching response channel
// for the payload carrying the same transaction id.
func (b *Bus) Request(ctx context.Context, areaID, endpoint string, payload map[string]any) (json.RawMessage, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	transactionID, _ := payload["transaction_id"].(string)
	if transactionID == "" {
		transactionID = uuid.NewString()
		payload["transaction_id"] = transactionID
	}
	requestChannel, responseChannel := channelPair(areaID, endpoint)

	sub := b.rdb.Subscribe(ctx, responseChannel)
	defer sub.Close()
	// Force the SUBSCRIBE onto the wire before publishing so the response
	// cannot slip past us.
	if _, err := sub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("%w: subscribe %s: %v", errs.ErrTransport, responseChannel, err)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	if err := b.rdb.Publish(ctx, requestChannel, data).Err(); err != nil {
		return nil, fmt.Errorf("%w: publish %s: %v", errs.ErrTransport, requestChannel, err)
	}

	// Callers with their own deadline (registration waits much longer)
	// override the default request timeout.
	timeout := b.requestTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", errs.ErrTransport, ctx.Err())
		case <-timer.C:
			b.metrics.CommandTimeouts.Inc()
			return nil, fmt.Errorf("%w: no response on %s for transaction %s", errs.ErrTimeout, responseChannel, transactionID)
		case msg, ok := <-ch:
			if !ok {
				return nil, fmt.Errorf("%w: redis subscription closed", errs.ErrTransport)
			}
			var head struct {
				TransactionID string `json:"transaction_id"`
			}
			if err := json.Unmarshal([]byte(msg.Payload), &head); err != nil {
				if b.log != nil {
					b.log.Warn("malformed response payload", zap.String("channel", responseChannel), zap.Error(err))
				}
				continue
			}
			if head.TransactionID != transactionID {
				continue
			}
			return json.RawMessage(msg.Payload), nil
		}
	}
}

func channelPair(areaID, endpoint string) (request, response string) {
	if areaID == "" {
		return "aggregator", "aggregator_response"
	}
	return areaID + "/" + endpoint, areaID + "/response/" + endpoint
}

// SendBatch publishes the rendered batch on the aggregator command channel.
func (b *Bus) SendBatch(ctx context.Context, aggregatorID string, payload []byte) error {
	channel := "external//aggregator/" + aggregatorID + "/batch_commands"
	if err := b.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("%w: publish %s: %v", errs.ErrTransport, channel, err)
	}
	return nil
}

func (b *Bus) Close() error {
	return b.rdb.Close()
}
