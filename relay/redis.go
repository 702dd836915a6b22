// Package relay carries draw events between server instances over redis
// pub/sub so that members of one room connected to different instances
// still see each other.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	channelPrefix = "room:"
	typeDraw      = "draw"

	// DefaultQueueSize bounds the events waiting to be published.
	DefaultQueueSize = 1024
)

// Message is the envelope published on a room channel.
type Message struct {
	Type       string          `json:"type"`
	DocumentID string          `json:"document_id"`
	Data       json.RawMessage `json:"data"`
	Origin     string          `json:"origin"`
}

// DeliverFunc hands an event from another instance to local room members.
type DeliverFunc func(documentID string, payload json.RawMessage)

type Redis struct {
	client *redis.Client
	origin string
	queue  chan Message
}

// NewRedis creates a relay. origin identifies this instance; messages it
// published itself are ignored on receipt.
func NewRedis(client *redis.Client, origin string, queueSize int) *Redis {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Redis{
		client: client,
		origin: origin,
		queue:  make(chan Message, queueSize),
	}
}

// NewClient connects to redis and checks the connection.
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", addr, err)
	}
	return client, nil
}

func channelFor(documentID string) string {
	return channelPrefix + documentID
}

// Publish queues a draw event for other instances. It never blocks; when
// the queue is full the event is dropped.
func (r *Redis) Publish(documentID string, payload json.RawMessage) {
	msg := Message{Type: typeDraw, DocumentID: documentID, Data: payload, Origin: r.origin}
	select {
	case r.queue <- msg:
	default:
		logrus.WithField("document_id", documentID).Warn("Relay queue full, dropping draw event")
	}
}

// Run publishes queued events and delivers events from other instances
// until ctx is done.
func (r *Redis) Run(ctx context.Context, deliver DeliverFunc) error {
	pubsub := r.client.PSubscribe(ctx, channelPrefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to room channels: %w", err)
	}
	logrus.WithField("origin", r.origin).Info("Relay subscribed to room channels")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case msg := <-r.queue:
				r.send(ctx, msg)
			}
		}
	})
	g.Go(func() error {
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return nil
			case m, ok := <-ch:
				if !ok {
					return nil
				}
				r.handle(m.Channel, m.Payload, deliver)
			}
		}
	})
	return g.Wait()
}

func (r *Redis) send(ctx context.Context, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		logrus.WithError(err).Error("Failed to encode relay message")
		return
	}
	if err := r.client.Publish(ctx, channelFor(msg.DocumentID), data).Err(); err != nil && !errors.Is(err, context.Canceled) {
		logrus.WithField("document_id", msg.DocumentID).WithError(err).Warn("Failed to publish to redis")
	}
}

func (r *Redis) handle(channel, payload string, deliver DeliverFunc) {
	msg, ok := r.decode(channel, payload)
	if !ok {
		return
	}
	deliver(msg.DocumentID, msg.Data)
}

// decode parses an envelope and reports whether it should be delivered
// locally.
func (r *Redis) decode(channel, payload string) (Message, bool) {
	var msg Message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		logrus.WithField("channel", channel).WithError(err).Error("Failed to unmarshal redis message")
		return msg, false
	}
	if msg.Origin == r.origin || msg.Type != typeDraw {
		return msg, false
	}
	if documentID := strings.TrimPrefix(channel, channelPrefix); documentID != msg.DocumentID {
		logrus.WithFields(logrus.Fields{"channel": channel, "document_id": msg.DocumentID}).
			Warn("Relay message does not match its channel")
		return msg, false
	}
	return msg, true
}
