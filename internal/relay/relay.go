// Package relay fans envelopes between server instances over Redis
// pub/sub so that users connected to different instances still see each
// other's document events.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/creditpath/realtime/internal/protocol"
)

// Config holds Redis relay settings.
type Config struct {
	// URL is a redis:// connection URL.
	URL string

	// ServerID identifies this instance. Messages it published are
	// skipped on receipt so events are not delivered twice.
	ServerID string

	// ChannelPrefix namespaces all relay channels.
	ChannelPrefix string

	MaxRetries int
}

// DefaultConfig returns relay defaults; URL and ServerID must be set by
// the caller.
func DefaultConfig() *Config {
	return &Config{
		ChannelPrefix: "creditpath:",
		MaxRetries:    3,
	}
}

// EnvelopeHandler receives envelopes relayed from other instances.
type EnvelopeHandler func(env *protocol.Envelope)

// PresenceHandler receives instance online/offline events.
type PresenceHandler func(event, serverID string, metadata map[string]interface{})

// message is the wire format on relay channels.
type message struct {
	ServerID string             `json:"serverId"`
	Envelope *protocol.Envelope `json:"envelope"`
}

// presenceEvent announces an instance coming up or going down.
type presenceEvent struct {
	Type      string                 `json:"type"`
	ServerID  string                 `json:"serverId"`
	Timestamp int64                  `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Relay is a Redis-backed cross-instance event bus. It keeps separate
// publisher and subscriber clients because a Redis connection in
// subscribe mode cannot issue other commands.
type Relay struct {
	cfg    *Config
	logger *zap.Logger

	publisher  *redis.Client
	subscriber *redis.Client

	mu        sync.Mutex
	connected bool
	pubsubs   map[string]*redis.PubSub
}

// New creates an unconnected relay.
func New(cfg *Config, logger *zap.Logger) (*Relay, error) {
	if cfg == nil {
		return nil, fmt.Errorf("relay: config is required")
	}
	if cfg.ServerID == "" {
		return nil, fmt.Errorf("relay: server ID is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("relay: parse Redis URL: %w", err)
	}
	opt.MaxRetries = cfg.MaxRetries

	return &Relay{
		cfg:        cfg,
		logger:     logger,
		publisher:  redis.NewClient(opt),
		subscriber: redis.NewClient(opt),
		pubsubs:    make(map[string]*redis.PubSub),
	}, nil
}

// Connect verifies both Redis connections and announces this instance.
func (r *Relay) Connect(ctx context.Context) error {
	if err := r.publisher.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("relay: connect publisher: %w", err)
	}
	if err := r.subscriber.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("relay: connect subscriber: %w", err)
	}

	r.mu.Lock()
	r.connected = true
	r.mu.Unlock()

	return r.announce(ctx, "server_online", map[string]interface{}{
		"startedAt": time.Now().UnixMilli(),
	})
}

// Close announces shutdown and tears down all subscriptions.
func (r *Relay) Close(ctx context.Context) error {
	r.announce(ctx, "server_offline", nil)

	r.mu.Lock()
	r.connected = false
	for _, ps := range r.pubsubs {
		ps.Close()
	}
	r.pubsubs = make(map[string]*redis.PubSub)
	r.mu.Unlock()

	r.publisher.Close()
	return r.subscriber.Close()
}

// HealthCheck verifies Redis connectivity.
func (r *Relay) HealthCheck(ctx context.Context) (bool, error) {
	err := r.publisher.Ping(ctx).Err()
	return err == nil, err
}

// PublishDocumentEvent relays a document event to the other instances.
func (r *Relay) PublishDocumentEvent(ctx context.Context, documentID string, env *protocol.Envelope) error {
	return r.publish(ctx, r.documentChannel(documentID), env)
}

// SubscribeToDocument delivers events other instances publish for one
// document.
func (r *Relay) SubscribeToDocument(ctx context.Context, documentID string, handler EnvelopeHandler) error {
	return r.subscribe(ctx, r.documentChannel(documentID), handler)
}

// UnsubscribeFromDocument stops delivery for a document channel.
func (r *Relay) UnsubscribeFromDocument(ctx context.Context, documentID string) error {
	return r.unsubscribe(ctx, r.documentChannel(documentID))
}

// PublishCategory relays a feature-category event to every instance,
// for fan-out to their local subscribers.
func (r *Relay) PublishCategory(ctx context.Context, category string, env *protocol.Envelope) error {
	return r.publish(ctx, r.categoryChannel(category), env)
}

// SubscribeToCategory delivers category events from other instances.
func (r *Relay) SubscribeToCategory(ctx context.Context, category string, handler EnvelopeHandler) error {
	return r.subscribe(ctx, r.categoryChannel(category), handler)
}

// SubscribeToPresence delivers instance online/offline events.
func (r *Relay) SubscribeToPresence(ctx context.Context, handler PresenceHandler) error {
	channel := r.cfg.ChannelPrefix + "presence"

	ps, err := r.open(ctx, channel)
	if err != nil {
		return err
	}
	if ps == nil {
		return nil
	}

	go func() {
		for msg := range ps.Channel() {
			var evt presenceEvent
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				r.logger.Warn("relay: bad presence payload", zap.Error(err))
				continue
			}
			if evt.ServerID == r.cfg.ServerID {
				continue
			}
			switch evt.Type {
			case "server_online":
				handler("online", evt.ServerID, evt.Metadata)
			case "server_offline":
				handler("offline", evt.ServerID, evt.Metadata)
			}
		}
	}()
	return nil
}

func (r *Relay) publish(ctx context.Context, channel string, env *protocol.Envelope) error {
	payload, err := json.Marshal(message{ServerID: r.cfg.ServerID, Envelope: env})
	if err != nil {
		return fmt.Errorf("relay: marshal message: %w", err)
	}
	return r.publisher.Publish(ctx, channel, payload).Err()
}

func (r *Relay) subscribe(ctx context.Context, channel string, handler EnvelopeHandler) error {
	ps, err := r.open(ctx, channel)
	if err != nil {
		return err
	}
	if ps == nil {
		// Already subscribed; one handler per channel keeps routing
		// deterministic.
		return fmt.Errorf("relay: channel %s already subscribed", channel)
	}

	go func() {
		for msg := range ps.Channel() {
			var m message
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				r.logger.Warn("relay: bad payload",
					zap.String("channel", channel),
					zap.Error(err))
				continue
			}
			// Skip our own events; they were already delivered locally.
			if m.ServerID == r.cfg.ServerID || m.Envelope == nil {
				continue
			}
			handler(m.Envelope)
		}
	}()
	return nil
}

// open creates the PubSub for a channel, or returns nil if one exists.
func (r *Relay) open(ctx context.Context, channel string) (*redis.PubSub, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.connected {
		return nil, fmt.Errorf("relay: not connected")
	}
	if _, ok := r.pubsubs[channel]; ok {
		return nil, nil
	}

	ps := r.subscriber.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("relay: subscribe %s: %w", channel, err)
	}
	r.pubsubs[channel] = ps
	return ps, nil
}

func (r *Relay) unsubscribe(ctx context.Context, channel string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ps, ok := r.pubsubs[channel]
	if !ok {
		return nil
	}
	ps.Unsubscribe(ctx, channel)
	ps.Close()
	delete(r.pubsubs, channel)
	return nil
}

func (r *Relay) announce(ctx context.Context, eventType string, metadata map[string]interface{}) error {
	payload, err := json.Marshal(presenceEvent{
		Type:      eventType,
		ServerID:  r.cfg.ServerID,
		Timestamp: time.Now().UnixMilli(),
		Metadata:  metadata,
	})
	if err != nil {
		return err
	}
	return r.publisher.Publish(ctx, r.cfg.ChannelPrefix+"presence", payload).Err()
}

func (r *Relay) documentChannel(documentID string) string {
	return fmt.Sprintf("%sdoc:%s", r.cfg.ChannelPrefix, documentID)
}

func (r *Relay) categoryChannel(category string) string {
	return fmt.Sprintf("%scat:%s", r.cfg.ChannelPrefix, category)
}
