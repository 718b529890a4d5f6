package bus

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// MQTTConfig configures the MQTT bus client.
type MQTTConfig struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	KeepAlive      uint16
	ConnectTimeout time.Duration
}

// MQTTBus adapts MQTT 5 to the Bus interface. The partition key is
// appended as a topic segment, so per-key ordering rides on MQTT
// per-topic ordering, and QoS 1 provides at-least-once delivery.
type MQTTBus struct {
	cfg    MQTTConfig
	cm     *autopaho.ConnectionManager
	logger *log.Logger

	mu       sync.RWMutex
	handlers map[string]Handler // topic prefix -> handler
	filters  map[string]string  // topic prefix -> subscription filter
}

// NewMQTTBus constructs an MQTT bus client. Start must be called before
// publishing or subscribing.
func NewMQTTBus(cfg MQTTConfig, logger *log.Logger) (*MQTTBus, error) {
	if cfg.BrokerURL == "" {
		return nil, errors.New("bus: empty broker url")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("bus: empty client id")
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = 30
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &MQTTBus{
		cfg:      cfg,
		logger:   logger,
		handlers: make(map[string]Handler),
		filters:  make(map[string]string),
	}, nil
}

// Start opens the connection and keeps it alive, re-subscribing after
// every reconnect. Non-blocking; delivery begins once the broker
// accepts the connection.
func (b *MQTTBus) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(b.cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("bus: invalid broker url: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:       []*url.URL{brokerURL},
		KeepAlive:        b.cfg.KeepAlive,
		ConnectTimeout:   b.cfg.ConnectTimeout,
		ReconnectBackoff: autopaho.NewConstantBackoff(3 * time.Second),
		ConnectUsername:  b.cfg.Username,
		ConnectPassword:  []byte(b.cfg.Password),
		OnConnectionUp:   b.onConnectionUp,
		OnConnectError: func(err error) {
			b.logger.Printf("mqtt connect error: %v", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: b.cfg.ClientID,
			OnClientError: func(err error) {
				b.logger.Printf("mqtt client error: %v", err)
			},
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				b.route,
			},
		},
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return err
	}
	b.cm = cm
	return nil
}

// AwaitConnection blocks until connected or the context ends.
func (b *MQTTBus) AwaitConnection(ctx context.Context) error {
	if b.cm == nil {
		return errors.New("bus: not started")
	}
	return b.cm.AwaitConnection(ctx)
}

// Close disconnects cleanly.
func (b *MQTTBus) Close(ctx context.Context) error {
	if b.cm == nil {
		return nil
	}
	return b.cm.Disconnect(ctx)
}

// Publish sends the payload at QoS 1 on topic/key.
func (b *MQTTBus) Publish(ctx context.Context, topic, key string, payload []byte) error {
	if b.cm == nil {
		return errors.New("bus: not started")
	}
	if topic == "" {
		return ErrNoTopic
	}
	full := topic
	if key != "" {
		full = topic + "/" + key
	}
	_, err := b.cm.Publish(ctx, &paho.Publish{
		Topic:   full,
		QoS:     1,
		Payload: payload,
	})
	return err
}

// Subscribe registers a handler for topic/# at QoS 1. When group is
// set, an MQTT 5 shared subscription spreads the topic across group
// members; note that sharing trades away per-key ordering, so the
// reconciler runs with an empty group.
func (b *MQTTBus) Subscribe(ctx context.Context, topic, group string, handler Handler) error {
	if b.cm == nil {
		return errors.New("bus: not started")
	}
	if topic == "" {
		return ErrNoTopic
	}
	if handler == nil {
		return errors.New("bus: nil handler")
	}

	// Multi-level wildcard: partition keys may themselves contain "/"
	// (device addresses like edge/cp-1), so a single-level "+" filter
	// would miss them.
	filter := topic + "/#"
	if group != "" {
		filter = "$share/" + group + "/" + filter
	}

	b.mu.Lock()
	b.handlers[topic] = handler
	b.filters[topic] = filter
	b.mu.Unlock()
	_, err := b.cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{
			{Topic: filter, QoS: 1},
		},
	})
	if err != nil {
		return fmt.Errorf("bus: subscribe %s: %w", filter, err)
	}
	return nil
}

func (b *MQTTBus) onConnectionUp(cm *autopaho.ConnectionManager, _ *paho.Connack) {
	b.mu.RLock()
	filters := make([]string, 0, len(b.filters))
	for _, filter := range b.filters {
		filters = append(filters, filter)
	}
	b.mu.RUnlock()

	for _, filter := range filters {
		if _, err := cm.Subscribe(context.Background(), &paho.Subscribe{
			Subscriptions: []paho.SubscribeOptions{
				{Topic: filter, QoS: 1},
			},
		}); err != nil {
			b.logger.Printf("mqtt re-subscribe %s error: %v", filter, err)
		}
	}
}

// route dispatches an inbound publish to the matching handler. Handlers
// run inline so per-topic delivery order is preserved.
func (b *MQTTBus) route(p paho.PublishReceived) (bool, error) {
	b.mu.RLock()
	topic, key, handler := b.match(p.Packet.Topic)
	b.mu.RUnlock()
	if handler == nil {
		return false, nil
	}

	msg := Message{Topic: topic, Key: key, Payload: p.Packet.Payload}
	if err := handler(context.Background(), msg); err != nil {
		b.logger.Printf("mqtt handler error topic=%s key=%s: %v", topic, key, err)
	}
	return true, nil
}

// match resolves an inbound MQTT topic against the registered topic
// prefixes. The remainder after the prefix is the partition key, which
// may span several segments. Caller holds b.mu.
func (b *MQTTBus) match(full string) (topic, key string, handler Handler) {
	if h, ok := b.handlers[full]; ok {
		return full, "", h
	}
	for registered, h := range b.handlers {
		if strings.HasPrefix(full, registered+"/") {
			return registered, full[len(registered)+1:], h
		}
	}
	return "", "", nil
}
