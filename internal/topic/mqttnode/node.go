// Package mqttnode runs the topic middleware over an MQTT broker. Latched
// channels map to retained messages; deliveries are queued by the paho
// callbacks and handed to handlers only from SpinOnce.
package mqttnode

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	logs "github.com/danmuck/tensorbridge/internal/logging"
	"github.com/danmuck/tensorbridge/internal/protocol"
	"github.com/danmuck/tensorbridge/internal/topic"
)

var ErrClosed = errors.New("mqttnode: node closed")

type Config struct {
	Broker         string
	ClientID       string
	TopicPrefix    string
	QoS            byte
	ConnectTimeout time.Duration
	// OpTimeout bounds each publish, subscribe and unsubscribe round trip.
	OpTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Broker:         "tcp://127.0.0.1:1883",
		TopicPrefix:    "tensorbridge",
		QoS:            1,
		ConnectTimeout: 5 * time.Second,
		OpTimeout:      2 * time.Second,
	}
}

func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if strings.TrimSpace(c.Broker) == "" {
		c.Broker = d.Broker
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = d.OpTimeout
	}
	if c.QoS > 2 {
		c.QoS = d.QoS
	}
	c.TopicPrefix = strings.Trim(c.TopicPrefix, "/")
	return c
}

// Node is a topic.Node backed by one MQTT client connection.
type Node struct {
	name   string
	cfg    Config
	client mqtt.Client
	notify chan struct{}

	mu     sync.Mutex
	subs   []*subscription
	closed bool
}

// Dial connects to the broker and returns a ready node.
func Dial(name string, cfg Config) (*Node, error) {
	cfg = cfg.WithDefaults()
	// Client ids must be unique per connection, so a configured id is
	// suffixed with the node name.
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("%s-%s", name, uuid.NewString())
	} else {
		cfg.ClientID = fmt.Sprintf("%s-%s", cfg.ClientID, name)
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetOrderMatters(false)
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logs.Warnf("mqttnode.Dial connection lost node=%s broker=%s err=%v", name, cfg.Broker, err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("%w: mqtt connect to %s timed out", protocol.ErrUnavailable, cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: mqtt connect to %s: %w", protocol.ErrUnavailable, cfg.Broker, err)
	}
	logs.Infof("mqttnode.Dial node=%s broker=%s client_id=%s", name, cfg.Broker, cfg.ClientID)
	return New(name, client, cfg), nil
}

// New wraps an already connected client.
func New(name string, client mqtt.Client, cfg Config) *Node {
	return &Node{
		name:   name,
		cfg:    cfg.WithDefaults(),
		client: client,
		notify: make(chan struct{}, 1),
	}
}

func (n *Node) Name() string { return n.name }

func (n *Node) topicFor(channel string) string {
	channel = strings.Trim(channel, "/")
	if n.cfg.TopicPrefix == "" {
		return channel
	}
	return n.cfg.TopicPrefix + "/" + channel
}

func (n *Node) wait(op string, token mqtt.Token) error {
	if !token.WaitTimeout(n.cfg.OpTimeout) {
		return fmt.Errorf("%w: mqtt %s timed out", protocol.ErrUnavailable, op)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt %s: %w", op, err)
	}
	return nil
}

func (n *Node) isClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

type channel struct {
	node    *Node
	topic   string
	retain  bool
	closeMu sync.Mutex
	closed  bool
}

func (n *Node) Advertise(name string, qos topic.QoS) (topic.Channel, error) {
	if n.isClosed() {
		return nil, ErrClosed
	}
	return &channel{node: n, topic: n.topicFor(name), retain: qos.Latched}, nil
}

func (c *channel) Publish(payload []byte) error {
	c.closeMu.Lock()
	closed := c.closed
	c.closeMu.Unlock()
	if closed || c.node.isClosed() {
		return fmt.Errorf("%w: %w", protocol.ErrShutdown, ErrClosed)
	}
	return c.node.wait("publish "+c.topic, c.node.client.Publish(c.topic, c.node.cfg.QoS, c.retain, payload))
}

func (c *channel) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	c.closed = true
	return nil
}

type subscription struct {
	node    *Node
	topic   string
	handler topic.Handler
	inbox   *inbox
	once    sync.Once
}

func (n *Node) Subscribe(name string, qos topic.QoS, h topic.Handler) (topic.Subscription, error) {
	if h == nil {
		return nil, fmt.Errorf("mqttnode: nil handler for %s", name)
	}
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil, ErrClosed
	}
	s := &subscription{node: n, topic: n.topicFor(name), handler: h, inbox: newInbox(qos.Depth)}
	n.subs = append(n.subs, s)
	n.mu.Unlock()

	token := n.client.Subscribe(s.topic, n.cfg.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		s.inbox.push(msg.Payload())
		n.wake()
	})
	if err := n.wait("subscribe "+s.topic, token); err != nil {
		n.remove(s)
		return nil, err
	}
	logs.Debugf("mqttnode.Subscribe node=%s topic=%s depth=%d", n.name, s.topic, qos.Depth)
	return s, nil
}

func (n *Node) wake() {
	select {
	case n.notify <- struct{}{}:
	default:
	}
}

func (n *Node) remove(s *subscription) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, cur := range n.subs {
		if cur == s {
			n.subs = append(n.subs[:i], n.subs[i+1:]...)
			return
		}
	}
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		s.node.remove(s)
		s.inbox.close()
		if !s.node.isClosed() {
			err = s.node.wait("unsubscribe "+s.topic, s.node.client.Unsubscribe(s.topic))
		}
	})
	return err
}

type delivery struct {
	handler topic.Handler
	payload []byte
}

func (n *Node) drain() ([]delivery, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, fmt.Errorf("%w: %w", protocol.ErrShutdown, ErrClosed)
	}
	var out []delivery
	for _, s := range n.subs {
		for _, msg := range s.inbox.take() {
			out = append(out, delivery{handler: s.handler, payload: msg})
		}
	}
	return out, nil
}

func (n *Node) SpinOnce(timeout time.Duration) error {
	batch, err := n.drain()
	if err != nil {
		return err
	}
	if len(batch) == 0 && timeout > 0 {
		timer := time.NewTimer(timeout)
		select {
		case <-n.notify:
		case <-timer.C:
		}
		timer.Stop()
		if batch, err = n.drain(); err != nil {
			return err
		}
	}
	for _, d := range batch {
		if err := d.handler(d.payload); err != nil {
			return err
		}
	}
	return nil
}

// Close unsubscribes everything and disconnects. Safe to call more than once.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	subs := n.subs
	n.subs = nil
	n.mu.Unlock()

	var topics []string
	for _, s := range subs {
		s.inbox.close()
		topics = append(topics, s.topic)
	}
	var err error
	if len(topics) > 0 {
		err = n.wait("unsubscribe", n.client.Unsubscribe(topics...))
	}

	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	n.client.Disconnect(250)
	logs.Infof("mqttnode.Close node=%s", n.name)
	return err
}
