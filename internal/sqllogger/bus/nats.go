package bus

import (
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/armadaproject/sqllogger/internal/common/armadaerrors"
	"github.com/armadaproject/sqllogger/internal/sqllogger/configuration"
)

const (
	SenderIdHeader = "Sender-Id"
	RetainHeader   = "Retain"
)

// NatsSubscriber subscribes to MQTT style topic filters over a NATS connection. Topic levels map to subject
// tokens, so plant/line1/temp is delivered from the subject plant.line1.temp.
type NatsSubscriber struct {
	mutex         sync.Mutex
	conn          *nats.Conn
	subscriptions map[subscriptionKey][]*nats.Subscription
}

type subscriptionKey struct {
	subscriberID string
	filter       string
}

// ConnectNats connects to the NATS servers in cfg.Url, a comma separated list. The connection reconnects on its own.
func ConnectNats(cfg configuration.BusConfig) (*NatsSubscriber, error) {
	opts := []nats.Option{
		nats.Name(cfg.ClientName),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("Disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Infof("Reconnected to NATS at %s", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			log.WithError(err).Errorf("NATS error on subscription %q", subject)
		}),
	}
	if cfg.MaxReconnects != 0 {
		opts = append(opts, nats.MaxReconnects(cfg.MaxReconnects))
	}
	if cfg.ReconnectWait > 0 {
		opts = append(opts, nats.ReconnectWait(cfg.ReconnectWait))
	}
	conn, err := nats.Connect(cfg.Url, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to NATS at %s", cfg.Url)
	}
	return &NatsSubscriber{conn: conn, subscriptions: map[subscriptionKey][]*nats.Subscription{}}, nil
}

// Subscribe delivers messages matching topicFilter to onMessage. NATS has no delivery guarantees of its own, so qos
// is only reported back on each message.
func (s *NatsSubscriber) Subscribe(subscriberID, topicFilter string, qos byte, onMessage Handler) error {
	if !ValidFilter(topicFilter) || strings.Contains(topicFilter, ".") {
		return errors.WithStack(&armadaerrors.ErrInvalidArgument{
			Name:    "topicFilter",
			Value:   topicFilter,
			Message: "not a valid topic filter",
		})
	}
	key := subscriptionKey{subscriberID: subscriberID, filter: topicFilter}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, ok := s.subscriptions[key]; ok {
		return nil
	}
	handler := func(m *nats.Msg) {
		topic := subjectToTopic(m.Subject)
		if !TopicMatches(topicFilter, topic) {
			return
		}
		onMessage(&Message{
			Topic:    topic,
			Payload:  m.Data,
			QoS:      qos,
			Retain:   m.Header.Get(RetainHeader) == "true",
			SenderID: m.Header.Get(SenderIdHeader),
		})
	}
	var subs []*nats.Subscription
	for _, subject := range filterToSubjects(topicFilter) {
		sub, err := s.conn.Subscribe(subject, handler)
		if err != nil {
			unsubscribeAll(subs)
			return errors.Wrapf(err, "subscribing to %s", subject)
		}
		subs = append(subs, sub)
	}
	s.subscriptions[key] = subs
	log.Infof("Subscriber %s subscribed to %s", subscriberID, topicFilter)
	return nil
}

func (s *NatsSubscriber) Unsubscribe(subscriberID, topicFilter string) error {
	key := subscriptionKey{subscriberID: subscriberID, filter: topicFilter}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	subs, ok := s.subscriptions[key]
	if !ok {
		return nil
	}
	delete(s.subscriptions, key)
	return unsubscribeAll(subs)
}

// Flush waits until the server has processed every subscription made so far.
func (s *NatsSubscriber) Flush(timeout time.Duration) error {
	return errors.WithStack(s.conn.FlushTimeout(timeout))
}

// Close drains the connection, delivering messages already received before it closes.
func (s *NatsSubscriber) Close() error {
	s.mutex.Lock()
	s.subscriptions = map[subscriptionKey][]*nats.Subscription{}
	s.mutex.Unlock()
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
		return errors.WithStack(err)
	}
	return nil
}

func unsubscribeAll(subs []*nats.Subscription) error {
	var result error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && result == nil {
			result = errors.WithStack(err)
		}
	}
	return result
}

// filterToSubjects translates a topic filter into NATS subjects. A trailing '#' also matches its parent level,
// which needs a second subject in NATS.
func filterToSubjects(filter string) []string {
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch level {
		case "+":
			levels[i] = "*"
		case "#":
			levels[i] = ">"
		}
	}
	subject := strings.Join(levels, ".")
	if len(levels) > 1 && levels[len(levels)-1] == ">" {
		return []string{strings.Join(levels[:len(levels)-1], "."), subject}
	}
	return []string{subject}
}

func subjectToTopic(subject string) string {
	return strings.ReplaceAll(subject, ".", "/")
}
