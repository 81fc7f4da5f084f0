// Package bus connects pipelines to the message bus. Topics and filters use MQTT conventions: levels are separated
// by '/', '+' matches exactly one level and '#', only valid as the last level, matches any number of remaining
// levels including none.
package bus

import "strings"

// Message is one delivery from the bus.
type Message struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retain   bool
	SenderID string
}

// Handler receives messages synchronously on the bus client's delivery goroutine and must not block.
type Handler func(msg *Message)

type Subscriber interface {
	Subscribe(subscriberID, topicFilter string, qos byte, onMessage Handler) error
	Unsubscribe(subscriberID, topicFilter string) error
	Close() error
}

// ValidFilter reports whether filter is a well formed topic filter.
func ValidFilter(filter string) bool {
	if filter == "" {
		return false
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch {
		case level == "#":
			if i != len(levels)-1 {
				return false
			}
		case level == "+":
		case level == "", strings.ContainsAny(level, "+#"):
			return false
		}
	}
	return true
}

// TopicMatches reports whether topic is selected by filter.
func TopicMatches(filter, topic string) bool {
	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")
	for i, level := range f {
		if level == "#" {
			return true
		}
		if i >= len(t) {
			return false
		}
		if level != "+" && level != t[i] {
			return false
		}
	}
	return len(f) == len(t)
}
