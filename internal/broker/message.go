// Package broker consumes judge tasks from the platform's Celery queue on
// Redis. The message format follows Celery protocol v2 and the Redis
// transport's unacked bookkeeping, so the worker is a drop-in replacement
// for the legacy consumer.
package broker

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/openhj/judger/internal/judge"
)

// wire layout of one queue entry
type wireMessage struct {
	Body            string         `json:"body"`
	ContentEncoding string         `json:"content-encoding"`
	ContentType     string         `json:"content-type"`
	Headers         wireHeaders    `json:"headers"`
	Properties      wireProperties `json:"properties"`
}

type wireHeaders struct {
	Task    string `json:"task"`
	ID      string `json:"id"`
	Retries int    `json:"retries"`
}

type wireProperties struct {
	DeliveryTag  string           `json:"delivery_tag"`
	BodyEncoding string           `json:"body_encoding"`
	DeliveryInfo wireDeliveryInfo `json:"delivery_info"`
}

type wireDeliveryInfo struct {
	Exchange   string `json:"exchange"`
	RoutingKey string `json:"routing_key"`
}

// Message is a decoded task invocation.
type Message struct {
	TaskName string
	TaskID   string
	Tag      string
	Args     []json.RawMessage
	Kwargs   map[string]json.RawMessage
}

// decode parses a raw queue entry. Malformed entries yield a
// judge.ProtocolError and are rejected, never retried.
func decode(raw []byte) (*Message, error) {
	var wm wireMessage
	if err := json.Unmarshal(raw, &wm); err != nil {
		return nil, &judge.ProtocolError{Reason: fmt.Sprintf("invalid message json: %v", err)}
	}
	if wm.Headers.Task == "" {
		return nil, &judge.ProtocolError{Reason: "missing task name header"}
	}
	if wm.Properties.DeliveryTag == "" {
		return nil, &judge.ProtocolError{Reason: "missing delivery tag"}
	}

	body := []byte(wm.Body)
	if wm.Properties.BodyEncoding == "base64" || wm.Properties.BodyEncoding == "" {
		decoded, err := base64.StdEncoding.DecodeString(wm.Body)
		if err != nil {
			return nil, &judge.ProtocolError{Reason: fmt.Sprintf("invalid base64 body: %v", err)}
		}
		body = decoded
	}

	// protocol v2 body: [args, kwargs, embed]
	var parts []json.RawMessage
	if err := json.Unmarshal(body, &parts); err != nil {
		return nil, &judge.ProtocolError{Reason: fmt.Sprintf("invalid body: %v", err)}
	}
	if len(parts) < 2 {
		return nil, &judge.ProtocolError{Reason: fmt.Sprintf("body has %d elements, want at least 2", len(parts))}
	}
	msg := &Message{
		TaskName: wm.Headers.Task,
		TaskID:   wm.Headers.ID,
		Tag:      wm.Properties.DeliveryTag,
		Kwargs:   map[string]json.RawMessage{},
	}
	if err := json.Unmarshal(parts[0], &msg.Args); err != nil {
		return nil, &judge.ProtocolError{Reason: fmt.Sprintf("invalid args: %v", err)}
	}
	if err := json.Unmarshal(parts[1], &msg.Kwargs); err != nil {
		return nil, &judge.ProtocolError{Reason: fmt.Sprintf("invalid kwargs: %v", err)}
	}
	return msg, nil
}

// Arg unmarshals the i-th positional argument, falling back to the kwarg
// called name. Senders differ on which form they use.
func (m *Message) Arg(i int, name string, v any) error {
	var raw json.RawMessage
	if i < len(m.Args) {
		raw = m.Args[i]
	} else if kw, ok := m.Kwargs[name]; ok {
		raw = kw
	} else {
		return &judge.ProtocolError{Reason: fmt.Sprintf("missing argument %q (position %d)", name, i)}
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &judge.ProtocolError{Reason: fmt.Sprintf("invalid argument %q: %v", name, err)}
	}
	return nil
}
