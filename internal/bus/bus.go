// Package bus abstracts the message transport used for instance
// coordination. The memory transport backs tests and single-node runs;
// the redis transport backs production clusters. Publishers receive
// their own messages on both transports, so handlers filter by
// instance_id where that matters.
package bus

import (
	"context"
	"time"
)

// Coordination topics
const (
	TopicInstanceRegister  = "instance_register"
	TopicHeartbeat         = "heartbeat"
	TopicVoteRequest       = "vote_request"
	TopicVoteResponse      = "vote_response"
	TopicDecisionBroadcast = "decision_broadcast"
)

// Message is a single bus message. Payload values are JSON-compatible;
// timestamps travel as RFC3339 strings.
type Message struct {
	Topic     string                 `json:"topic"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp time.Time              `json:"timestamp"`
}

// Handler consumes messages for a subscribed topic.
type Handler func(Message)

// Bus is the transport contract.
type Bus interface {
	Publish(ctx context.Context, topic string, payload map[string]interface{}) error
	Subscribe(topic string, handler Handler)
	Close() error
}
