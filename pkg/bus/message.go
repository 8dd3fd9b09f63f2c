// Copyright 2026 © The Fabrica Authors
// SPDX-License-Identifier: Apache-2.0
// Package bus implements the dual-channel communication fabric: the system
// channel (capability registration, discovery, health monitoring) handled by
// the Directory, and the data channel (capability invocation) handled by the
// Router. Both sides append to the interaction log.
package bus

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Channel identifies which side of the bus a message travels on.
type Channel string

const (
	// ChannelSystem carries registration, discovery and health traffic.
	ChannelSystem Channel = "system"

	// ChannelData carries capability-invocation request/response traffic.
	ChannelData Channel = "data"
)

// Message is one unit of bus traffic.
type Message struct {
	ID               string          `json:"id"`
	Channel          Channel         `json:"channel"`
	Sender           string          `json:"sender"`
	TargetCapability string          `json:"target_capability"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	CorrelationID    string          `json:"correlation_id,omitempty"`
	CreatedTS        time.Time       `json:"created_ts"`
}

// NewMessage builds a message with an assigned id and timestamp.
func NewMessage(channel Channel, sender, targetCapability string, payload json.RawMessage) Message {
	return Message{
		ID:               uuid.NewString(),
		Channel:          channel,
		Sender:           sender,
		TargetCapability: targetCapability,
		Payload:          payload,
		CreatedTS:        time.Now().UTC(),
	}
}
