/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package models

import (
	"fmt"
	"time"
)

// EventType names a class of registry mutation announced on the event bus.
type EventType string

const (
	EventAgentUpserted      EventType = "agent.upserted"
	EventAgentRemoved       EventType = "agent.removed"
	EventOwnershipChanged   EventType = "ownership.changed"
	EventConflictDetected   EventType = "conflict.detected"
	EventTransferFailed     EventType = "transfer.failed"
	EventCoordinatorChanged EventType = "coordinator.changed"
)

// Event is one bus delivery. Seq is assigned by the bus and increases
// monotonically so subscribers can detect gaps in their own bookkeeping.
type Event struct {
	Seq     uint64      `json:"seq"`
	Type    EventType   `json:"type"`
	Time    time.Time   `json:"time"`
	Payload interface{} `json:"payload"`
}

// AgentUpsertedPayload carries the post-mutation agent state.
type AgentUpsertedPayload struct {
	Agent   Agent `json:"agent"`
	Created bool  `json:"created"`
}

// AgentRemovedPayload announces an explicit decommission.
type AgentRemovedPayload struct {
	AgentID       string `json:"agent_id"`
	CoordinatorID string `json:"coordinator_id"`
}

// OwnershipChangedPayload announces an applied ownership edge swap.
type OwnershipChangedPayload struct {
	AgentID string `json:"agent_id"`
	From    string `json:"from"`
	To      string `json:"to"`
	Reason  string `json:"reason,omitempty"`
}

// ConflictDetectedPayload carries the resolved conflict record.
type ConflictDetectedPayload struct {
	Record ConflictRecord `json:"record"`
}

// TransferFailedPayload announces a transfer that ended Rejected or
// RolledBack.
type TransferFailedPayload struct {
	AgentID string `json:"agent_id"`
	From    string `json:"from"`
	To      string `json:"to"`
	State   string `json:"state"`
	Reason  string `json:"reason"`
}

// CoordinatorChangedPayload announces coordinator registration or removal.
type CoordinatorChangedPayload struct {
	CoordinatorID string `json:"coordinator_id"`
	Removed       bool   `json:"removed,omitempty"`
}

// CloudEvent is the CloudEvents 1.0 envelope used when bridging bus events
// onto NATS JetStream.
type CloudEvent struct {
	SpecVersion     string      `json:"specversion"`
	ID              string      `json:"id"`
	Source          string      `json:"source"`
	Type            string      `json:"type"`
	DataContentType string      `json:"datacontenttype,omitempty"`
	Subject         string      `json:"subject,omitempty"`
	Time            *time.Time  `json:"time,omitempty"`
	Data            interface{} `json:"data,omitempty"`
}

// NATSConfig configures NATS connectivity for the event bridge.
type NATSConfig struct {
	URL    string `json:"url"`
	Domain string `json:"domain,omitempty"`
}

// Validate ensures the NATS configuration is valid.
func (c *NATSConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("nats url is required")
	}

	return nil
}

// EventsConfig configures the JetStream event bridge.
type EventsConfig struct {
	Enabled       bool       `json:"enabled"`
	StreamName    string     `json:"stream_name"`
	SubjectPrefix string     `json:"subject_prefix"`
	NATS          NATSConfig `json:"nats"`
}

// Validate ensures the events configuration is valid.
func (c *EventsConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.StreamName == "" {
		return fmt.Errorf("events stream_name is required when events are enabled")
	}

	if c.SubjectPrefix == "" {
		return fmt.Errorf("events subject_prefix is required when events are enabled")
	}

	return c.NATS.Validate()
}
