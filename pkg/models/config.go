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
	"encoding/json"
	"fmt"
	"time"
)

// Duration wraps time.Duration so configs can say "5m" instead of
// nanosecond counts.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	switch v := raw.(type) {
	case float64:
		*d = Duration(time.Duration(v))
		return nil
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}

		*d = Duration(parsed)

		return nil
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// RegistryConfig holds the Device Registry tunables.
type RegistryConfig struct {
	// LivenessTimeout is how long past last_seen an agent stays online.
	// Device heartbeats arrive every 15-60s; the default leaves margin.
	LivenessTimeout Duration `json:"liveness_timeout"`
	// SweepInterval is the cadence of the liveness sweeper.
	SweepInterval Duration `json:"sweep_interval"`
	// ConflictRetention bounds how long resolved conflicts are kept.
	ConflictRetention Duration `json:"conflict_retention"`
}

// Validate applies defaults and checks the registry configuration.
func (c *RegistryConfig) Validate() error {
	if c.LivenessTimeout <= 0 {
		c.LivenessTimeout = Duration(5 * time.Minute)
	}

	if c.SweepInterval <= 0 {
		c.SweepInterval = Duration(30 * time.Second)
	}

	if c.ConflictRetention <= 0 {
		c.ConflictRetention = Duration(time.Hour)
	}

	return nil
}

// TransferConfig holds the Ownership Transfer Protocol tunables.
type TransferConfig struct {
	// AckTimeout bounds each participant acknowledgement attempt.
	AckTimeout Duration `json:"ack_timeout"`
	// MaxAttempts bounds acknowledgement retries before rollback.
	MaxAttempts int `json:"max_attempts"`
	// BackoffBase is the first retry delay; it doubles per attempt.
	BackoffBase Duration `json:"backoff_base"`
	// QueueDepth bounds queued transfers per agent.
	QueueDepth int `json:"queue_depth"`
	// CoordinatorCapacity caps agents per coordinator; 0 is unlimited.
	CoordinatorCapacity int `json:"coordinator_capacity"`
	// RootOverridesCapacity lets top-level-initiated transfers bypass the
	// destination capacity policy.
	RootOverridesCapacity *bool `json:"root_overrides_capacity,omitempty"`
}

// Validate applies defaults and checks the transfer configuration.
func (c *TransferConfig) Validate() error {
	if c.AckTimeout <= 0 {
		c.AckTimeout = Duration(5 * time.Second)
	}

	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}

	if c.BackoffBase <= 0 {
		c.BackoffBase = Duration(500 * time.Millisecond)
	}

	if c.QueueDepth <= 0 {
		c.QueueDepth = 8
	}

	if c.CoordinatorCapacity < 0 {
		return fmt.Errorf("coordinator_capacity must not be negative")
	}

	if c.RootOverridesCapacity == nil {
		t := true
		c.RootOverridesCapacity = &t
	}

	return nil
}

// CacheConfig sizes the hierarchical cache tiers.
type CacheConfig struct {
	HotSize   int      `json:"hot_size"`
	ShortSize int      `json:"short_size"`
	LongSize  int      `json:"long_size"`
	ShortTTL  Duration `json:"short_ttl"`
	LongTTL   Duration `json:"long_ttl"`
}

// Validate applies defaults and checks the cache configuration.
func (c *CacheConfig) Validate() error {
	if c.HotSize <= 0 {
		c.HotSize = 128
	}

	if c.ShortSize <= 0 {
		c.ShortSize = 1024
	}

	if c.LongSize <= 0 {
		c.LongSize = 1024
	}

	if c.ShortTTL <= 0 {
		c.ShortTTL = Duration(30 * time.Second)
	}

	if c.LongTTL <= 0 {
		c.LongTTL = Duration(5 * time.Minute)
	}

	return nil
}
