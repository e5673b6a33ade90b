// Package natsbridge republishes registry events to NATS JetStream as
// CloudEvents and carries the outbound command and acknowledgement paths
// for coordinators and agents.
package natsbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/carverauto/fleetreg/pkg/bus"
	"github.com/carverauto/fleetreg/pkg/logger"
	"github.com/carverauto/fleetreg/pkg/models"
	"github.com/carverauto/fleetreg/pkg/topics"
)

const (
	eventSource = "fleetreg/registryd"

	// revertCategory is the category segment used for registry-issued
	// control commands on the agent command topic.
	revertCategory = "registry"
	revertSubID    = "control"

	publishTimeout = 5 * time.Second

	// sendQueueSize bounds events buffered toward JetStream. Bus handlers
	// must return quickly, so a full queue drops the event rather than
	// stalling registry mutations; the in-process bus stays authoritative.
	sendQueueSize = 256
)

// bridgedEvents is the set of bus event types mirrored to JetStream.
var bridgedEvents = []models.EventType{
	models.EventAgentUpserted,
	models.EventAgentRemoved,
	models.EventOwnershipChanged,
	models.EventConflictDetected,
	models.EventTransferFailed,
	models.EventCoordinatorChanged,
}

// Bridge connects the in-process event bus to a NATS JetStream stream. It
// also implements the transfer acknowledger and the conflict command sink,
// so ownership notifications and revert instructions ride the same
// connection.
type Bridge struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	cfg    models.EventsConfig
	log    logger.Logger
	tokens []bus.Token
	busRef *bus.Bus

	sendCh   chan outbound
	quit     chan struct{}
	loopDone chan struct{}
}

type outbound struct {
	subject string
	payload []byte
	seq     uint64
}

// Connect dials NATS, ensures the configured stream exists, and returns a
// ready Bridge. The stream subscribes to everything under the subject
// prefix.
func Connect(ctx context.Context, cfg models.EventsConfig, log logger.Logger) (*Bridge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := []nats.Option{
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS async error")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	nc, err := nats.Connect(cfg.NATS.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	var js jetstream.JetStream

	if cfg.NATS.Domain != "" {
		js, err = jetstream.NewWithDomain(nc, cfg.NATS.Domain)
	} else {
		js, err = jetstream.New(nc)
	}

	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if _, err = js.Stream(ctx, cfg.StreamName); err != nil {
		streamConfig := jetstream.StreamConfig{
			Name:     cfg.StreamName,
			Subjects: []string{cfg.SubjectPrefix + ".>"},
		}

		if _, err = js.CreateOrUpdateStream(ctx, streamConfig); err != nil {
			nc.Close()
			return nil, fmt.Errorf("failed to create or get stream %s: %w", cfg.StreamName, err)
		}

		log.Info().Str("stream", cfg.StreamName).Msg("created JetStream stream")
	}

	b := &Bridge{
		nc:       nc,
		js:       js,
		cfg:      cfg,
		log:      log,
		sendCh:   make(chan outbound, sendQueueSize),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}

	go b.publishLoop()

	return b, nil
}

// Attach subscribes the bridge to every bridged event type. Publish
// failures are logged and dropped; the in-process bus stays authoritative.
func (b *Bridge) Attach(eventBus *bus.Bus) error {
	const owner = "nats-bridge"

	for _, eventType := range bridgedEvents {
		token, err := eventBus.Subscribe(eventType, owner, b.forward)
		if err != nil {
			return err
		}

		b.tokens = append(b.tokens, token)
	}

	b.busRef = eventBus

	return nil
}

// forward runs inside the bus fan-out and must not block: it marshals the
// event and hands it to the publish loop.
func (b *Bridge) forward(evt models.Event) {
	subject := eventSubject(b.cfg.SubjectPrefix, evt.Type)

	cloudEvent := models.CloudEvent{
		SpecVersion:     "1.0",
		ID:              uuid.New().String(),
		Source:          eventSource,
		Type:            string(evt.Type),
		DataContentType: "application/json",
		Subject:         subject,
		Time:            &evt.Time,
		Data:            evt,
	}

	payload, err := json.Marshal(cloudEvent)
	if err != nil {
		b.log.Error().Err(err).Str("event_type", string(evt.Type)).Msg("failed to marshal event")
		return
	}

	select {
	case b.sendCh <- outbound{subject: subject, payload: payload, seq: evt.Seq}:
	default:
		b.log.Warn().
			Str("subject", subject).
			Uint64("seq", evt.Seq).
			Msg("JetStream send queue full; event dropped")
	}
}

// publishLoop drains the send queue toward JetStream. One slow broker ack
// delays only this loop, never the bus fan-out.
func (b *Bridge) publishLoop() {
	defer close(b.loopDone)

	for {
		select {
		case msg := <-b.sendCh:
			b.publish(msg)
		case <-b.quit:
			for {
				select {
				case msg := <-b.sendCh:
					b.publish(msg)
				default:
					return
				}
			}
		}
	}
}

func (b *Bridge) publish(msg outbound) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if _, err := b.js.Publish(ctx, msg.subject, msg.payload); err != nil {
		b.log.Error().
			Err(err).
			Str("subject", msg.subject).
			Uint64("seq", msg.seq).
			Msg("failed to publish event to JetStream")
	}
}

// SendRevert publishes a revert instruction on the agent's command topic.
// The instruction value names the coordinator of record, which is also
// where the command topic is rooted.
func (b *Bridge) SendRevert(instruction models.RevertInstruction) error {
	subject, err := commandSubject(instruction.Value, instruction.AgentID)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(instruction)
	if err != nil {
		return fmt.Errorf("failed to marshal revert instruction: %w", err)
	}

	if err := b.nc.Publish(subject, payload); err != nil {
		return fmt.Errorf("failed to publish revert instruction: %w", err)
	}

	b.log.Info().
		Str("agent_id", instruction.AgentID).
		Str("subject", subject).
		Msg("sent revert instruction")

	return nil
}

type ownershipNotice struct {
	AgentID       string    `json:"agent_id"`
	CoordinatorID string    `json:"coordinator_id"`
	Timestamp     time.Time `json:"timestamp"`
}

// NotifyOwnershipChange requests an acknowledgement from a coordinator for
// an ownership change. The coordinator is expected to reply on the request
// inbox; no reply before ctx expires is a failed acknowledgement.
func (b *Bridge) NotifyOwnershipChange(ctx context.Context, coordinatorID, agentID string) error {
	payload, err := json.Marshal(ownershipNotice{
		AgentID:       agentID,
		CoordinatorID: coordinatorID,
		Timestamp:     time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal ownership notice: %w", err)
	}

	subject := ackSubject(b.cfg.SubjectPrefix, coordinatorID)

	if _, err := b.nc.RequestWithContext(ctx, subject, payload); err != nil {
		return fmt.Errorf("coordinator %s did not acknowledge: %w", coordinatorID, err)
	}

	return nil
}

// Close detaches from the bus and drains the connection.
func (b *Bridge) Close() {
	if b.busRef != nil {
		for _, token := range b.tokens {
			b.busRef.Unsubscribe(token)
		}

		b.tokens = nil
		b.busRef = nil
	}

	close(b.quit)
	<-b.loopDone

	if b.nc != nil {
		if err := b.nc.Drain(); err != nil {
			b.log.Warn().Err(err).Msg("NATS drain failed")
		}
	}
}

// eventSubject maps a bus event type onto the stream's subject space,
// e.g. "fleetreg.events" + agent.upserted -> "fleetreg.events.agent.upserted".
func eventSubject(prefix string, eventType models.EventType) string {
	return prefix + "." + string(eventType)
}

// ackSubject is where a coordinator listens for ownership notices.
func ackSubject(prefix, coordinatorID string) string {
	return prefix + ".coordinator." + coordinatorID + ".ownership"
}

// commandSubject translates the slash-delimited agent command topic into
// NATS subject form.
func commandSubject(coordinatorID, agentID string) (string, error) {
	topic, err := topics.BuildCommandTopic(coordinatorID, agentID, revertCategory, revertSubID)
	if err != nil {
		return "", err
	}

	return strings.ReplaceAll(topic, "/", "."), nil
}
