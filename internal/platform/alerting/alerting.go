// Package alerting publishes operational alerts (failed audit writes,
// suspicious access patterns) to a Kafka topic for the security operations
// pipeline.
package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

type Kind string

const (
	KindAuditWriteFailed    Kind = "audit_write_failed"
	KindSuspiciousActivity  Kind = "suspicious_activity"
	KindNotificationFailed  Kind = "notification_failed"
	KindConsentSweepFailure Kind = "consent_sweep_failed"
	KindAuditChainBroken    Kind = "audit_chain_broken"
)

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert never carries clinical content; identifiers only.
type Alert struct {
	Kind        Kind                   `json:"kind"`
	Severity    Severity               `json:"severity"`
	ActorID     string                 `json:"actor_id,omitempty"`
	PatientUUID string                 `json:"patient_uuid,omitempty"`
	FacilityID  string                 `json:"facility_id,omitempty"`
	Message     string                 `json:"message"`
	Detail      map[string]interface{} `json:"detail,omitempty"`
	At          time.Time              `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, a Alert) error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	w messageWriter
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{w: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           50 * time.Millisecond,
		WriteTimeout:           5 * time.Second,
		AllowAutoTopicCreation: true,
	}}
}

// Publish writes one message keyed by actor (or patient) so alerts about the
// same subject stay ordered within a partition.
func (p *KafkaPublisher) Publish(ctx context.Context, a Alert) error {
	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}
	value, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	key := a.ActorID
	if key == "" {
		key = a.PatientUUID
	}
	msg := kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  a.At,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(a.Kind)},
			{Key: "severity", Value: []byte(a.Severity)},
		},
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish alert %s: %w", a.Kind, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}

// LogPublisher writes alerts to the log. Used when no brokers are configured.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, a Alert) error {
	evt := p.logger.Warn()
	if a.Severity == SeverityCritical {
		evt = p.logger.Error()
	}
	evt.Str("kind", string(a.Kind)).
		Str("actor_id", a.ActorID).
		Str("patient_uuid", a.PatientUUID).
		Str("facility_id", a.FacilityID).
		Interface("detail", a.Detail).
		Msg(a.Message)
	return nil
}
