package publish

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"attendsync/internal/config"
	"attendsync/internal/logging"
	"attendsync/internal/model"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes every stored event as JSON keyed by subject, so all
// scans of one person land on the same partition in order.
type Kafka struct {
	writer messageWriter
	topic  string
	logger *slog.Logger
}

// eventMessage is the published wire shape.
type eventMessage struct {
	ID          string `json:"id"`
	Subject     string `json:"subject"`
	PersonID    string `json:"person_id,omitempty"`
	EmployeeNo  string `json:"employee_no,omitempty"`
	Name        string `json:"name,omitempty"`
	CardNo      string `json:"card_no,omitempty"`
	ReaderID    string `json:"reader_id,omitempty"`
	TypeCode    string `json:"type_code"`
	Description string `json:"description"`
	Timestamp   string `json:"timestamp"`
	Terminal    string `json:"terminal"`
	Direction   string `json:"direction"`
	Source      string `json:"source"`
}

func NewKafka(cfg config.KafkaConfig, logger *slog.Logger) (*Kafka, error) {
	logger = logging.OrDiscard(logger)
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("kafka publisher needs brokers and a topic")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				logger.Warn("kafka publish failed", "topic", cfg.Topic, "messages", len(msgs), "err", err)
			}
		},
	}
	logger.Info("kafka publisher enabled", "brokers", cfg.Brokers, "topic", cfg.Topic)
	return newKafka(w, cfg.Topic, logger), nil
}

func newKafka(w messageWriter, topic string, logger *slog.Logger) *Kafka {
	return &Kafka{writer: w, topic: topic, logger: logging.OrDiscard(logger)}
}

func (k *Kafka) Notify(ctx context.Context, ev model.NormalizedEvent) {
	msg, err := encodeEvent(ev)
	if err != nil {
		k.logger.Warn("kafka encode failed", "event_id", ev.ID, "err", err)
		return
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		k.logger.Warn("kafka write failed", "topic", k.topic, "event_id", ev.ID, "err", err)
	}
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}

func encodeEvent(ev model.NormalizedEvent) (kafka.Message, error) {
	value, err := json.Marshal(eventMessage{
		ID:          ev.ID,
		Subject:     ev.Subject(),
		PersonID:    ev.PersonID,
		EmployeeNo:  ev.EmployeeNo,
		Name:        ev.Name,
		CardNo:      ev.CardNo,
		ReaderID:    ev.ReaderID,
		TypeCode:    ev.TypeCode,
		Description: ev.Description,
		Timestamp:   ev.Timestamp.UTC().Format(time.RFC3339Nano),
		Terminal:    ev.Terminal,
		Direction:   string(ev.Direction),
		Source:      ev.Source,
	})
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(ev.Subject()),
		Value: value,
		Time:  ev.Timestamp,
		Headers: []kafka.Header{
			{Key: "direction", Value: []byte(ev.Direction)},
			{Key: "source", Value: []byte(ev.Source)},
		},
	}, nil
}
