// Package eventstream mirrors the workflow log into EventStoreDB/KurrentDB,
// one stream per alert, for downstream subscribers.
package eventstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/EventStore/EventStore-Client-Go/v4/esdb"
	"github.com/google/uuid"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/clinalert/internal/alerting"
)

// StreamPrefix prefixes every per-alert stream name.
const StreamPrefix = "clinical-alert-"

// namespace seeds deterministic event ids so a redelivered event is
// deduplicated by the server's idempotent append.
var namespace = uuid.MustParse("6f1b7c3e-2d4a-4f5e-9b8c-1a2d3e4f5a6b")

type appender interface {
	AppendToStream(ctx context.Context, stream string, opts esdb.AppendToStreamOptions, events ...esdb.EventData) (*esdb.WriteResult, error)
}

// Sink appends each committed workflow event to clinical-alert-<id>.
type Sink struct {
	client appender
	closer func() error
	logger log.Logger
}

// Connect parses an esdb:// connection string and returns a Sink.
func Connect(connString string, logger log.Logger) (*Sink, error) {
	if connString == "" {
		return nil, errors.New("eventstream connection string is required")
	}
	settings, err := esdb.ParseConnectionString(connString)
	if err != nil {
		return nil, fmt.Errorf("parse eventstream connection string: %w", err)
	}
	client, err := esdb.NewClient(settings)
	if err != nil {
		return nil, fmt.Errorf("create eventstream client: %w", err)
	}
	s := newSink(client, logger)
	s.closer = client.Close
	return s, nil
}

func newSink(client appender, logger log.Logger) *Sink {
	if logger == nil {
		logger = log.Nop()
	}
	return &Sink{client: client, logger: logger}
}

func (s *Sink) Name() string { return "eventstream" }

// StreamName is the stream holding events for alertID.
func StreamName(alertID string) string { return StreamPrefix + alertID }

// EventID is the deterministic id of the event at seq on alertID.
func EventID(alertID string, seq int64) uuid.UUID {
	return uuid.NewSHA1(namespace, []byte(alertID+":"+strconv.FormatInt(seq, 10)))
}

type eventMetadata struct {
	PerformedBy string            `json:"performed_by"`
	Seq         int64             `json:"seq"`
	Priority    alerting.Priority `json:"priority"`
	Status      alerting.Status   `json:"status"`
}

// Notify appends the event.
func (s *Sink) Notify(ctx context.Context, n *alerting.Notification) error {
	if n == nil || n.Alert == nil || n.Event == nil {
		return nil
	}
	data, err := json.Marshal(n.Event)
	if err != nil {
		return fmt.Errorf("eventstream: marshal event: %w", err)
	}
	meta, err := json.Marshal(eventMetadata{
		PerformedBy: n.Event.PerformedBy,
		Seq:         n.Event.Seq,
		Priority:    n.Alert.Priority,
		Status:      n.Alert.Status,
	})
	if err != nil {
		return fmt.Errorf("eventstream: marshal metadata: %w", err)
	}

	stream := StreamName(n.Alert.ID)
	_, err = s.client.AppendToStream(ctx, stream, esdb.AppendToStreamOptions{
		ExpectedRevision: esdb.Any{},
	}, esdb.EventData{
		EventID:     EventID(n.Alert.ID, n.Event.Seq),
		EventType:   "alert." + string(n.Event.Action),
		ContentType: esdb.ContentTypeJson,
		Data:        data,
		Metadata:    meta,
	})
	if err != nil {
		return fmt.Errorf("eventstream: append to %s: %w", stream, err)
	}
	return nil
}

// Close releases the client connection.
func (s *Sink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

var _ alerting.Notifier = (*Sink)(nil)
