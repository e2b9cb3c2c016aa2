// Package relay mirrors decoded samples onto NATS JetStream so downstream
// consumers (archival, model training, ward dashboards) can tap the same
// feed the WebSocket sessions see. The relay is optional and best-effort:
// publish failures are logged, never propagated into the pipeline.
package relay

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/yartinzz/DTICU-Ventilator/internal/protocol"
	"github.com/yartinzz/DTICU-Ventilator/internal/replication"
)

const (
	// StreamVitals is the durable stream that captures every decoded sample.
	StreamVitals = "VITALS"
	// SubjectVitals is the wildcard subject hierarchy for sample messages.
	SubjectVitals = "vitals.>"
)

// Client wraps a NATS connection and its JetStream context.
type Client struct {
	Conn *nats.Conn
	JS   nats.JetStreamContext
	Log  *zap.Logger
}

// NewClient connects to NATS and initialises a JetStream context.
func NewClient(url string, logger *zap.Logger) (*Client, error) {
	nc, err := nats.Connect(url, nats.RetryOnFailedConnect(true), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to initialize JetStream: %w", err)
	}

	logger.Info("NATS JetStream connected", zap.String("url", url))
	return &Client{Conn: nc, JS: js, Log: logger}, nil
}

// ProvisionStreams idempotently creates the required JetStream streams.
func (c *Client) ProvisionStreams() error {
	_, err := c.JS.StreamInfo(StreamVitals)
	if err == nil {
		c.Log.Info("NATS stream exists", zap.String("stream", StreamVitals))
		return nil
	}
	if err != nats.ErrStreamNotFound {
		return fmt.Errorf("failed to check stream info: %w", err)
	}

	cfg := &nats.StreamConfig{
		Name:      StreamVitals,
		Subjects:  []string{SubjectVitals},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
	}
	if _, err := c.JS.AddStream(cfg); err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	c.Log.Info("NATS stream provisioned", zap.String("stream", StreamVitals))
	return nil
}

// Close drains the connection so in-flight publishes flush before the
// process exits; Drain errors fall back to an immediate Close.
func (c *Client) Close() {
	if c.Conn != nil {
		if err := c.Conn.Drain(); err != nil {
			c.Conn.Close()
		}
	}
}

// sampleEnvelope is the JSON shape published per sample.
type sampleEnvelope struct {
	PatientID string  `json:"patient_id"`
	ParamType string  `json:"param_type"`
	Data      any     `json:"data"`
	Timestamp float64 `json:"timestamp"`
}

// Relay implements the listener's SampleRelay using async JetStream
// publishes, so a slow broker cannot hold the replication loop back.
type Relay struct {
	client *Client
	logger *zap.Logger
}

func New(client *Client, logger *zap.Logger) *Relay {
	return &Relay{client: client, logger: logger}
}

// Publish mirrors one decoded sample. Failures are logged and dropped.
func (r *Relay) Publish(ev replication.Event) {
	payload, err := json.Marshal(sampleEnvelope{
		PatientID: string(ev.Patient),
		ParamType: string(ev.Param),
		Data:      protocol.Sanitize(ev.Data),
		Timestamp: ev.Timestamp,
	})
	if err != nil {
		r.logger.Error("marshal relay envelope",
			zap.String("patient_id", string(ev.Patient)),
			zap.String("param_type", string(ev.Param)),
			zap.Error(err),
		)
		return
	}

	subject := Subject(string(ev.Param), string(ev.Patient))
	if _, err := r.client.JS.PublishAsync(subject, payload); err != nil {
		r.logger.Warn("relay publish failed",
			zap.String("subject", subject),
			zap.Error(err),
		)
	}
}

// Subject builds the per-stream subject, e.g. vitals.ECG.42. NATS token
// separators in the inputs are replaced so they cannot splice the subject.
func Subject(param, patient string) string {
	clean := func(s string) string {
		s = strings.ReplaceAll(s, ".", "_")
		s = strings.ReplaceAll(s, " ", "_")
		s = strings.ReplaceAll(s, "*", "_")
		s = strings.ReplaceAll(s, ">", "_")
		return s
	}
	return fmt.Sprintf("vitals.%s.%s", clean(param), clean(patient))
}
