package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/syntrixbase/beacon/internal/events"
	"github.com/syntrixbase/beacon/internal/retry"
)

// JetStream is the subset of jetstream.JetStream used by NATSSender.
type JetStream interface {
	CreateOrUpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NATSOptions configures a NATSSender.
type NATSOptions struct {
	StreamName    string
	SubjectPrefix string
	WebsiteID     string
}

// NATSSender publishes batches to a JetStream stream. The message body is the
// same JSON document the HTTP transport posts.
type NATSSender struct {
	js      JetStream
	subject string
}

// NewNATSSender ensures the stream exists and returns a sender publishing on
// <prefix>.<websiteId>.
func NewNATSSender(ctx context.Context, js JetStream, opts NATSOptions) (*NATSSender, error) {
	if js == nil {
		return nil, fmt.Errorf("jetstream cannot be nil")
	}
	if opts.SubjectPrefix == "" {
		opts.SubjectPrefix = "beacon.events"
	}

	if opts.StreamName != "" {
		_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:     opts.StreamName,
			Subjects: []string{opts.SubjectPrefix + ".>"},
			Storage:  jetstream.FileStorage,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to ensure stream: %w", err)
		}
	}

	return &NATSSender{
		js:      js,
		subject: opts.SubjectPrefix + "." + subjectToken(opts.WebsiteID),
	}, nil
}

// Subject returns the publish subject.
func (s *NATSSender) Subject() string {
	return s.subject
}

func (s *NATSSender) Transport() string {
	return "nats"
}

// Send publishes one batch. Retries are left to the queue's policy.
func (s *NATSSender) Send(ctx context.Context, batch events.Batch) error {
	data, err := json.Marshal(batch)
	if err != nil {
		return retry.Fatal(fmt.Errorf("failed to marshal batch: %w", err))
	}
	if _, err := s.js.Publish(ctx, s.subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", s.subject, err)
	}
	return nil
}

// ConnectJetStream dials url and returns the connection and its JetStream
// context. The caller closes the connection.
func ConnectJetStream(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url, nats.Name("beacon"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}
	return nc, js, nil
}

// subjectToken makes a website id safe for use as one subject token.
func subjectToken(id string) string {
	if id == "" {
		return "default"
	}
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(id)
}
