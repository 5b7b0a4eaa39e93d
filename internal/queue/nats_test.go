package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/syntrixbase/beacon/internal/events"
)

type MockJetStream struct {
	mock.Mock
}

func (m *MockJetStream) CreateOrUpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	args := m.Called(ctx, cfg)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(jetstream.Stream), args.Error(1)
}

func (m *MockJetStream) Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	args := m.Called(ctx, subject, data)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*jetstream.PubAck), args.Error(1)
}

func TestNewNATSSender_EnsuresStream(t *testing.T) {
	js := new(MockJetStream)
	js.On("CreateOrUpdateStream", mock.Anything, mock.MatchedBy(func(cfg jetstream.StreamConfig) bool {
		return cfg.Name == "BEACON" && len(cfg.Subjects) == 1 && cfg.Subjects[0] == "beacon.events.>"
	})).Return(nil, nil)

	s, err := NewNATSSender(context.Background(), js, NATSOptions{
		StreamName:    "BEACON",
		SubjectPrefix: "beacon.events",
		WebsiteID:     "shop.example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, "beacon.events.shop_example_com", s.Subject())
	assert.Equal(t, "nats", s.Transport())
	js.AssertExpectations(t)
}

func TestNewNATSSender_Errors(t *testing.T) {
	_, err := NewNATSSender(context.Background(), nil, NATSOptions{})
	assert.Error(t, err)

	js := new(MockJetStream)
	js.On("CreateOrUpdateStream", mock.Anything, mock.Anything).Return(nil, errors.New("no responders"))
	_, err = NewNATSSender(context.Background(), js, NATSOptions{StreamName: "BEACON"})
	assert.ErrorContains(t, err, "failed to ensure stream")
}

func TestNATSSender_Send(t *testing.T) {
	js := new(MockJetStream)
	js.On("Publish", mock.Anything, "beacon.events.default", mock.MatchedBy(func(data []byte) bool {
		var b events.Batch
		return json.Unmarshal(data, &b) == nil && b.Len() == 1
	})).Return(&jetstream.PubAck{Stream: "BEACON", Sequence: 1}, nil).Once()
	js.On("Publish", mock.Anything, "beacon.events.default", mock.Anything).Return(nil, errors.New("timeout")).Once()

	s, err := NewNATSSender(context.Background(), js, NATSOptions{})
	require.NoError(t, err)

	batch := events.Batch{Events: []events.TrackedEvent{event(1)}}
	assert.NoError(t, s.Send(context.Background(), batch))
	assert.ErrorContains(t, s.Send(context.Background(), batch), "failed to publish")
	js.AssertExpectations(t)
}
