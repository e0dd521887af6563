package nsq

import (
	"context"
	"errors"
	"testing"

	"github.com/nsqio/go-nsq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockProducer struct {
	mock.Mock
}

func (m *MockProducer) Publish(topic string, body []byte) error {
	return m.Called(topic, body).Error(0)
}

func (m *MockProducer) Ping() error {
	return m.Called().Error(0)
}

func (m *MockProducer) Stop() {
	m.Called()
}

func TestPublisher_Publish(t *testing.T) {
	p := new(MockProducer)
	p.On("Publish", "pagelens.index.completed", []byte(`{"run_id":"r1"}`)).Return(nil).Once()
	p.On("Publish", "pagelens.upload.failed", mock.Anything).Return(errors.New("connection refused")).Once()

	pub := NewPublisher(p)
	require.NoError(t, pub.Publish("pagelens.index.completed", []byte(`{"run_id":"r1"}`)))

	err := pub.Publish("pagelens.upload.failed", []byte(`{}`))
	assert.ErrorContains(t, err, "publish pagelens.upload.failed")
	assert.ErrorContains(t, err, "connection refused")
	p.AssertExpectations(t)
}

func TestPublisher_HealthAndClose(t *testing.T) {
	p := new(MockProducer)
	p.On("Ping").Return(errors.New("no nsqd")).Once()
	p.On("Stop").Once()

	pub := NewPublisher(p)
	assert.ErrorContains(t, pub.Health(context.Background()), "nsqd ping")
	pub.Close()
	p.AssertExpectations(t)
}

func TestTopicHandler(t *testing.T) {
	var gotTopic string
	var gotBody []byte
	h := topicHandler("pagelens.upload.failed", func(topic string, body []byte) error {
		gotTopic, gotBody = topic, body
		return nil
	})

	var id nsq.MessageID
	require.NoError(t, h.HandleMessage(nsq.NewMessage(id, []byte(`{"point_id":3}`))))
	assert.Equal(t, "pagelens.upload.failed", gotTopic)
	assert.JSONEq(t, `{"point_id":3}`, string(gotBody))
}

func TestTopicHandler_EmptyBodyAndError(t *testing.T) {
	calls := 0
	h := topicHandler("t", func(string, []byte) error {
		calls++
		return errors.New("bad event")
	})

	var id nsq.MessageID
	assert.NoError(t, h.HandleMessage(nsq.NewMessage(id, nil)))
	assert.Zero(t, calls)
	assert.Error(t, h.HandleMessage(nsq.NewMessage(id, []byte("x"))))
	assert.Equal(t, 1, calls)
}

func TestSubscribe_ConnectFailure(t *testing.T) {
	err := Subscribe(context.Background(), "127.0.0.1:1", "cli", []string{"pagelens.index.completed"}, func(string, []byte) error { return nil })
	assert.ErrorContains(t, err, "connect 127.0.0.1:1")
}

func TestNop(t *testing.T) {
	assert.NoError(t, Nop{}.Publish("any", []byte("x")))
}
