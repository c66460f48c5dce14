package mqttobserver

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/petrijr/extask/pkg/api"
)

type fakeToken struct {
	err     error
	timeout bool
}

func (t *fakeToken) Wait() bool                       { return !t.timeout }
func (t *fakeToken) WaitTimeout(_ time.Duration) bool { return !t.timeout }
func (t *fakeToken) Error() error                     { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	if !t.timeout {
		close(ch)
	}
	return ch
}

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type fakePublisher struct {
	mu    sync.Mutex
	msgs  []published
	block chan struct{}
	token func(topic string) mqtt.Token
}

func (p *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	p.msgs = append(p.msgs, published{topic, qos, payload.([]byte)})
	p.mu.Unlock()
	if p.token != nil {
		return p.token(topic)
	}
	return &fakeToken{}
}

func (p *fakePublisher) messages() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.msgs...)
}

func decode(t *testing.T, raw []byte) Event {
	t.Helper()
	var ev Event
	require.NoError(t, json.Unmarshal(raw, &ev))
	return ev
}

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func testTask() *api.ExternalTask {
	retries := 2
	return &api.ExternalTask{
		ID:                "t-1",
		WorkerID:          "w-1",
		TopicName:         "invoice",
		ProcessInstanceID: "pi-1",
		BusinessKey:       "order-7",
		Retries:           &retries,
	}
}

func TestObserver_PublishesEveryEvent(t *testing.T) {
	pub := &fakePublisher{}
	o := New(pub, WithTopicPrefix("plant"), WithQoS(1), WithClock(func() time.Time { return fixedNow }))
	ctx := context.Background()
	task := testTask()

	o.OnTaskFetched(ctx, task)
	o.OnTaskHandled(ctx, task, api.FailureOutcome{ErrorMessage: "boom"}, 1500*time.Millisecond)
	o.OnHandlerFault(ctx, task, errors.New("panic"))
	o.OnReportFailed(ctx, task, api.Complete(nil), api.ErrNotFoundOrLockExpired)
	o.OnFetchFailed(ctx, "invoice", "w-1", errors.New("connection refused"))
	require.NoError(t, o.Close(ctx))

	msgs := pub.messages()
	require.Len(t, msgs, 5)

	var topics []string
	for _, m := range msgs {
		topics = append(topics, m.topic)
		assert.Equal(t, byte(1), m.qos)
	}
	assert.Equal(t, []string{
		"plant/w-1/task_fetched",
		"plant/w-1/task_handled",
		"plant/w-1/handler_fault",
		"plant/w-1/report_failed",
		"plant/w-1/fetch_failed",
	}, topics)

	fetched := decode(t, msgs[0].payload)
	assert.Equal(t, EventTaskFetched, fetched.Event)
	assert.True(t, fixedNow.Equal(fetched.Timestamp))
	assert.Equal(t, "t-1", fetched.TaskID)
	assert.Equal(t, "pi-1", fetched.ProcessInstanceID)
	assert.Equal(t, "order-7", fetched.BusinessKey)
	require.NotNil(t, fetched.Retries)
	assert.Equal(t, 2, *fetched.Retries)

	handled := decode(t, msgs[1].payload)
	assert.Equal(t, string(api.StateFailureReported), handled.State)
	assert.Equal(t, int64(1500), handled.DurationMS)
	assert.Equal(t, "boom", handled.Error)

	rejected := decode(t, msgs[3].payload)
	assert.Equal(t, string(api.StateCompleted), rejected.State)
	assert.Contains(t, rejected.Error, "lock")

	fetchFailed := decode(t, msgs[4].payload)
	assert.Equal(t, "invoice", fetchFailed.Topic)
	assert.Empty(t, fetchFailed.TaskID)
	assert.Equal(t, "connection refused", fetchFailed.Error)
}

func TestObserver_PublishErrorsAreLogged(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	pub := &fakePublisher{token: func(topic string) mqtt.Token {
		return &fakeToken{err: errors.New("not connected")}
	}}
	o := New(pub, WithLogger(zap.New(core)))

	o.OnTaskFetched(context.Background(), testTask())
	require.NoError(t, o.Close(context.Background()))

	entries := logs.FilterMessage("mqtt publish failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "extask/w-1/task_fetched", entries[0].ContextMap()["mqtt_topic"])
}

func TestObserver_PublishTimeoutIsLogged(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	pub := &fakePublisher{token: func(string) mqtt.Token { return &fakeToken{timeout: true} }}
	o := New(pub, WithLogger(zap.New(core)), WithPublishTimeout(time.Millisecond))

	o.OnTaskFetched(context.Background(), testTask())
	require.NoError(t, o.Close(context.Background()))

	require.Equal(t, 1, logs.FilterMessage("mqtt publish failed").Len())
}

func TestObserver_FullQueueDropsEvents(t *testing.T) {
	pub := &fakePublisher{block: make(chan struct{})}
	o := New(pub, WithQueueSize(1))
	ctx := context.Background()
	task := testTask()

	// One event may be in flight in the publisher, one fits in the queue.
	for i := 0; i < 10; i++ {
		o.OnTaskFetched(ctx, task)
	}
	close(pub.block)
	require.NoError(t, o.Close(ctx))

	sent := int64(len(pub.messages()))
	assert.GreaterOrEqual(t, o.Dropped(), int64(8))
	assert.Equal(t, int64(10), sent+o.Dropped())
}

func TestObserver_EventsAfterCloseAreIgnored(t *testing.T) {
	pub := &fakePublisher{}
	o := New(pub)
	ctx := context.Background()

	require.NoError(t, o.Close(ctx))
	require.NoError(t, o.Close(ctx))
	o.OnTaskFetched(ctx, testTask())

	assert.Empty(t, pub.messages())
}

func TestObserver_CloseHonoursContext(t *testing.T) {
	pub := &fakePublisher{block: make(chan struct{})}
	defer close(pub.block)
	o := New(pub)
	o.OnTaskFetched(context.Background(), testTask())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, o.Close(ctx), context.DeadlineExceeded)
}

func TestConnect_RequiresBrokerAndClientID(t *testing.T) {
	_, err := Connect("", "id")
	assert.Error(t, err)
	_, err = Connect("tcp://localhost:1883", "")
	assert.Error(t, err)
}

func TestWithQoS_InvalidFallsBackToZero(t *testing.T) {
	o := applyOptions([]Option{WithQoS(7)})
	assert.Equal(t, byte(0), o.QoS)
}
