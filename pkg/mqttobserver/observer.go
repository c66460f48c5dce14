// Package mqttobserver publishes worker lifecycle events to an MQTT broker.
//
// Each event is a JSON document published to <prefix>/<worker_id>/<event>,
// where event is one of task_fetched, task_handled, handler_fault,
// report_failed or fetch_failed. Publishing happens on a background
// goroutine so the worker is never blocked by the broker; events that do
// not fit in the queue are dropped and counted.
package mqttobserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/petrijr/extask/pkg/api"
)

// Event names, used as the last topic level.
const (
	EventTaskFetched  = "task_fetched"
	EventTaskHandled  = "task_handled"
	EventHandlerFault = "handler_fault"
	EventReportFailed = "report_failed"
	EventFetchFailed  = "fetch_failed"
)

// Publisher is the part of mqtt.Client used by Observer.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Event is the JSON payload of every message.
type Event struct {
	Event             string    `json:"event"`
	Timestamp         time.Time `json:"timestamp"`
	WorkerID          string    `json:"worker_id"`
	Topic             string    `json:"topic,omitempty"`
	TaskID            string    `json:"task_id,omitempty"`
	ProcessInstanceID string    `json:"process_instance_id,omitempty"`
	BusinessKey       string    `json:"business_key,omitempty"`
	Retries           *int      `json:"retries,omitempty"`
	State             string    `json:"state,omitempty"`
	DurationMS        int64     `json:"duration_ms,omitempty"`
	Error             string    `json:"error,omitempty"`
}

type message struct {
	topic   string
	payload []byte
}

// Observer implements api.Observer on top of a Publisher.
type Observer struct {
	pub  Publisher
	opts Options

	mu     sync.RWMutex
	closed bool
	queue  chan message
	done   chan struct{}

	dropped atomic.Int64
}

var _ api.Observer = (*Observer)(nil)

// New starts an Observer publishing through pub. Call Close to flush and
// stop it.
func New(pub Publisher, opts ...Option) *Observer {
	o := &Observer{
		pub:  pub,
		opts: applyOptions(opts),
		done: make(chan struct{}),
	}
	o.queue = make(chan message, o.opts.QueueSize)
	go o.loop()
	return o
}

func (o *Observer) loop() {
	defer close(o.done)
	for m := range o.queue {
		if err := o.publish(m); err != nil {
			o.opts.Logger.Warn("mqtt publish failed", zap.String("mqtt_topic", m.topic), zap.Error(err))
		}
	}
}

func (o *Observer) publish(m message) error {
	token := o.pub.Publish(m.topic, o.opts.QoS, false, m.payload)
	if !token.WaitTimeout(o.opts.PublishTimeout) {
		return fmt.Errorf("mqttobserver: publish to %s timed out after %s", m.topic, o.opts.PublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqttobserver: publish to %s: %w", m.topic, err)
	}
	o.opts.Logger.Debug("mqtt event published", zap.String("mqtt_topic", m.topic))
	return nil
}

// Close stops accepting events and waits until the queued ones were
// published or ctx is done.
func (o *Observer) Close(ctx context.Context) error {
	o.mu.Lock()
	if !o.closed {
		o.closed = true
		close(o.queue)
	}
	o.mu.Unlock()

	select {
	case <-o.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped returns the number of events discarded because the queue was full.
func (o *Observer) Dropped() int64 {
	return o.dropped.Load()
}

func (o *Observer) emit(ev Event) {
	ev.Timestamp = o.opts.Now().UTC()
	payload, err := json.Marshal(ev)
	if err != nil {
		o.opts.Logger.Warn("mqtt event encoding failed", zap.String("event", ev.Event), zap.Error(err))
		return
	}
	m := message{
		topic:   fmt.Sprintf("%s/%s/%s", o.opts.TopicPrefix, ev.WorkerID, ev.Event),
		payload: payload,
	}

	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return
	}
	select {
	case o.queue <- m:
	default:
		o.dropped.Add(1)
	}
}

func taskEvent(name string, task *api.ExternalTask) Event {
	return Event{
		Event:             name,
		WorkerID:          task.WorkerID,
		Topic:             task.TopicName,
		TaskID:            task.ID,
		ProcessInstanceID: task.ProcessInstanceID,
		BusinessKey:       task.BusinessKey,
		Retries:           task.Retries,
	}
}

func (o *Observer) OnTaskFetched(ctx context.Context, task *api.ExternalTask) {
	o.emit(taskEvent(EventTaskFetched, task))
}

func (o *Observer) OnTaskHandled(ctx context.Context, task *api.ExternalTask, outcome api.Outcome, d time.Duration) {
	ev := taskEvent(EventTaskHandled, task)
	ev.State = string(outcome.State())
	ev.DurationMS = d.Milliseconds()
	switch out := outcome.(type) {
	case api.FailureOutcome:
		ev.Error = out.ErrorMessage
	case api.BpmnErrorOutcome:
		ev.Error = out.ErrorCode
	}
	o.emit(ev)
}

func (o *Observer) OnHandlerFault(ctx context.Context, task *api.ExternalTask, err error) {
	ev := taskEvent(EventHandlerFault, task)
	ev.Error = errString(err)
	o.emit(ev)
}

func (o *Observer) OnReportFailed(ctx context.Context, task *api.ExternalTask, outcome api.Outcome, err error) {
	ev := taskEvent(EventReportFailed, task)
	ev.State = string(outcome.State())
	ev.Error = errString(err)
	o.emit(ev)
}

func (o *Observer) OnFetchFailed(ctx context.Context, topic, workerID string, err error) {
	o.emit(Event{
		Event:    EventFetchFailed,
		WorkerID: workerID,
		Topic:    topic,
		Error:    errString(err),
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Connect creates a paho client for broker and connects it.
// Disconnect it with client.Disconnect once the Observer is closed.
func Connect(broker, clientID string, opts ...ConnectOption) (mqtt.Client, error) {
	if broker == "" {
		return nil, errors.New("mqttobserver: broker is required")
	}
	if clientID == "" {
		return nil, errors.New("mqttobserver: client id is required")
	}

	co := mqtt.NewClientOptions()
	co.AddBroker(broker)
	co.SetClientID(clientID)
	co.SetKeepAlive(60 * time.Second)
	co.SetMaxReconnectInterval(5 * time.Second)
	co.SetAutoReconnect(true)
	co.SetCleanSession(true)
	for _, opt := range opts {
		opt(co)
	}

	client := mqtt.NewClient(co)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqttobserver: connect to %s: %w", broker, token.Error())
	}
	return client, nil
}
