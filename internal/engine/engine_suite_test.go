package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/petrijr/extask/pkg/api"
)

// testClock is a manually advanced clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// EngineSuite checks the behaviour every store must share.
type EngineSuite struct {
	suite.Suite

	newEngine func(opts ...Option) Engine

	ctx   context.Context
	clock *testClock
	eng   Engine
}

func (s *EngineSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = newTestClock()
	s.eng = s.newEngine(WithClock(s.clock.Now), WithPollInterval(5*time.Millisecond))
}

func (s *EngineSuite) publish(topic string, vars map[string]any) string {
	id, err := s.eng.Publish(s.ctx, PublishRequest{Topic: topic, Variables: vars})
	s.Require().NoError(err)
	return id
}

func fetchReq(workerID string, maxTasks int, topics ...api.TopicRequest) api.FetchAndLockRequest {
	return api.FetchAndLockRequest{WorkerID: workerID, MaxTasks: maxTasks, Topics: topics}
}

func topic(name string) api.TopicRequest {
	return api.TopicRequest{Name: name, LockDuration: 10 * time.Second}
}

func (s *EngineSuite) fetch(req api.FetchAndLockRequest) []*api.ExternalTask {
	tasks, err := s.eng.FetchAndLock(s.ctx, req)
	s.Require().NoError(err)
	return tasks
}

func (s *EngineSuite) TestPublishAndFetch() {
	id, err := s.eng.Publish(s.ctx, PublishRequest{
		Topic:                "STEP_1",
		Variables:            map[string]any{"outcome": "success", "count": int64(3)},
		BusinessKey:          "order-1",
		ProcessInstanceID:    "pi-1",
		ProcessDefinitionKey: "order",
		ActivityID:           "step1",
	})
	s.Require().NoError(err)
	s.NotEmpty(id)

	tasks := s.fetch(fetchReq("w-1", 5, topic("STEP_1")))
	s.Require().Len(tasks, 1)

	task := tasks[0]
	s.Equal(id, task.ID)
	s.Equal("w-1", task.WorkerID)
	s.Equal("STEP_1", task.TopicName)
	s.Nil(task.Retries)
	s.Equal(map[string]any{"outcome": "success", "count": int64(3)}, task.Variables)
	s.Equal("order-1", task.BusinessKey)
	s.Equal("pi-1", task.ProcessInstanceID)
	s.Equal("order", task.ProcessDefinitionKey)
	s.Equal("step1", task.ActivityID)
	s.True(s.clock.Now().Add(10 * time.Second).Equal(task.LockExpirationTime))

	rec, err := s.eng.Get(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(StateOpen, rec.State)
	s.Equal("w-1", rec.WorkerID)
	s.True(rec.Locked(s.clock.Now()))

	// Locked: no one else gets it.
	s.Empty(s.fetch(fetchReq("w-2", 5, topic("STEP_1"))))
}

func (s *EngineSuite) TestFetchOnlyRequestedTopic() {
	s.publish("STEP_1", nil)
	s.publish("STEP_2", nil)

	tasks := s.fetch(fetchReq("w-1", 5, topic("STEP_2")))
	s.Require().Len(tasks, 1)
	s.Equal("STEP_2", tasks[0].TopicName)
}

func (s *EngineSuite) TestMaxTasksLimitsEveryFetch() {
	for i := 0; i < 3; i++ {
		s.publish("STEP_1", map[string]any{"n": int64(i)})
	}

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		tasks := s.fetch(fetchReq("w-1", 1, topic("STEP_1")))
		s.Require().Len(tasks, 1)
		s.False(seen[tasks[0].ID])
		seen[tasks[0].ID] = true
		// Creation order.
		s.Equal(int64(i), tasks[0].Variables["n"])
	}
	s.Empty(s.fetch(fetchReq("w-1", 1, topic("STEP_1"))))
}

func (s *EngineSuite) TestPriorityOrdering() {
	low, err := s.eng.Publish(s.ctx, PublishRequest{Topic: "STEP_1", Priority: 1})
	s.Require().NoError(err)
	high, err := s.eng.Publish(s.ctx, PublishRequest{Topic: "STEP_1", Priority: 10})
	s.Require().NoError(err)

	req := fetchReq("w-1", 1, topic("STEP_1"))
	req.UsePriority = true
	tasks := s.fetch(req)
	s.Require().Len(tasks, 1)
	s.Equal(high, tasks[0].ID)
	s.Equal(int64(10), tasks[0].Priority)

	tasks = s.fetch(req)
	s.Require().Len(tasks, 1)
	s.Equal(low, tasks[0].ID)
}

func (s *EngineSuite) TestCreationOrderWithoutPriority() {
	first, err := s.eng.Publish(s.ctx, PublishRequest{Topic: "STEP_1", Priority: 1})
	s.Require().NoError(err)
	_, err = s.eng.Publish(s.ctx, PublishRequest{Topic: "STEP_1", Priority: 10})
	s.Require().NoError(err)

	tasks := s.fetch(fetchReq("w-1", 1, topic("STEP_1")))
	s.Require().Len(tasks, 1)
	s.Equal(first, tasks[0].ID)
}

func (s *EngineSuite) TestVariablesFilter() {
	s.publish("STEP_1", map[string]any{"a": "1", "b": "2", "c": "3"})

	t := topic("STEP_1")
	t.Variables = []string{"a", "c", "missing"}
	tasks := s.fetch(fetchReq("w-1", 1, t))
	s.Require().Len(tasks, 1)
	s.Equal(map[string]any{"a": "1", "c": "3"}, tasks[0].Variables)
}

func (s *EngineSuite) TestBusinessKeyFilter() {
	_, err := s.eng.Publish(s.ctx, PublishRequest{Topic: "STEP_1", BusinessKey: "a"})
	s.Require().NoError(err)
	wanted, err := s.eng.Publish(s.ctx, PublishRequest{Topic: "STEP_1", BusinessKey: "b"})
	s.Require().NoError(err)

	t := topic("STEP_1")
	t.BusinessKey = "b"
	tasks := s.fetch(fetchReq("w-1", 5, t))
	s.Require().Len(tasks, 1)
	s.Equal(wanted, tasks[0].ID)
}

func (s *EngineSuite) TestLockExpiryMakesTaskFetchable() {
	id := s.publish("STEP_1", nil)
	s.Require().Len(s.fetch(fetchReq("w-1", 1, topic("STEP_1"))), 1)

	s.clock.Advance(9 * time.Second)
	s.Empty(s.fetch(fetchReq("w-2", 1, topic("STEP_1"))))

	s.clock.Advance(2 * time.Second)
	tasks := s.fetch(fetchReq("w-2", 1, topic("STEP_1")))
	s.Require().Len(tasks, 1)
	s.Equal(id, tasks[0].ID)
	s.Equal("w-2", tasks[0].WorkerID)

	// The first worker lost its lock.
	err := s.eng.Complete(s.ctx, id, "w-1", nil, nil)
	s.ErrorIs(err, api.ErrNotFoundOrLockExpired)

	s.NoError(s.eng.Complete(s.ctx, id, "w-2", nil, nil))
}

func (s *EngineSuite) TestReportWithExpiredLockFails() {
	id := s.publish("STEP_1", nil)
	s.Require().Len(s.fetch(fetchReq("w-1", 1, topic("STEP_1"))), 1)

	s.clock.Advance(11 * time.Second)
	s.ErrorIs(s.eng.Complete(s.ctx, id, "w-1", nil, nil), api.ErrNotFoundOrLockExpired)
	s.ErrorIs(s.eng.HandleFailure(s.ctx, id, "w-1", api.FailureReport{Retries: 1}), api.ErrNotFoundOrLockExpired)
	s.ErrorIs(s.eng.HandleBpmnError(s.ctx, id, "w-1", "E", "", nil), api.ErrNotFoundOrLockExpired)

	rec, err := s.eng.Get(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(StateOpen, rec.State)
}

func (s *EngineSuite) TestReportUnknownTask() {
	s.ErrorIs(s.eng.Complete(s.ctx, "nope", "w-1", nil, nil), api.ErrNotFoundOrLockExpired)
	s.ErrorIs(s.eng.Unlock(s.ctx, "nope"), api.ErrNotFoundOrLockExpired)

	_, err := s.eng.Get(s.ctx, "nope")
	s.ErrorIs(err, api.ErrTaskNotFound)
}

func (s *EngineSuite) TestComplete() {
	id := s.publish("STEP_1", map[string]any{"keep": "yes", "outcome": "pending"})
	s.Require().Len(s.fetch(fetchReq("w-1", 1, topic("STEP_1"))), 1)

	err := s.eng.Complete(s.ctx, id, "w-1", map[string]any{"outcome": "done"}, map[string]any{"note": "local"})
	s.Require().NoError(err)

	rec, err := s.eng.Get(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(StateCompleted, rec.State)
	s.Empty(rec.WorkerID)
	s.Equal(map[string]any{"keep": "yes", "outcome": "done"}, rec.Variables)
	s.Equal(map[string]any{"note": "local"}, rec.LocalVariables)

	s.Empty(s.fetch(fetchReq("w-1", 1, topic("STEP_1"))))
	s.ErrorIs(s.eng.Complete(s.ctx, id, "w-1", nil, nil), api.ErrNotFoundOrLockExpired)
}

func (s *EngineSuite) TestFailureRetryTimeoutDelaysRefetch() {
	id := s.publish("STEP_1", nil)
	s.Require().Len(s.fetch(fetchReq("w-1", 1, topic("STEP_1"))), 1)

	err := s.eng.HandleFailure(s.ctx, id, "w-1", api.FailureReport{
		ErrorMessage: "Error occurred",
		ErrorDetails: "details",
		Retries:      2,
		RetryTimeout: 5 * time.Second,
	})
	s.Require().NoError(err)

	rec, err := s.eng.Get(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(StateOpen, rec.State)
	s.Require().NotNil(rec.Retries)
	s.Equal(2, *rec.Retries)

	s.Empty(s.fetch(fetchReq("w-1", 1, topic("STEP_1"))))

	s.clock.Advance(5 * time.Second)
	tasks := s.fetch(fetchReq("w-1", 1, topic("STEP_1")))
	s.Require().Len(tasks, 1)
	s.Require().NotNil(tasks[0].Retries)
	s.Equal(2, *tasks[0].Retries)
	s.Equal("Error occurred", tasks[0].ErrorMessage)
	s.Equal("details", tasks[0].ErrorDetails)
}

func (s *EngineSuite) TestFailureWithZeroRetriesRaisesIncident() {
	id := s.publish("STEP_1", nil)
	s.Require().Len(s.fetch(fetchReq("w-1", 1, topic("STEP_1"))), 1)

	s.Require().NoError(s.eng.HandleFailure(s.ctx, id, "w-1", api.FailureReport{ErrorMessage: "boom", Retries: 0}))

	rec, err := s.eng.Get(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(StateIncident, rec.State)

	s.clock.Advance(time.Hour)
	s.Empty(s.fetch(fetchReq("w-1", 1, topic("STEP_1"))))

	incidents, err := s.eng.List(s.ctx, Filter{State: StateIncident})
	s.Require().NoError(err)
	s.Require().Len(incidents, 1)
	s.Equal(id, incidents[0].ID)
}

func (s *EngineSuite) TestBpmnError() {
	id := s.publish("STEP_1", nil)
	s.Require().Len(s.fetch(fetchReq("w-1", 1, topic("STEP_1"))), 1)

	err := s.eng.HandleBpmnError(s.ctx, id, "w-1", "BPMN_ERROR", "BPMN Error occurred", map[string]any{"reason": "stock"})
	s.Require().NoError(err)

	rec, err := s.eng.Get(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(StateBpmnError, rec.State)
	s.Equal("BPMN_ERROR", rec.ErrorCode)
	s.Equal("BPMN Error occurred", rec.ErrorMessage)
	s.Equal("stock", rec.Variables["reason"])
}

func (s *EngineSuite) TestExtendLock() {
	id := s.publish("STEP_1", nil)
	s.Require().Len(s.fetch(fetchReq("w-1", 1, topic("STEP_1"))), 1)

	s.ErrorIs(s.eng.ExtendLock(s.ctx, id, "w-2", time.Minute), api.ErrNotFoundOrLockExpired)
	s.Require().NoError(s.eng.ExtendLock(s.ctx, id, "w-1", time.Minute))

	s.clock.Advance(30 * time.Second)
	s.Empty(s.fetch(fetchReq("w-2", 1, topic("STEP_1"))))
	s.NoError(s.eng.Complete(s.ctx, id, "w-1", nil, nil))
}

func (s *EngineSuite) TestUnlock() {
	id := s.publish("STEP_1", nil)
	s.Require().Len(s.fetch(fetchReq("w-1", 1, topic("STEP_1"))), 1)

	s.Require().NoError(s.eng.Unlock(s.ctx, id))

	tasks := s.fetch(fetchReq("w-2", 1, topic("STEP_1")))
	s.Require().Len(tasks, 1)
	s.Equal("w-2", tasks[0].WorkerID)
}

func (s *EngineSuite) TestList() {
	a := s.publish("STEP_1", nil)
	b := s.publish("STEP_2", nil)

	all, err := s.eng.List(s.ctx, Filter{})
	s.Require().NoError(err)
	s.Require().Len(all, 2)
	s.Equal(a, all[0].ID)
	s.Equal(b, all[1].ID)

	step2, err := s.eng.List(s.ctx, Filter{Topic: "STEP_2", State: StateOpen})
	s.Require().NoError(err)
	s.Require().Len(step2, 1)
	s.Equal(b, step2[0].ID)
}

func (s *EngineSuite) TestLongPollWakesWhenTaskArrives() {
	req := fetchReq("w-1", 1, topic("STEP_1"))
	req.AsyncResponseTimeout = 5 * time.Second

	go func() {
		time.Sleep(30 * time.Millisecond)
		_, _ = s.eng.Publish(s.ctx, PublishRequest{Topic: "STEP_1"})
	}()

	start := time.Now()
	tasks := s.fetch(req)
	s.Len(tasks, 1)
	s.Less(time.Since(start), 2*time.Second)
}

func (s *EngineSuite) TestLongPollTimesOutEmpty() {
	req := fetchReq("w-1", 1, topic("STEP_1"))
	req.AsyncResponseTimeout = 40 * time.Millisecond

	start := time.Now()
	s.Empty(s.fetch(req))
	s.GreaterOrEqual(time.Since(start), 40*time.Millisecond)
}

func (s *EngineSuite) TestConcurrentFetchersNeverShareATask() {
	const total = 20
	for i := 0; i < total; i++ {
		s.publish("STEP_1", nil)
	}

	var (
		mu   sync.Mutex
		seen = map[string]string{}
		dups []string
		wg   sync.WaitGroup
	)
	for w := 0; w < 5; w++ {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			for {
				tasks, err := s.eng.FetchAndLock(s.ctx, fetchReq(workerID, 3, topic("STEP_1")))
				if err != nil || len(tasks) == 0 {
					return
				}
				mu.Lock()
				for _, task := range tasks {
					if prev, ok := seen[task.ID]; ok {
						dups = append(dups, prev+"/"+workerID)
					}
					seen[task.ID] = workerID
				}
				mu.Unlock()
			}
		}(fmt.Sprintf("w-%d", w))
	}
	wg.Wait()

	s.Empty(dups)
	s.Len(seen, total)
}

func (s *EngineSuite) TestInvalidRequests() {
	_, err := s.eng.Publish(s.ctx, PublishRequest{})
	s.ErrorIs(err, api.ErrInvalidConfig)

	_, err = s.eng.FetchAndLock(s.ctx, fetchReq("w-1", 0, topic("STEP_1")))
	s.ErrorIs(err, api.ErrInvalidConfig)

	_, err = s.eng.FetchAndLock(s.ctx, fetchReq("", 1, topic("STEP_1")))
	s.ErrorIs(err, api.ErrInvalidConfig)

	_, err = s.eng.FetchAndLock(s.ctx, fetchReq("w-1", 1, api.TopicRequest{Name: "STEP_1"}))
	s.ErrorIs(err, api.ErrInvalidConfig)

	id := s.publish("STEP_1", nil)
	s.Require().Len(s.fetch(fetchReq("w-1", 1, topic("STEP_1"))), 1)
	s.ErrorIs(s.eng.HandleFailure(s.ctx, id, "w-1", api.FailureReport{Retries: -1}), api.ErrInvalidConfig)

	// A rejected report leaves the lock in place.
	s.NoError(s.eng.Complete(s.ctx, id, "w-1", nil, nil))
}
