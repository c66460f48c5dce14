package worker

import (
	"context"
	"sync"

	"github.com/petrijr/extask/pkg/api"
)

type completeCall struct {
	TaskID    string
	WorkerID  string
	Vars      map[string]any
	LocalVars map[string]any
}

type failureCall struct {
	TaskID   string
	WorkerID string
	Report   api.FailureReport
}

type bpmnCall struct {
	TaskID   string
	WorkerID string
	Code     string
	Message  string
	Vars     map[string]any
}

// fakeClient records every call. fetch decides what the n-th (1-based)
// fetch returns; a nil fetch returns no tasks.
type fakeClient struct {
	mu sync.Mutex

	fetch     func(n int, req api.FetchAndLockRequest) ([]*api.ExternalTask, error)
	reportErr error

	requests   []api.FetchAndLockRequest
	completes  []completeCall
	failures   []failureCall
	bpmnErrors []bpmnCall
}

var _ api.EngineClient = (*fakeClient)(nil)

func (f *fakeClient) FetchAndLock(ctx context.Context, req api.FetchAndLockRequest) ([]*api.ExternalTask, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	n := len(f.requests)
	fetch := f.fetch
	f.mu.Unlock()

	if fetch == nil {
		return nil, nil
	}
	return fetch(n, req)
}

func (f *fakeClient) Complete(ctx context.Context, taskID, workerID string, vars, localVars map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completes = append(f.completes, completeCall{taskID, workerID, vars, localVars})
	return f.reportErr
}

func (f *fakeClient) HandleFailure(ctx context.Context, taskID, workerID string, report api.FailureReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, failureCall{taskID, workerID, report})
	return f.reportErr
}

func (f *fakeClient) HandleBpmnError(ctx context.Context, taskID, workerID, errorCode, errorMessage string, vars map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bpmnErrors = append(f.bpmnErrors, bpmnCall{taskID, workerID, errorCode, errorMessage, vars})
	return f.reportErr
}

func (f *fakeClient) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeClient) completeCalls() []completeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]completeCall(nil), f.completes...)
}

func (f *fakeClient) failureCalls() []failureCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]failureCall(nil), f.failures...)
}

func (f *fakeClient) bpmnCalls() []bpmnCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bpmnCall(nil), f.bpmnErrors...)
}
