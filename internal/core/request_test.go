package core

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breathsync/breathsync/internal/dhp"
	"github.com/breathsync/breathsync/internal/provider"
)

type fakeTransport struct {
	mu        sync.Mutex
	active    int
	maxActive int
	executed  []string
	delays    map[string]time.Duration
	fail      map[string]bool
}

func (f *fakeTransport) ID() string   { return "fake" }
func (f *fakeTransport) Type() string { return "fake" }

func (f *fakeTransport) CheckHealth(ctx context.Context) provider.HealthState {
	return provider.HealthStateHealthy
}

func (f *fakeTransport) Execute(ctx context.Context, req *dhp.Request) (*dhp.Result, error) {
	f.mu.Lock()
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	f.executed = append(f.executed, req.ObjectName)
	delay := f.delays[req.ObjectName]
	fail := f.fail[req.ObjectName]
	f.mu.Unlock()

	time.Sleep(delay)

	f.mu.Lock()
	f.active--
	f.mu.Unlock()

	if fail {
		return nil, errors.New("connection reset")
	}
	return &dhp.Result{StatusCode: http.StatusOK, Body: []byte(`{"responseCode":"Success"}`)}, nil
}

func newFakeRegistry(t *testing.T, tr provider.Transport) *provider.DefaultRegistry {
	t.Helper()
	reg := provider.NewRegistry()
	require.NoError(t, reg.Register(tr))
	require.NoError(t, reg.SetPrimary(tr.ID()))
	return reg
}

func named(name string) *dhp.Request {
	return &dhp.Request{API: dhp.APIRetrieval, ObjectName: name, Payload: map[string]string{}}
}

func TestRequestQueue_FIFOOneInFlight(t *testing.T) {
	tr := &fakeTransport{delays: map[string]time.Duration{"R1": 30 * time.Millisecond, "R3": 10 * time.Millisecond}}
	rq := NewRequestQueue(newFakeRegistry(t, tr), nil, nil)

	var mu sync.Mutex
	var order []string
	var messages []string
	cb := func(name string) dhp.Callback {
		return func(success bool, message string, body []byte) {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			messages = append(messages, message)
			assert.True(t, success)
		}
	}

	rq.Add(named("R1"), cb("R1"))
	rq.Add(named("R2"), cb("R2"))
	rq.Add(named("R3"), cb("R3"))
	assert.True(t, rq.InFlight())
	rq.Wait()

	assert.Equal(t, []string{"R1", "R2", "R3"}, order)
	assert.Equal(t, []string{"Success", "Success", "Success"}, messages)
	assert.Equal(t, []string{"R1", "R2", "R3"}, tr.executed)
	assert.Equal(t, 1, tr.maxActive)
	assert.False(t, rq.InFlight())
	assert.Equal(t, 0, rq.Pending())
}

func TestRequestQueue_CallbackCanEnqueue(t *testing.T) {
	tr := &fakeTransport{}
	rq := NewRequestQueue(newFakeRegistry(t, tr), nil, nil)

	done := make(chan string, 2)
	rq.Add(named("first"), func(success bool, message string, body []byte) {
		done <- "first"
		rq.Add(named("second"), func(bool, string, []byte) { done <- "second" })
	})
	rq.Wait()

	assert.Equal(t, "first", <-done)
	assert.Equal(t, "second", <-done)
}

func TestRequestQueue_AddDuringLastCallbackWaits(t *testing.T) {
	tr := &fakeTransport{}
	rq := NewRequestQueue(newFakeRegistry(t, tr), nil, nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	var events []string
	record := func(e string) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
	}

	rq.Add(named("R1"), func(bool, string, []byte) {
		record("R1 start")
		close(entered)
		<-release
		record("R1 end")
	})
	<-entered
	assert.True(t, rq.InFlight())

	added := make(chan struct{})
	go func() {
		rq.Add(named("R2"), func(bool, string, []byte) { record("R2") })
		close(added)
	}()
	<-added
	time.Sleep(20 * time.Millisecond)
	close(release)
	rq.Wait()

	assert.Equal(t, []string{"R1 start", "R1 end", "R2"}, events)
	assert.Equal(t, []string{"R1", "R2"}, tr.executed)
	assert.False(t, rq.InFlight())
}

func TestRequestQueue_FailureStillAdvances(t *testing.T) {
	tr := &fakeTransport{fail: map[string]bool{"R1": true}}
	rq := NewRequestQueue(newFakeRegistry(t, tr), nil, nil)

	results := make(chan bool, 2)
	rq.Add(named("R1"), func(success bool, message string, body []byte) {
		assert.Contains(t, message, "connection reset")
		assert.Nil(t, body)
		results <- success
	})
	rq.Add(named("R2"), func(success bool, _ string, _ []byte) { results <- success })
	rq.Wait()

	assert.False(t, <-results)
	assert.True(t, <-results)
}

func TestRequestQueue_NoTransport(t *testing.T) {
	rq := NewRequestQueue(provider.NewRegistry(), nil, nil)

	var gotMessage string
	var gotSuccess = true
	rq.Add(named("R1"), func(success bool, message string, body []byte) {
		gotSuccess, gotMessage = success, message
	})
	rq.Wait()

	assert.False(t, gotSuccess)
	assert.Equal(t, provider.ErrNoTransport.Error(), gotMessage)
}

func TestRequestQueue_Status(t *testing.T) {
	store := newTestStore(t)
	tr := &fakeTransport{fail: map[string]bool{"bad": true}}
	rq := NewRequestQueue(newFakeRegistry(t, tr), store.DB(), nil)
	require.NoError(t, rq.EnsureSchema(context.Background()))

	for _, name := range []string{"ok-1", "bad", "ok-2"} {
		rq.Add(named(name), nil)
	}
	rq.Wait()

	status, err := rq.GetStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, status.Pending)
	assert.False(t, status.InFlight)
	assert.Equal(t, 2, status.CompletedToday)
	assert.Equal(t, 1, status.FailedToday)
}
