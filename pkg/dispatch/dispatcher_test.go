package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gaborcsardi/mirai/pkg/daemon"
	"github.com/gaborcsardi/mirai/pkg/protocol"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type DispatcherTest struct {
	suite.Suite
	dispatcher *Dispatcher
	cancel     context.CancelFunc
	stops      []func()
}

func (suite *DispatcherTest) SetupTest() {
	suite.dispatcher = nil
	suite.cancel = nil
	suite.stops = nil
}

func (suite *DispatcherTest) TearDownTest() {
	for _, stop := range suite.stops {
		stop()
	}
	if suite.dispatcher != nil {
		suite.dispatcher.Close()
	}
	if suite.cancel != nil {
		suite.cancel()
	}
}

func (suite *DispatcherTest) newDispatcher(slots int) *Dispatcher {
	urls := make([]string, slots)
	for i := range urls {
		urls[i] = "tcp://127.0.0.1:0"
	}

	dispatcher, err := NewDispatcher(urls, nil)
	require.NoError(suite.T(), err)

	ctx, cancel := context.WithCancel(context.Background())
	suite.dispatcher = dispatcher
	suite.cancel = cancel
	go dispatcher.Run(ctx)

	return dispatcher
}

// Start an in-process daemon dialing the given URL. Returns the
// evaluator for sticky state inspection and a stop function.
func (suite *DispatcherTest) startDaemon(url string) (*daemon.EchoEvaluator, func()) {
	eval := &daemon.EchoEvaluator{}
	d := daemon.New(&daemon.Config{URL: url, Autoexit: true}, eval)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(ctx)
	}()

	stop := func() {
		cancel()
		<-done
	}
	suite.stops = append(suite.stops, stop)
	return eval, stop
}

func (suite *DispatcherTest) waitOnline(n int) {
	require.Eventually(suite.T(), func() bool {
		return suite.dispatcher.Status().Connections == n
	}, 5*time.Second, 10*time.Millisecond)
}

func taskFrame(id, payload string) *protocol.Frame {
	return &protocol.Frame{
		Kind:    protocol.FrameTask,
		Payload: []byte(payload),
		Extensions: []protocol.Extension{
			{Tag: protocol.ExtTaskID, Blob: []byte(id)},
		},
	}
}

func newTask(payload string) (*Task, chan *protocol.Result) {
	uid, _ := uuid.NewRandom()
	results := make(chan *protocol.Result, 1)

	task := &Task{
		ID:          uid.String(),
		Frame:       taskFrame(uid.String(), payload),
		SubmittedAt: time.Now(),
		OnComplete: func(result *protocol.Result) {
			results <- result
		},
	}
	return task, results
}

func (suite *DispatcherTest) TestFifoAssignment() {
	dispatcher := suite.newDispatcher(1)
	suite.startDaemon(dispatcher.URLs()[0])
	suite.waitOnline(1)

	var mu sync.Mutex
	var order []int

	const count = 6
	chans := make([]chan *protocol.Result, count)
	for i := 0; i < count; i++ {
		i := i
		uid, _ := uuid.NewRandom()
		results := make(chan *protocol.Result, 1)
		chans[i] = results

		dispatcher.Submit(&Task{
			ID:    uid.String(),
			Frame: taskFrame(uid.String(), "sleep:10ms"),
			OnComplete: func(result *protocol.Result) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				results <- result
			},
		})
	}

	for i := 0; i < count; i++ {
		select {
		case result := <-chans[i]:
			assert.Equal(suite.T(), protocol.ResultOk, result.Kind)
		case <-time.After(5 * time.Second):
			suite.T().Fatal("task did not complete")
		}
	}

	// A single daemon serves the queue strictly in submission order
	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < count; i++ {
		assert.Equal(suite.T(), i, order[i])
	}
}

func (suite *DispatcherTest) TestLeastLoadedBalancing() {
	dispatcher := suite.newDispatcher(2)
	suite.startDaemon(dispatcher.URLs()[0])
	suite.startDaemon(dispatcher.URLs()[1])
	suite.waitOnline(2)

	const count = 4
	chans := make([]chan *protocol.Result, count)
	for i := 0; i < count; i++ {
		task, results := newTask("sleep:150ms")
		chans[i] = results
		dispatcher.Submit(task)
	}

	for _, results := range chans {
		select {
		case result := <-results:
			assert.Equal(suite.T(), protocol.ResultOk, result.Kind)
		case <-time.After(5 * time.Second):
			suite.T().Fatal("task did not complete")
		}
	}

	// Sleeps overlap, so the work must have been spread evenly
	for _, record := range suite.dispatcher.Status().Daemons {
		assert.Equal(suite.T(), int64(2), record.Assigned)
		assert.Equal(suite.T(), int64(2), record.Complete)
	}
}

func (suite *DispatcherTest) TestAtMostOneInFlight() {
	dispatcher := suite.newDispatcher(1)
	suite.startDaemon(dispatcher.URLs()[0])
	suite.waitOnline(1)

	task1, results1 := newTask("sleep:300ms")
	task2, results2 := newTask("sleep:10ms")
	dispatcher.Submit(task1)
	dispatcher.Submit(task2)

	// While the first task runs, the second stays queued
	require.Eventually(suite.T(), func() bool {
		return dispatcher.Status().Daemons[0].InflightTaskID == task1.ID
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(suite.T(), 1, dispatcher.Pending())

	result := <-results1
	assert.Equal(suite.T(), protocol.ResultOk, result.Kind)
	result = <-results2
	assert.Equal(suite.T(), protocol.ResultOk, result.Kind)

	record := dispatcher.Status().Daemons[0]
	assert.Equal(suite.T(), int64(2), record.Assigned)
	assert.Equal(suite.T(), int64(2), record.Complete)
	assert.Equal(suite.T(), "", record.InflightTaskID)
}

func (suite *DispatcherTest) TestTransportLostMidTask() {
	dispatcher := suite.newDispatcher(2)
	_, stop1 := suite.startDaemon(dispatcher.URLs()[0])
	suite.startDaemon(dispatcher.URLs()[1])
	suite.waitOnline(2)

	task1, results1 := newTask("sleep:10s")
	dispatcher.Submit(task1)

	require.Eventually(suite.T(), func() bool {
		return dispatcher.Status().Daemons[0].InflightTaskID == task1.ID
	}, 5*time.Second, 10*time.Millisecond)

	// Kill the daemon executing the task
	stop1()

	select {
	case result := <-results1:
		assert.Equal(suite.T(), protocol.ResultTransportLost, result.Kind)
	case <-time.After(5 * time.Second):
		suite.T().Fatal("transport loss not surfaced")
	}

	// The task is not requeued and the other daemon keeps serving
	assert.Equal(suite.T(), 0, dispatcher.Pending())

	task2, results2 := newTask("hello")
	dispatcher.Submit(task2)

	select {
	case result := <-results2:
		assert.Equal(suite.T(), protocol.ResultOk, result.Kind)
		assert.Equal(suite.T(), []byte("hello"), result.Payload)
	case <-time.After(5 * time.Second):
		suite.T().Fatal("surviving daemon did not serve")
	}
}

func (suite *DispatcherTest) TestCancelQueued() {
	dispatcher := suite.newDispatcher(1)
	suite.startDaemon(dispatcher.URLs()[0])
	suite.waitOnline(1)

	task1, results1 := newTask("sleep:300ms")
	task2, _ := newTask("sleep:10ms")
	dispatcher.Submit(task1)
	dispatcher.Submit(task2)

	require.Eventually(suite.T(), func() bool {
		return dispatcher.Pending() == 1
	}, 5*time.Second, 10*time.Millisecond)

	task2.Cancel()
	assert.True(suite.T(), dispatcher.Cancel(task2.ID))
	assert.Equal(suite.T(), 0, dispatcher.Pending())

	result := <-results1
	assert.Equal(suite.T(), protocol.ResultOk, result.Kind)

	// The canceled task never reached the daemon
	record := dispatcher.Status().Daemons[0]
	assert.Equal(suite.T(), int64(1), record.Assigned)
}

func (suite *DispatcherTest) TestCancelInFlightInterruptsDaemon() {
	dispatcher := suite.newDispatcher(1)
	suite.startDaemon(dispatcher.URLs()[0])
	suite.waitOnline(1)

	task1, results1 := newTask("sleep:10s")
	dispatcher.Submit(task1)

	require.Eventually(suite.T(), func() bool {
		return dispatcher.Status().Daemons[0].InflightTaskID == task1.ID
	}, 5*time.Second, 10*time.Millisecond)

	// In-flight: not removable from the queue, a cancel frame goes
	// out instead
	assert.False(suite.T(), dispatcher.Cancel(task1.ID))

	select {
	case result := <-results1:
		assert.Equal(suite.T(), protocol.ResultInterrupt, result.Kind)
	case <-time.After(5 * time.Second):
		suite.T().Fatal("interrupt not delivered")
	}

	// The daemon survives and serves further tasks
	task2, results2 := newTask("next")
	dispatcher.Submit(task2)

	select {
	case result := <-results2:
		assert.Equal(suite.T(), protocol.ResultOk, result.Kind)
	case <-time.After(5 * time.Second):
		suite.T().Fatal("daemon did not recover")
	}
}

func (suite *DispatcherTest) TestEvalErrorDoesNotPoison() {
	dispatcher := suite.newDispatcher(1)
	suite.startDaemon(dispatcher.URLs()[0])
	suite.waitOnline(1)

	task1, results1 := newTask("error:object not found")
	dispatcher.Submit(task1)

	result := <-results1
	assert.Equal(suite.T(), protocol.ResultEvalError, result.Kind)
	assert.Equal(suite.T(), "object not found", result.Message)

	task2, results2 := newTask("panic:worse")
	dispatcher.Submit(task2)

	result = <-results2
	assert.Equal(suite.T(), protocol.ResultEvalError, result.Kind)
	assert.Equal(suite.T(), "worse", result.Message)
	assert.NotEmpty(suite.T(), result.Stack)

	// The daemon stays online and keeps serving
	task3, results3 := newTask("fine")
	dispatcher.Submit(task3)

	result = <-results3
	assert.Equal(suite.T(), protocol.ResultOk, result.Kind)
	assert.Equal(suite.T(), 1, dispatcher.Status().Connections)
}

func (suite *DispatcherTest) TestCloseFlushesQueueAsCanceled() {
	dispatcher := suite.newDispatcher(1)

	// No daemon connects; tasks stay queued
	chans := make([]chan *protocol.Result, 3)
	for i := range chans {
		task, results := newTask("never")
		chans[i] = results
		dispatcher.Submit(task)
	}

	dispatcher.Close()

	for _, results := range chans {
		select {
		case result := <-results:
			assert.Equal(suite.T(), protocol.ResultCanceled, result.Kind)
		case <-time.After(time.Second):
			suite.T().Fatal("pending task not flushed")
		}
	}

	// Submissions after close resolve as canceled immediately
	task, results := newTask("late")
	dispatcher.Submit(task)
	result := <-results
	assert.Equal(suite.T(), protocol.ResultCanceled, result.Kind)
}

func (suite *DispatcherTest) TestSaisei() {
	dispatcher := suite.newDispatcher(1)
	_, stop := suite.startDaemon(dispatcher.URLs()[0])
	suite.waitOnline(1)

	before := dispatcher.Status().Daemons[0]
	assert.Equal(suite.T(), 1, before.Instance)

	url, err := dispatcher.Saisei(0)
	require.NoError(suite.T(), err)
	assert.NotEqual(suite.T(), before.URL, url)

	// The old connection is invalidated, the counter flips negative
	stop()
	record := dispatcher.Status().Daemons[0]
	assert.Equal(suite.T(), 0, record.Online)
	assert.Equal(suite.T(), -1, record.Instance)

	// A fresh daemon on the new URL repositivates the counter
	suite.startDaemon(url)
	suite.waitOnline(1)

	record = dispatcher.Status().Daemons[0]
	assert.Equal(suite.T(), 1, record.Online)
	assert.Equal(suite.T(), 2, record.Instance)
}

func (suite *DispatcherTest) TestStickySetupReplay() {
	dispatcher := suite.newDispatcher(2)

	// Installed before any daemon connects
	dispatcher.Everywhere([]byte("library(state)"))

	eval1, _ := suite.startDaemon(dispatcher.URLs()[0])
	suite.waitOnline(1)

	require.Eventually(suite.T(), func() bool {
		return string(eval1.Sticky) == "library(state)"
	}, 5*time.Second, 10*time.Millisecond)

	// Replayed on daemons that connect later
	eval2, _ := suite.startDaemon(dispatcher.URLs()[1])
	suite.waitOnline(2)

	require.Eventually(suite.T(), func() bool {
		return string(eval2.Sticky) == "library(state)"
	}, 5*time.Second, 10*time.Millisecond)

	// And re-delivered to connected daemons when it changes
	dispatcher.Everywhere([]byte("library(more)"))

	require.Eventually(suite.T(), func() bool {
		return string(eval1.Sticky) == "library(more)" && string(eval2.Sticky) == "library(more)"
	}, 5*time.Second, 10*time.Millisecond)
}

func (suite *DispatcherTest) TestParallelThroughput() {
	dispatcher := suite.newDispatcher(4)
	for _, url := range dispatcher.URLs() {
		suite.startDaemon(url)
	}
	suite.waitOnline(4)

	start := time.Now()

	const count = 10
	chans := make([]chan *protocol.Result, count)
	for i := 0; i < count; i++ {
		task, results := newTask("sleep:100ms")
		chans[i] = results
		dispatcher.Submit(task)
	}

	for _, results := range chans {
		result := <-results
		assert.Equal(suite.T(), protocol.ResultOk, result.Kind)
	}

	// Ten 100ms tasks on four daemons take three rounds, not ten
	assert.Less(suite.T(), time.Since(start), 900*time.Millisecond)
}

func TestDispatcher(t *testing.T) {
	suite.Run(t, &DispatcherTest{})
}
