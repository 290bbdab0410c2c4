package scaling

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type workerMock struct {
	mock.Mock
	device string
	opts   *GPUScalingOpts
}

func (w *workerMock) UpdateOpts(opts *GPUScalingOpts) {
	w.Called(opts)
	w.opts = opts
}

func (w *workerMock) Stop() {
	w.Called()
}

func CreateMockWorker(device string, opts *GPUScalingOpts) *workerMock {
	w := &workerMock{
		device: device,
		opts:   opts,
	}
	return w
}

func TestGPUScalingWorker_UpdateOpts(t *testing.T) {
	expectedOpts := &GPUScalingOpts{
		SamplePeriod: 10 * time.Millisecond,
	}
	wrk := &gpuScalingWorkerImpl{}

	wrk.UpdateOpts(expectedOpts)
	assert.Equal(t, expectedOpts, wrk.opts.Load())
}

func TestGPUScalingWorker_Stop(t *testing.T) {
	cancelFuncCalled := false
	wrk := &gpuScalingWorkerImpl{
		waitGroup:  sync.WaitGroup{},
		cancelFunc: func() { cancelFuncCalled = true },
	}
	wrk.waitGroup.Add(1)
	doneCh := make(chan struct{})

	go func() {
		wrk.Stop()
		close(doneCh)
	}()

	// give goroutine time to start up
	time.Sleep(50 * time.Millisecond)

	select {
	case <-doneCh:
		t.Fatal("Function returned early - expected to be blocking")
	default:
	}

	wrk.waitGroup.Done()

	select {
	case <-doneCh:
		// function unblocked properly
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Function did not unblock properly after context was canceled.")
	}

	assert.True(t, cancelFuncCalled)
}

func TestGPUScalingWorker_runLoop(t *testing.T) {
	wrk := &gpuScalingWorkerImpl{
		waitGroup: sync.WaitGroup{},
	}
	opts := &GPUScalingOpts{
		SamplePeriod: 10 * time.Millisecond,
	}
	wrk.opts.Store(opts)
	upd := &updaterMock{}
	upd.On("Update", opts).Return()
	wrk.updater = upd

	wrk.waitGroup.Add(1)
	ctx, cancel := context.WithCancel(context.TODO())
	doneCh := make(chan struct{})

	go func() {
		wrk.runLoop(ctx)
		close(doneCh)
	}()

	// give goroutine time to start up
	time.Sleep(50 * time.Millisecond)

	select {
	case <-doneCh:
		t.Fatal("Function returned early - expected to be blocking")
	default:
	}

	cancel()

	select {
	case <-doneCh:
		// function unblocked properly
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Function did not unblock properly after context was canceled.")
	}

	upd.AssertCalled(t, "Update", opts)
}

func TestGPUScalingWorker_runLoopTestHook(t *testing.T) {
	origTestHookStopLoop := testHookStopLoop
	t.Cleanup(func() { testHookStopLoop = origTestHookStopLoop })
	testHookStopLoop = func() bool { return true }

	wrk := &gpuScalingWorkerImpl{}
	wrk.opts.Store(&GPUScalingOpts{SamplePeriod: time.Hour})
	upd := &updaterMock{}
	wrk.updater = upd
	wrk.waitGroup.Add(1)

	wrk.runLoop(context.TODO())

	upd.AssertNotCalled(t, "Update", mock.Anything)
}
