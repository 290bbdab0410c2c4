package scaling

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/AMDEPYC/gpu-power-manager/internal/metrics"
)

var (
	testHookStopLoop func() bool
)

type GPUScalingWorker interface {
	UpdateOpts(opts *GPUScalingOpts)
	Stop()
}

type gpuScalingWorkerImpl struct {
	device     string
	opts       atomic.Pointer[GPUScalingOpts]
	cancelFunc func()
	waitGroup  sync.WaitGroup
	updater    GPUScalingUpdater
}

func NewGPUScalingWorker(
	device string,
	devfreqClient metrics.DevfreqTelemetryClient,
	recorder DecisionRecorder,
	opts *GPUScalingOpts,
	logger logr.Logger,
) GPUScalingWorker {
	ctx, cancelFunc := context.WithCancel(context.Background())

	worker := &gpuScalingWorkerImpl{
		device:     device,
		cancelFunc: cancelFunc,
		waitGroup:  sync.WaitGroup{},
	}

	worker.opts.Store(opts)
	worker.updater = NewGPUScalingUpdater(devfreqClient, recorder, logger.WithValues("device", device))
	worker.waitGroup.Add(1)

	go worker.runLoop(ctx)

	return worker
}

func (w *gpuScalingWorkerImpl) UpdateOpts(opts *GPUScalingOpts) {
	w.opts.Store(opts)
}

func (w *gpuScalingWorkerImpl) Stop() {
	w.cancelFunc()
	w.waitGroup.Wait()
}

// runLoop is the only caller of the updater, so the governor state it owns
// never sees concurrent access.
func (w *gpuScalingWorkerImpl) runLoop(ctx context.Context) {
	defer w.waitGroup.Done()

	for {
		if testHookStopLoop != nil {
			if testHookStopLoop() {
				return
			}
		}

		opts := w.opts.Load()
		select {
		case <-ctx.Done():
			return
		case <-time.After(opts.SamplePeriod):
			w.updater.Update(opts)
		}
	}
}
