package scaling

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap/zapcore"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/AMDEPYC/gpu-power-manager/internal/metrics"
)

func createNewGPUScalingManager() (*gpuScalingManagerImpl, *devfreqClientMock, *recorderMock) {
	log.SetLogger(zap.New(
		zap.UseDevMode(true),
		func(opts *zap.Options) {
			opts.TimeEncoder = zapcore.ISO8601TimeEncoder
		},
	))

	client := &devfreqClientMock{}
	client.On("RegisterDevice", mock.Anything).Return()
	client.On("UnregisterDevice", mock.Anything).Return()
	recorder := &recorderMock{}
	recorder.On("ForgetDevice", mock.Anything).Return()

	return &gpuScalingManagerImpl{
		devfreqClient: client,
		recorder:      recorder,
		logger:        ctrl.Log.WithName("test-log"),
	}, client, recorder
}

func TestGPUScalingManager_Start(t *testing.T) {
	mgr, client, recorder := createNewGPUScalingManager()
	w := &workerMock{}
	w.On("Stop").Return()
	mgr.workers.Store("gpu0", w)

	ctx, cancel := context.WithCancel(context.TODO())

	cancel()
	assert.NoError(t, mgr.Start(ctx))

	w.AssertCalled(t, "Stop")
	client.AssertCalled(t, "UnregisterDevice", "gpu0")
	recorder.AssertCalled(t, "ForgetDevice", "gpu0")
	assert.Empty(t, mgr.ManagedDevices())
}

func TestGPUScalingManager_UpdateConfigAfterStop(t *testing.T) {
	origNewGPUScalingWorkerFunc := newGPUScalingWorkerFunc
	t.Cleanup(func() {
		newGPUScalingWorkerFunc = origNewGPUScalingWorkerFunc
	})
	created := 0
	newGPUScalingWorkerFunc = func(
		device string,
		_ metrics.DevfreqTelemetryClient,
		_ DecisionRecorder,
		opts *GPUScalingOpts,
		_ logr.Logger,
	) GPUScalingWorker {
		created++
		return CreateMockWorker(device, opts)
	}

	mgr, client, _ := createNewGPUScalingManager()
	ctx, cancel := context.WithCancel(context.TODO())
	cancel()
	assert.NoError(t, mgr.Start(ctx))

	// a late reload must not leave workers behind
	mgr.UpdateConfig([]GPUScalingOpts{{Device: "gpu0", SamplePeriod: time.Second}})

	assert.Zero(t, created)
	assert.Empty(t, mgr.ManagedDevices())
	client.AssertNotCalled(t, "RegisterDevice", mock.Anything)
}

func TestGPUScalingManager_UpdateConfig(t *testing.T) {
	origNewGPUScalingWorkerFunc := newGPUScalingWorkerFunc
	t.Cleanup(func() {
		newGPUScalingWorkerFunc = origNewGPUScalingWorkerFunc
	})
	newGPUScalingWorkerFunc = func(
		device string,
		_ metrics.DevfreqTelemetryClient,
		_ DecisionRecorder,
		opts *GPUScalingOpts,
		_ logr.Logger,
	) GPUScalingWorker {
		w := CreateMockWorker(device, opts)
		return w
	}

	tcases := []struct {
		testCase         string
		initialConfig    []GPUScalingOpts
		remainingDevices []string
		newConfig        []GPUScalingOpts
	}{
		{
			testCase:         "Test Case 1 - New Workers in an empty worker pool",
			initialConfig:    []GPUScalingOpts{},
			remainingDevices: []string{},
			newConfig: []GPUScalingOpts{
				{
					Device:       "gpu0",
					SamplePeriod: 10 * time.Millisecond,
				},
				{
					Device:       "gpu1",
					SamplePeriod: 100 * time.Millisecond,
				},
			},
		},
		{
			testCase: "Test Case 2 - New Workers extending already populated worker pool",
			initialConfig: []GPUScalingOpts{
				{
					Device:       "gpu0",
					SamplePeriod: 50 * time.Millisecond,
				},
				{
					Device:       "gpu1",
					SamplePeriod: 500 * time.Millisecond,
				},
			},
			remainingDevices: []string{"gpu0", "gpu1"},
			newConfig: []GPUScalingOpts{
				{
					Device:       "gpu0",
					SamplePeriod: 10 * time.Millisecond,
				},
				{
					Device:       "gpu1",
					SamplePeriod: 100 * time.Millisecond,
				},
				{
					Device:       "gpu2",
					SamplePeriod: 100 * time.Millisecond,
				},
			},
		},
		{
			testCase: "Test Case 3 - Updating existing workers",
			initialConfig: []GPUScalingOpts{
				{
					Device:       "gpu0",
					SamplePeriod: 50 * time.Millisecond,
					Governor:     "simple_ondemand",
				},
			},
			remainingDevices: []string{"gpu0"},
			newConfig: []GPUScalingOpts{
				{
					Device:       "gpu0",
					SamplePeriod: 10 * time.Millisecond,
					Governor:     "performance",
				},
			},
		},
		{
			testCase: "Test Case 4 - Removing some workers from existing pool",
			initialConfig: []GPUScalingOpts{
				{
					Device:       "gpu0",
					SamplePeriod: 10 * time.Millisecond,
				},
				{
					Device:       "gpu1",
					SamplePeriod: 100 * time.Millisecond,
				},
				{
					Device:       "gpu2",
					SamplePeriod: 100 * time.Millisecond,
				},
			},
			remainingDevices: []string{"gpu0"},
			newConfig: []GPUScalingOpts{
				{
					Device:       "gpu0",
					SamplePeriod: 10 * time.Millisecond,
				},
			},
		},
		{
			testCase: "Test Case 5 - Removing all workers from existing pool",
			initialConfig: []GPUScalingOpts{
				{
					Device:       "gpu0",
					SamplePeriod: 10 * time.Millisecond,
				},
				{
					Device:       "gpu1",
					SamplePeriod: 100 * time.Millisecond,
				},
			},
			remainingDevices: []string{},
			newConfig:        []GPUScalingOpts{},
		},
	}

	for _, tc := range tcases {
		t.Log(tc.testCase)

		mgr, client, recorder := createNewGPUScalingManager()

		// create workers from initial configuration
		initialWorkers := make(map[string]*workerMock, 0)
		for _, opt := range tc.initialConfig {
			w := CreateMockWorker(opt.Device, &opt)
			// set up Stop call for workers that should get removed
			if !slices.Contains(tc.remainingDevices, opt.Device) {
				w.On("Stop").Return()
			}
			initialWorkers[opt.Device] = w
			mgr.workers.Store(opt.Device, w)
		}
		// set up UpdateOpts call for workers that should get updated
		for _, opt := range tc.newConfig {
			if slices.Contains(tc.remainingDevices, opt.Device) {
				initialWorkers[opt.Device].On("UpdateOpts", &opt).Return()
			}
		}

		mgr.UpdateConfig(tc.newConfig)

		// assert all workers from options were created
		// and have correct values
		assert.ElementsMatch(t, deviceNames(tc.newConfig), mgr.ManagedDevices())
		for _, opt := range tc.newConfig {
			w, found := mgr.getGPUScalingWorker(opt.Device)
			assert.True(t, found)
			typedW := w.(*workerMock)
			assert.Equal(t, &opt, typedW.opts)
			client.AssertCalled(t, "RegisterDevice", &metrics.DevfreqDeviceData{Name: opt.Device})
		}
		// assert all initial workers were either stopped or updated
		for _, opt := range tc.initialConfig {
			w := initialWorkers[opt.Device]
			if !slices.Contains(tc.remainingDevices, opt.Device) {
				w.AssertCalled(t, "Stop")
				client.AssertCalled(t, "UnregisterDevice", opt.Device)
				recorder.AssertCalled(t, "ForgetDevice", opt.Device)
			}
		}
		for _, opt := range tc.newConfig {
			if slices.Contains(tc.remainingDevices, opt.Device) {
				initialWorkers[opt.Device].AssertCalled(t, "UpdateOpts", &opt)
			}
		}
	}
}

func deviceNames(optsList []GPUScalingOpts) []string {
	names := make([]string, 0, len(optsList))
	for _, opts := range optsList {
		names = append(names, opts.Device)
	}
	return names
}
