package scaling

import (
	"context"
	"os"
	"sync"

	"github.com/go-logr/logr"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/manager"

	"github.com/AMDEPYC/gpu-power-manager/internal/metrics"
)

// Func definitions for unit testing
var (
	newGPUScalingWorkerFunc = NewGPUScalingWorker
)

type GPUScalingManager interface {
	manager.Runnable
	UpdateConfig(optList []GPUScalingOpts)
	ManagedDevices() []string
}

type gpuScalingManagerImpl struct {
	devfreqClient metrics.DevfreqTelemetryClient
	recorder      DecisionRecorder
	workers       sync.Map
	logger        logr.Logger

	// configMu serializes UpdateConfig with stop, no workers start once stopped
	configMu sync.Mutex
	stopped  bool
}

func NewGPUScalingManager(devfreqClient metrics.DevfreqTelemetryClient, recorder DecisionRecorder) GPUScalingManager {
	nodeName := os.Getenv("NODE_NAME")

	mgr := &gpuScalingManagerImpl{
		devfreqClient: devfreqClient,
		recorder:      recorder,
		logger:        ctrl.Log.WithName("GPUScalingManager").WithName(nodeName),
	}

	return mgr
}

func (s *gpuScalingManagerImpl) Start(ctx context.Context) error {
	<-ctx.Done()
	s.stop()
	return nil
}

func (s *gpuScalingManagerImpl) stop() {
	s.configMu.Lock()
	defer s.configMu.Unlock()
	s.stopped = true

	s.logger.V(5).Info("stopping all workers")

	for _, device := range s.ManagedDevices() {
		s.stopWorker(device)
	}

	s.logger.V(5).Info("successfully stopped all")
}

func (s *gpuScalingManagerImpl) stopWorker(device string) {
	worker, found := s.workers.LoadAndDelete(device)
	if !found {
		s.logger.V(5).Info("worker already stopped", "device", device)
		return
	}

	worker.(GPUScalingWorker).Stop()
	s.devfreqClient.UnregisterDevice(device)
	s.recorder.ForgetDevice(device)
	s.logger.V(5).Info("worker stopped successfully", "device", device)
}

func (s *gpuScalingManagerImpl) UpdateConfig(optsList []GPUScalingOpts) {
	s.configMu.Lock()
	defer s.configMu.Unlock()
	if s.stopped {
		s.logger.V(4).Info("manager stopped, ignoring configuration update", "devices", len(optsList))
		return
	}

	incomingDevices := map[string]struct{}{}
	currentDevices := s.ManagedDevices()

	// create or update workers as per new config
	for _, opts := range optsList {
		incomingDevices[opts.Device] = struct{}{}

		s.devfreqClient.RegisterDevice(&metrics.DevfreqDeviceData{
			Name:            opts.Device,
			UtilizationPath: opts.UtilizationPath,
			FusePath:        opts.FusePath,
		})

		worker, found := s.getGPUScalingWorker(opts.Device)
		if !found {
			s.logger.V(5).Info("creating worker", "device", opts.Device)

			s.workers.Store(
				opts.Device,
				newGPUScalingWorkerFunc(
					opts.Device,
					s.devfreqClient,
					s.recorder,
					&opts,
					s.logger,
				),
			)
		} else {
			worker.UpdateOpts(&opts)
		}
	}

	// stop workers on devices that are no longer managed
	for _, device := range currentDevices {
		if _, contains := incomingDevices[device]; !contains {
			s.logger.V(5).Info("stopping worker", "device", device)
			s.stopWorker(device)
		}
	}
}

func (s *gpuScalingManagerImpl) ManagedDevices() []string {
	devices := make([]string, 0)
	s.workers.Range(func(key, value any) bool {
		devices = append(devices, key.(string))
		return true
	})

	return devices
}

func (s *gpuScalingManagerImpl) getGPUScalingWorker(device string) (GPUScalingWorker, bool) {
	if value, found := s.workers.Load(device); found {
		return value.(GPUScalingWorker), true
	}

	return nil, false
}
