package monitoring

import (
	"fmt"
	"slices"
	"sync"

	"github.com/go-logr/logr"
	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/AMDEPYC/gpu-power-manager/pkg/dfrgx"
)

type governorSample struct {
	utilization int
	index       int
	frequency   uint
}

// GovernorRecorder keeps the last governor sample of every device and counts
// decisions. Decisions are recorded by the scaling workers and read back by
// prometheus at scrape time.
type GovernorRecorder struct {
	mu        sync.RWMutex
	samples   map[string]governorSample
	decisions *prom.CounterVec
	log       logr.Logger
}

func NewGovernorRecorder(logger logr.Logger) *GovernorRecorder {
	return &GovernorRecorder{
		samples: make(map[string]governorSample),
		decisions: prom.NewCounterVec(
			prom.CounterOpts{
				Namespace: promNamespace,
				Subsystem: dfrgxSubsystem,
				Name:      "decisions_total",
				Help:      "Counter of governor decisions by outcome",
			},
			[]string{deviceLabel, decisionLabel},
		),
		log: logger.WithName(dfrgxSubsystem),
	}
}

func (r *GovernorRecorder) RecordDecision(device string, decision dfrgx.Decision, utilization int, index int, frequency uint) {
	r.mu.Lock()
	r.samples[device] = governorSample{
		utilization: utilization,
		index:       index,
		frequency:   frequency,
	}
	r.mu.Unlock()

	r.decisions.WithLabelValues(device, decision.String()).Inc()
}

func (r *GovernorRecorder) ForgetDevice(device string) {
	r.mu.Lock()
	delete(r.samples, device)
	r.mu.Unlock()

	for _, decision := range dfrgx.Decisions() {
		r.decisions.DeleteLabelValues(device, decision.String())
	}
	r.log.V(4).Info("device metrics removed", logDeviceKey, device)
}

func (r *GovernorRecorder) devices() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	devices := make([]string, 0, len(r.samples))
	for device := range r.samples {
		devices = append(devices, device)
	}
	slices.Sort(devices)
	return devices
}

func (r *GovernorRecorder) sample(device string) (governorSample, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, found := r.samples[device]
	if !found {
		return governorSample{}, fmt.Errorf("%w: %s", ErrSampleMissing, device)
	}
	return s, nil
}

func (r *GovernorRecorder) GetUtilizationPercent(device string) (int, error) {
	s, err := r.sample(device)
	return s.utilization, err
}

func (r *GovernorRecorder) GetFrequencyIndex(device string) (int, error) {
	s, err := r.sample(device)
	return s.index, err
}

func (r *GovernorRecorder) GetFrequencyKHz(device string) (uint, error) {
	s, err := r.sample(device)
	return s.frequency, err
}

// Collectors returns the collectors exposing the recorded governor state.
func (r *GovernorRecorder) Collectors() []prom.Collector {
	return []prom.Collector{
		r.decisions,
		newPerDeviceCollector(
			prom.BuildFQName(promNamespace, dfrgxSubsystem, "utilization_percent"),
			"Gauge of the last GPU utilization sample",
			prom.GaugeValue,
			r.devices,
			r.GetUtilizationPercent,
			r.log.WithValues(logNameKey, "utilization_percent"),
		),
		newPerDeviceCollector(
			prom.BuildFQName(promNamespace, dfrgxSubsystem, "frequency_index"),
			"Gauge of the governor position in the frequency table",
			prom.GaugeValue,
			r.devices,
			r.GetFrequencyIndex,
			r.log.WithValues(logNameKey, "frequency_index"),
		),
		newPerDeviceCollector(
			prom.BuildFQName(promNamespace, dfrgxSubsystem, "frequency_khz"),
			"Gauge of the frequency selected by the governor in kHz",
			prom.GaugeValue,
			r.devices,
			r.GetFrequencyKHz,
			r.log.WithValues(logNameKey, "frequency_khz"),
		),
	}
}

// RegisterGovernorCollectors registers the recorder collectors on reg.
func RegisterGovernorCollectors(reg prom.Registerer, recorder *GovernorRecorder) {
	reg.MustRegister(recorder.Collectors()...)
}
