package scaling

import (
	"errors"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/AMDEPYC/gpu-power-manager/internal/metrics"
	"github.com/AMDEPYC/gpu-power-manager/pkg/dfrgx"
)

// DecisionRecorder receives the outcome of every governor evaluation.
type DecisionRecorder interface {
	RecordDecision(device string, decision dfrgx.Decision, utilization int, index int, frequency uint)
	ForgetDevice(device string)
}

type GPUScalingUpdater interface {
	Update(opts *GPUScalingOpts)
}

// gpuScalingUpdaterImpl owns the governor state of one device. Update must
// only be called from the worker loop of that device.
type gpuScalingUpdaterImpl struct {
	devfreqClient metrics.DevfreqTelemetryClient
	recorder      DecisionRecorder
	logger        logr.Logger

	state    *dfrgx.State
	governor string
	minIndex int
	maxIndex int
}

func NewGPUScalingUpdater(
	devfreqClient metrics.DevfreqTelemetryClient,
	recorder DecisionRecorder,
	logger logr.Logger,
) GPUScalingUpdater {
	updater := &gpuScalingUpdaterImpl{
		devfreqClient: devfreqClient,
		recorder:      recorder,
		logger:        logger,
	}

	return updater
}

func resolveLimits(table dfrgx.Table, opts *GPUScalingOpts) (int, int) {
	minIndex, maxIndex := opts.MinFreqIndex, opts.MaxFreqIndex
	if minIndex == IndexNotSet {
		minIndex = 0
	}
	if maxIndex == IndexNotSet || maxIndex > table.MaxIndex() {
		maxIndex = table.MaxIndex()
	}
	return minIndex, maxIndex
}

func (u *gpuScalingUpdaterImpl) initState(opts *GPUScalingOpts) error {
	fuseSet := dfrgx.IsMaxFuseSet(metrics.NewFuseReporter(u.devfreqClient, opts.Device))
	table := dfrgx.NewFrequencyTable(fuseSet)
	minIndex, maxIndex := resolveLimits(table, opts)

	state, err := dfrgx.NewState(table, minIndex, maxIndex, dfrgx.SimpleOndemand)
	if err != nil {
		return fmt.Errorf("failed to create governor state for device %s: %w", opts.Device, err)
	}
	state.SetProfile(opts.Governor)

	u.state = state
	u.governor = opts.Governor
	u.minIndex, u.maxIndex = minIndex, maxIndex
	u.logger.Info("governor state created",
		"fuseSet", fuseSet, "minIndex", minIndex, "maxIndex", maxIndex, "profile", state.Profile().String())

	return nil
}

// applyOpts carries option changes made after the state was created.
func (u *gpuScalingUpdaterImpl) applyOpts(opts *GPUScalingOpts) {
	if opts.Governor != u.governor {
		ondemand := u.state.SetProfile(opts.Governor)
		u.governor = opts.Governor
		u.logger.Info("governor profile changed", "profile", u.state.Profile().String(), "ondemand", ondemand)
	}

	minIndex, maxIndex := resolveLimits(u.state.Table(), opts)
	if minIndex == u.minIndex && maxIndex == u.maxIndex {
		return
	}
	if err := u.state.SetLimits(minIndex, maxIndex); err != nil {
		u.logger.Error(err, "keeping previous frequency limits")
		return
	}
	u.minIndex, u.maxIndex = minIndex, maxIndex
	u.logger.Info("frequency limits changed", "minIndex", minIndex, "maxIndex", maxIndex)
}

func (u *gpuScalingUpdaterImpl) Update(opts *GPUScalingOpts) {
	if u.state == nil {
		if err := u.initState(opts); err != nil {
			u.logger.Error(err, "skipping sample")
			return
		}
	}
	u.applyOpts(opts)

	if freq, err := u.devfreqClient.GetCurrentFrequency(opts.Device); err != nil {
		u.logger.V(5).Info("current frequency unavailable", "error", err.Error())
	} else if !u.state.Sync(freq) {
		u.logger.V(4).Info("device frequency not in table", "frequency", freq)
	}

	utilization, err := u.devfreqClient.GetUtilizationPercent(opts.Device)
	if err != nil {
		u.logger.V(4).Info("utilization unavailable, using fallback frequency", "error", err.Error())
		u.applyFallback(opts)
		return
	}

	active, err := u.devfreqClient.IsDeviceActive(opts.Device)
	if errors.Is(err, metrics.ErrMetricMissing) {
		// no runtime PM on this device, it is always powered
		active = true
	} else if err != nil {
		u.logger.V(4).Info("activity unavailable", "error", err.Error())
		active = true
	}

	decision := u.state.Decide(utilization, active)
	freq, _ := u.state.Frequency()
	u.recorder.RecordDecision(opts.Device, decision, utilization, u.state.Index(), freq)

	if decision == dfrgx.NoBurstRequested {
		return
	}

	u.logger.V(5).Info("requesting frequency",
		"decision", decision.String(), "utilization", utilization, "index", u.state.Index(), "frequency", freq)
	if err := setGPUFrequencyFunc(opts.Device, freq); err != nil {
		u.logger.Error(err, "failed to apply frequency", "frequency", freq)
	}
}

func (u *gpuScalingUpdaterImpl) applyFallback(opts *GPUScalingOpts) {
	if opts.FallbackFreq == 0 {
		return
	}
	if !u.state.Table().IsValid(opts.FallbackFreq) {
		u.logger.V(4).Info("fallback frequency not in table", "frequency", opts.FallbackFreq)
		return
	}
	if err := setGPUFrequencyFunc(opts.Device, opts.FallbackFreq); err != nil {
		u.logger.Error(err, "failed to apply fallback frequency", "frequency", opts.FallbackFreq)
	}
}
