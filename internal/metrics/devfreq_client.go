package metrics

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/go-logr/logr"

	"github.com/AMDEPYC/gpu-power-manager/pkg/dfrgx"
)

const (
	devfreqBasePath = "/sys/class/devfreq"

	curFreqFile        = "cur_freq"
	availableFreqsFile = "available_frequencies"
	loadFile           = "load"
	runtimeStatusFile  = "device/power/runtime_status"

	runtimeStatusActive = "active"
	hzPerKHz            = 1000
)

var (
	ErrDeviceNotRegistered = errors.New("device is not registered")

	devfreqBasePathFunction = func() string { return devfreqBasePath }
)

// DevfreqDeviceData describes where telemetry of a GPU devfreq device lives.
// Empty paths fall back to the standard devfreq attributes; a relative path
// is resolved against the device directory.
type DevfreqDeviceData struct {
	Name            string
	UtilizationPath string
	FusePath        string
}

type DevfreqTelemetryClient interface {
	RegisterDevice(data *DevfreqDeviceData)
	UnregisterDevice(name string)
	ListDevices() []DevfreqDeviceData
	GetUtilizationPercent(device string) (int, error)
	IsDeviceActive(device string) (bool, error)
	GetCurrentFrequency(device string) (uint, error)
	GetAvailableFrequencies(device string) ([]uint, error)
	GetMaxFuseSetting(device string) (int, error)
}

type devfreqTelemetryClientImpl struct {
	log     logr.Logger
	devices sync.Map
}

func NewDevfreqTelemetryClient(logger logr.Logger) DevfreqTelemetryClient {
	return &devfreqTelemetryClientImpl{
		log: logger,
	}
}

func (cl *devfreqTelemetryClientImpl) RegisterDevice(data *DevfreqDeviceData) {
	if _, present := cl.devices.LoadOrStore(data.Name, data); !present {
		cl.log.V(4).Info("device registered", deviceLogKey, data.Name)
	} else {
		cl.devices.Store(data.Name, data)
	}
}

func (cl *devfreqTelemetryClientImpl) UnregisterDevice(name string) {
	if _, found := cl.devices.LoadAndDelete(name); found {
		cl.log.V(4).Info("device unregistered", deviceLogKey, name)
	}
}

func (cl *devfreqTelemetryClientImpl) ListDevices() []DevfreqDeviceData {
	dataList := make([]DevfreqDeviceData, 0)
	cl.devices.Range(func(key, value any) bool {
		dataList = append(dataList, *value.(*DevfreqDeviceData))
		return true
	})

	return dataList
}

func (cl *devfreqTelemetryClientImpl) getDevice(name string) (*DevfreqDeviceData, error) {
	value, found := cl.devices.Load(name)
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotRegistered, name)
	}
	return value.(*DevfreqDeviceData), nil
}

func devicePath(device, resource string) string {
	if filepath.IsAbs(resource) {
		return resource
	}
	return filepath.Join(devfreqBasePathFunction(), device, resource)
}

// readAttribute returns the trimmed content of a sysfs attribute. A missing
// attribute is reported as ErrMetricMissing.
func readAttribute(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrMetricMissing, path)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// parseUtilization accepts a bare percentage or the devfreq "load@freq" form.
func parseUtilization(raw string) (int, error) {
	value, _, _ := strings.Cut(raw, "@")
	util, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("failed to parse utilization %q: %w", raw, err)
	}
	return util, nil
}

func parseHzAsKHz(raw string) (uint, error) {
	hz, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse frequency %q: %w", raw, err)
	}
	return uint(hz / hzPerKHz), nil
}

func (cl *devfreqTelemetryClientImpl) GetUtilizationPercent(device string) (int, error) {
	data, err := cl.getDevice(device)
	if err != nil {
		return 0, err
	}
	resource := data.UtilizationPath
	if resource == "" {
		resource = loadFile
	}

	raw, err := readAttribute(devicePath(device, resource))
	if err != nil {
		return 0, err
	}
	util, err := parseUtilization(raw)
	if err != nil {
		return 0, err
	}
	cl.log.V(5).Info("utilization sampled", deviceLogKey, device, "utilization", util)

	return util, nil
}

func (cl *devfreqTelemetryClientImpl) IsDeviceActive(device string) (bool, error) {
	if _, err := cl.getDevice(device); err != nil {
		return false, err
	}

	status, err := readAttribute(devicePath(device, runtimeStatusFile))
	if err != nil {
		return false, err
	}
	return status == runtimeStatusActive, nil
}

// GetCurrentFrequency returns the device frequency in kHz.
func (cl *devfreqTelemetryClientImpl) GetCurrentFrequency(device string) (uint, error) {
	if _, err := cl.getDevice(device); err != nil {
		return 0, err
	}

	raw, err := readAttribute(devicePath(device, curFreqFile))
	if err != nil {
		return 0, err
	}
	return parseHzAsKHz(raw)
}

// GetAvailableFrequencies returns the frequencies the device advertises in kHz.
func (cl *devfreqTelemetryClientImpl) GetAvailableFrequencies(device string) ([]uint, error) {
	if _, err := cl.getDevice(device); err != nil {
		return nil, err
	}

	raw, err := readAttribute(devicePath(device, availableFreqsFile))
	if err != nil {
		return nil, err
	}

	fields := strings.Fields(raw)
	freqs := make([]uint, 0, len(fields))
	for _, field := range fields {
		freq, err := parseHzAsKHz(field)
		if err != nil {
			return nil, err
		}
		freqs = append(freqs, freq)
	}
	return freqs, nil
}

// GetMaxFuseSetting reads the max frequency fuse value, decimal or 0x hex.
func (cl *devfreqTelemetryClientImpl) GetMaxFuseSetting(device string) (int, error) {
	data, err := cl.getDevice(device)
	if err != nil {
		return 0, err
	}
	if data.FusePath == "" {
		return 0, fmt.Errorf("%w: %w: no fuse path for %s", dfrgx.ErrFuseNotReported, ErrMetricMissing, device)
	}

	raw, err := readAttribute(devicePath(device, data.FusePath))
	if errors.Is(err, ErrMetricMissing) {
		return 0, fmt.Errorf("%w: %w", dfrgx.ErrFuseNotReported, err)
	}
	if err != nil {
		return 0, err
	}
	val, err := strconv.ParseInt(raw, 0, 32)
	if err != nil {
		cl.log.V(4).Info("unparsable fuse setting", deviceLogKey, device, pathLogKey, data.FusePath)
		return 0, fmt.Errorf("failed to parse fuse setting %q: %w", raw, err)
	}
	return int(val), nil
}

type deviceFuseReporter struct {
	client DevfreqTelemetryClient
	device string
}

func (r deviceFuseReporter) MaxFuseSetting() (int, error) {
	return r.client.GetMaxFuseSetting(r.device)
}

// NewFuseReporter binds the fuse reading of one device, so it can be handed
// to dfrgx.IsMaxFuseSet.
func NewFuseReporter(client DevfreqTelemetryClient, device string) dfrgx.FuseReporter {
	return deviceFuseReporter{client: client, device: device}
}
