package scaling

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

const (
	userspaceGovernor = "userspace"
	devfreqBasePath   = "/sys/class/devfreq"

	governorFile = "governor"
	setFreqFile  = "userspace/set_freq"

	hzPerKHz = 1000
)

func getGPUFreqPath(device string, resource string) string {
	return filepath.Join(devfreqBasePath, device, resource)
}

var (
	getGPUFreqPathFunction = getGPUFreqPath
	setGPUFrequencyFunc    = setGPUFrequency
)

// get current devfreq governor
func getCurrentGovernor(device string) (string, error) {
	governorPath := getGPUFreqPathFunction(device, governorFile)

	currentGovernor, err := os.ReadFile(governorPath)
	if err != nil {
		return "", fmt.Errorf("failed to read current governor for device %s: %w", device, err)
	}
	return strings.TrimSpace(string(currentGovernor)), nil
}

func isUserspaceGovernor(device string) (bool, error) {
	governor, err := getCurrentGovernor(device)
	if err != nil {
		return false, err
	}
	return governor == userspaceGovernor, nil
}

// setGPUFrequency requests the frequency in kHz for the device through the
// devfreq userspace governor.
func setGPUFrequency(device string, frequency uint) error {
	isUserspace, err := isUserspaceGovernor(device)
	if err != nil {
		return fmt.Errorf("failed to get userspace governor for device %s: %w", device, err)
	}

	if !isUserspace {
		return fmt.Errorf("userspace governor not set for device %s", device)
	}

	setFreqPath := getGPUFreqPathFunction(device, setFreqFile)
	if err := unix.Access(setFreqPath, unix.W_OK); err != nil {
		return fmt.Errorf("set_freq not writable for device %s: %w", device, err)
	}

	// devfreq takes Hz
	err = os.WriteFile(setFreqPath, []byte(fmt.Sprintf("%d", uint64(frequency)*hzPerKHz)), 0644)
	if err != nil {
		return fmt.Errorf("failed to set frequency for device %s: %w", device, err)
	}

	return nil
}
