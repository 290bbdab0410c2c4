package dfrgx

import "errors"

// MaxFuse640MHz is the fuse value reported when the 640 MHz step is usable.
const MaxFuse640MHz = 0x4

// ErrFuseNotReported is wrapped by reporters when the device exposes no fuse
// setting at all, which is normal on SKUs without the extended step.
var ErrFuseNotReported = errors.New("max fuse setting not reported")

// FuseReporter reports the max frequency fuse setting of the GPU.
type FuseReporter interface {
	MaxFuseSetting() (int, error)
}

// IsMaxFuseSet reports whether the hardware supports the extended 640 MHz
// top frequency. A reporter error counts as not set.
func IsMaxFuseSet(reporter FuseReporter) bool {
	val, err := reporter.MaxFuseSetting()
	if errors.Is(err, ErrFuseNotReported) {
		log.V(4).Info("no max fuse setting, using base frequency table", "reason", err.Error())
		return false
	}
	if err != nil {
		log.Error(err, "failed to read max fuse setting")
		return false
	}

	return val == MaxFuse640MHz
}
