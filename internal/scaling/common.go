package scaling

import "time"

// IndexNotSet leaves a frequency index limit at the table default.
const IndexNotSet int = -1

type GPUScalingOpts struct {
	Device          string
	SamplePeriod    time.Duration
	Governor        string
	MinFreqIndex    int
	MaxFreqIndex    int
	FallbackFreq    uint
	UtilizationPath string
	FusePath        string
}
