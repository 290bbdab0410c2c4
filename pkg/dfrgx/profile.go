package dfrgx

// Profile selects which threshold pair drives burst decisions.
type Profile int

// The ordinal of a profile is its position in the profile threshold table.
const (
	SimpleOndemand Profile = iota
	PowerSave
	Performance
	Userspace
)

// Governor names as exposed by devfreq.
const (
	GovernorPerformance    = "performance"
	GovernorPowerSave      = "powersave"
	GovernorSimpleOndemand = "simple_ondemand"
	GovernorUserspace      = "userspace"
)

// governorNameLen bounds profile name comparison, like DEVFREQ_NAME_LEN.
const governorNameLen = 16

var profileThresholds = [...]Thresholds{
	SimpleOndemand: {65, 87},
	PowerSave:      {78, 92},
	Performance:    {38, 48},
	Userspace:      {67, 85},
}

var profileNames = [...]string{
	SimpleOndemand: GovernorSimpleOndemand,
	PowerSave:      GovernorPowerSave,
	Performance:    GovernorPerformance,
	Userspace:      GovernorUserspace,
}

// Profiles lists every profile in ordinal order.
func Profiles() []Profile {
	return []Profile{SimpleOndemand, PowerSave, Performance, Userspace}
}

func (p Profile) valid() bool {
	return p >= SimpleOndemand && p <= Userspace
}

// Thresholds returns the (low, high) utilization pair of the profile.
func (p Profile) Thresholds() Thresholds {
	if !p.valid() {
		return Thresholds{}
	}
	return profileThresholds[p]
}

func (p Profile) String() string {
	if !p.valid() {
		return "unknown"
	}
	return profileNames[p]
}

// ParseProfile maps a devfreq governor name to a profile. Matching is exact
// and case sensitive over at most governorNameLen bytes.
func ParseProfile(name string) (Profile, bool) {
	if len(name) > governorNameLen {
		name = name[:governorNameLen]
	}
	for i, n := range profileNames {
		if n == name {
			return Profile(i), true
		}
	}
	return 0, false
}
