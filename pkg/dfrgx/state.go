package dfrgx

import (
	"errors"
	"fmt"
)

// ErrInvalidLimits is returned when min/max indexes do not fit the table.
var ErrInvalidLimits = errors.New("invalid frequency index limits")

// State is the per-device governor state. It is not safe for concurrent use;
// exactly one goroutine may own a State and call its methods.
type State struct {
	table    Table
	index    int
	minIndex int
	maxIndex int
	profile  Profile
}

// NewState creates a governor state positioned at minIndex.
func NewState(table Table, minIndex, maxIndex int, profile Profile) (*State, error) {
	if err := checkLimits(table, minIndex, maxIndex); err != nil {
		return nil, err
	}
	if !profile.valid() {
		return nil, fmt.Errorf("unknown governor profile %d", int(profile))
	}

	return &State{
		table:    table,
		index:    minIndex,
		minIndex: minIndex,
		maxIndex: maxIndex,
		profile:  profile,
	}, nil
}

func checkLimits(table Table, minIndex, maxIndex int) error {
	if minIndex < 0 || maxIndex >= len(table) || minIndex > maxIndex {
		return fmt.Errorf("%w: min %d, max %d, table size %d",
			ErrInvalidLimits, minIndex, maxIndex, len(table))
	}
	return nil
}

func (s *State) Table() Table { return s.table }
func (s *State) Index() int { return s.index }
func (s *State) MinIndex() int { return s.minIndex }
func (s *State) MaxIndex() int { return s.maxIndex }
func (s *State) Profile() Profile { return s.profile }
func (s *State) IsOndemand() bool { return s.profile == SimpleOndemand }

// Frequency returns the frequency at the current index.
func (s *State) Frequency() (uint, bool) {
	return s.table.FrequencyAt(s.index)
}

// SetLimits changes the allowed index range. An index above the new maximum
// is pulled down to it; an index below the new minimum is left for the next
// decision to raise.
func (s *State) SetLimits(minIndex, maxIndex int) error {
	if err := checkLimits(s.table, minIndex, maxIndex); err != nil {
		return err
	}
	s.minIndex = minIndex
	s.maxIndex = maxIndex
	if s.index > maxIndex {
		s.index = maxIndex
	}
	return nil
}

// Sync moves the state to the table entry matching freq, which is the
// frequency the device actually runs at. It returns false and leaves the
// state untouched when freq is not a table entry.
func (s *State) Sync(freq uint) bool {
	i := s.table.IndexOf(freq)
	if i == NotFound {
		return false
	}
	if i > s.maxIndex {
		i = s.maxIndex
	}
	s.index = i
	return true
}

// SetProfile switches the active profile by governor name and reports
// whether the stepped ondemand policy now applies. Unknown names are ignored.
func (s *State) SetProfile(name string) bool {
	p, ok := ParseProfile(name)
	if !ok {
		log.V(5).Info("ignoring unknown governor", "governor", name)
		return false
	}
	s.profile = p
	return p == SimpleOndemand
}

// SetProfile is the free-function form of State.SetProfile.
func SetProfile(name string, s *State) bool {
	return s.SetProfile(name)
}

func (s *State) clamp() {
	switch {
	case s.index < s.minIndex:
		s.index = s.minIndex
	case s.index > s.maxIndex:
		s.index = s.maxIndex
	}
}
