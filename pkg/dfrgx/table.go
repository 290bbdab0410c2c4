package dfrgx

// NotFound is returned by Table.IndexOf when a frequency is not in the table.
const NotFound int = -1

// Frequencies in kHz.
const (
	Freq200MHz uint = 200000
	Freq213MHz uint = 213333
	Freq266MHz uint = 266667
	Freq320MHz uint = 320000
	Freq355MHz uint = 355556
	Freq400MHz uint = 400000
	Freq457MHz uint = 457143
	Freq533MHz uint = 533333
	Freq640MHz uint = 640000
)

// Thresholds is a pair of utilization thresholds in percent.
type Thresholds struct {
	Low  int
	High int
}

type level struct {
	freq uint
	load Thresholds
}

// levels holds the base SKU frequency steps together with their ondemand
// load thresholds so the two can never drift out of alignment.
var levels = [...]level{
	{Freq200MHz, Thresholds{20, 20}},
	{Freq213MHz, Thresholds{33, 33}},
	{Freq266MHz, Thresholds{46, 46}},
	{Freq320MHz, Thresholds{58, 58}},
	{Freq355MHz, Thresholds{66, 66}},
	{Freq400MHz, Thresholds{78, 78}},
	{Freq457MHz, Thresholds{87, 87}},
	{Freq533MHz, Thresholds{92, 92}},
}

// OndemandSteps is the number of steps covered by the ondemand load table.
const OndemandSteps = len(levels)

// OndemandLoad returns the ondemand thresholds of step i.
func OndemandLoad(i int) (Thresholds, bool) {
	if i < 0 || i >= len(levels) {
		return Thresholds{}, false
	}
	return levels[i].load, true
}

// Table is an ascending list of available GPU frequencies in kHz.
type Table []uint

// NewFrequencyTable returns the frequency table for the SKU. fuseSet adds
// the extended 640 MHz step on top of the base levels.
func NewFrequencyTable(fuseSet bool) Table {
	t := make(Table, 0, len(levels)+1)
	for _, l := range levels {
		t = append(t, l.freq)
	}
	if fuseSet {
		t = append(t, Freq640MHz)
	}
	return t
}

// IsValid reports whether freq is an entry of the table.
func (t Table) IsValid(freq uint) bool {
	return t.IndexOf(freq) != NotFound
}

// IndexOf returns the position of freq in the table or NotFound.
func (t Table) IndexOf(freq uint) int {
	for i, f := range t {
		if f == freq {
			return i
		}
	}
	return NotFound
}

// FrequencyAt returns the frequency stored at index i.
func (t Table) FrequencyAt(i int) (uint, bool) {
	if i < 0 || i >= len(t) {
		return 0, false
	}
	return t[i], true
}

// MaxIndex is the index of the highest frequency in the table.
func (t Table) MaxIndex() int {
	return len(t) - 1
}
