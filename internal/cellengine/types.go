package cellengine

// Experiment is a named collection of raw-data files, gating definitions,
// and populations in the remote analytics system. FcsFiles and Populations
// are filled by separate listing calls.
type Experiment struct {
	ID   string `json:"_id"`
	Name string `json:"name"`

	FcsFiles    []FcsFile    `json:"-"`
	Populations []Population `json:"-"`
}

// FcsFile is one raw-data file belonging to an experiment.
type FcsFile struct {
	ID   string `json:"_id"`
	Name string `json:"filename"`
}

// Population is a named node in an experiment's gating hierarchy.
type Population struct {
	ID   string `json:"_id"`
	Name string `json:"name"`
}

// AnnotationStatistic is one file's annotation record from a
// bulk-statistics call with annotations enabled.
type AnnotationStatistic struct {
	Filename    string
	Annotations map[string]interface{}
}

// Built-in compensation selectors. Values mirror the analytics API's
// reserved compensation identifiers.
const (
	Uncompensated = 0
	FileInternal  = -1
	PerFile       = -2
)

// Compensation selects the compensation applied to statistics. The zero
// value means uncompensated. Set ID for an explicit compensation document,
// or Builtin to one of the reserved selectors.
type Compensation struct {
	ID      string
	Builtin int
}

// value returns the wire representation of the compensation.
func (c Compensation) value() interface{} {
	if c.ID != "" {
		return c.ID
	}
	return c.Builtin
}
