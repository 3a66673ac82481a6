package harness

// TraceEvent records what one step did. Detail holds step-specific
// values (transaction id, seq range, applied counts, error code) so the
// trace can be compared against a golden file.
type TraceEvent struct {
	Step   int            `json:"step"`
	Action string         `json:"action"`
	Node   string         `json:"node"`
	Detail map[string]any `json:"detail,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every step behaved as expected and every
	// assertion held.
	Pass bool `json:"pass"`

	Trace  []TraceEvent `json:"trace"`
	Errors []string     `json:"errors,omitempty"`

	// Digests maps node to projection to state digest at the end of the run.
	Digests map[string]map[string]string `json:"digests,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:    true,
		Trace:   []TraceEvent{},
		Errors:  []string{},
		Digests: map[string]map[string]string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) addTrace(step int, action, node string, detail map[string]any) {
	r.Trace = append(r.Trace, TraceEvent{Step: step, Action: action, Node: node, Detail: detail})
}
