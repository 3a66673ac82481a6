package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/Misty4119/nds-api/internal/ir"
)

// Scenario is a multi-node ledger run: nodes are started, steps are applied
// in order, and assertions check the final state.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Manifest is an optional CUE ledger manifest, relative to the
	// scenario file. Every node loads it.
	Manifest string `yaml:"manifest,omitempty"`

	Nodes      []NodeSpec  `yaml:"nodes"`
	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// NodeSpec describes one participant. Peers name other nodes of the
// scenario; a node only pulls from its peers.
type NodeSpec struct {
	ID    string   `yaml:"id"`
	Peers []string `yaml:"peers,omitempty"`
	// Merge is "clock-sum" (default) or "commutative".
	Merge string `yaml:"merge,omitempty"`
	// Overdraft enables the INSUFFICIENT_BALANCE check. Default true.
	Overdraft *bool `yaml:"overdraft,omitempty"`
}

// Step is one action. Which fields apply depends on Action.
type Step struct {
	// Action is one of commit, sync, crash, abort, rebuild.
	Action string `yaml:"action"`

	// Node runs the step.
	Node string `yaml:"node"`

	// Peer is the node pulled from by sync, or by crash with during: sync.
	Peer string `yaml:"peer,omitempty"`

	// Deltas are staged by commit and abort.
	Deltas []Delta `yaml:"deltas,omitempty"`

	// Mode is the consistency mode of a commit. Default STRONG.
	Mode ir.ConsistencyMode `yaml:"mode,omitempty"`

	// During makes a crash interrupt a sync round after it applied events
	// and before the watermark is saved. Empty means a plain restart.
	During string `yaml:"during,omitempty"`

	// Projection names the projection to rebuild.
	Projection string `yaml:"projection,omitempty"`

	// ExpectError is the error code the step must fail with. Empty
	// means the step must succeed.
	ExpectError ir.ErrorCode `yaml:"expect_error,omitempty"`
}

// Delta is one asset change staged as an ASSET_UPDATED event.
type Delta struct {
	Asset  string        `yaml:"asset"`
	Amount string        `yaml:"amount"`
	Scope  ir.AssetScope `yaml:"scope,omitempty"`
	Reason string        `yaml:"reason,omitempty"`
}

// Assertion checks one fact about a node after all steps ran.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	Node   string `yaml:"node"`
	Origin string `yaml:"origin,omitempty"`
	Peer   string `yaml:"peer,omitempty"`
	Asset  string `yaml:"asset,omitempty"`

	// Seq is the expected latest seq (latest_seq, watermark) or the
	// event looked up (event_exists).
	Seq uint64 `yaml:"seq,omitempty"`

	// Exists is the expected presence for event_exists. Default true.
	Exists *bool `yaml:"exists,omitempty"`

	// Count is the number of recorded conflicts on Asset.
	Count int `yaml:"count,omitempty"`

	// Equals is the expected balance as an exact decimal.
	Equals string `yaml:"equals,omitempty"`

	// Projection limits fold_deterministic to one projection.
	Projection string `yaml:"projection,omitempty"`
}

// Step actions.
const (
	StepCommit  = "commit"
	StepSync    = "sync"
	StepCrash   = "crash"
	StepAbort   = "abort"
	StepRebuild = "rebuild"
)

// Assertion types.
const (
	AssertLatestSeq         = "latest_seq"
	AssertEventExists       = "event_exists"
	AssertConflict          = "conflict"
	AssertBalance           = "balance"
	AssertWatermark         = "watermark"
	AssertFoldDeterministic = "fold_deterministic"
)

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected so typos fail loudly. A relative manifest path is resolved
// against the scenario's directory.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	s, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}
	if s.Manifest != "" && !filepath.IsAbs(s.Manifest) {
		s.Manifest = filepath.Join(filepath.Dir(path), s.Manifest)
	}
	if s.Manifest != "" {
		if _, err := os.Stat(s.Manifest); err != nil {
			return nil, fmt.Errorf("invalid scenario: manifest: %w", err)
		}
	}
	return s, nil
}

// ParseScenario decodes and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(s.Nodes) == 0 {
		return fmt.Errorf("nodes list is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	ids := make([]string, 0, len(s.Nodes))
	for i, n := range s.Nodes {
		if n.ID == "" {
			return fmt.Errorf("nodes[%d]: id is required", i)
		}
		if slices.Contains(ids, n.ID) {
			return fmt.Errorf("nodes[%d]: duplicate id %q", i, n.ID)
		}
		ids = append(ids, n.ID)
	}
	known := func(id string) bool { return slices.Contains(ids, id) }
	for i, n := range s.Nodes {
		for _, p := range n.Peers {
			if !known(p) || p == n.ID {
				return fmt.Errorf("nodes[%d]: invalid peer %q", i, p)
			}
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(step, known); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a, known); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(step Step, known func(string) bool) error {
	if !known(step.Node) {
		return fmt.Errorf("unknown node %q", step.Node)
	}
	switch step.Action {
	case StepCommit, StepAbort:
		if len(step.Deltas) == 0 {
			return fmt.Errorf("deltas are required for %s", step.Action)
		}
		for j, d := range step.Deltas {
			if d.Asset == "" || d.Amount == "" {
				return fmt.Errorf("deltas[%d]: asset and amount are required", j)
			}
		}
	case StepSync:
		if !known(step.Peer) {
			return fmt.Errorf("unknown peer %q", step.Peer)
		}
	case StepCrash:
		switch step.During {
		case "":
		case StepSync:
			if !known(step.Peer) {
				return fmt.Errorf("unknown peer %q", step.Peer)
			}
		default:
			return fmt.Errorf("crash during %q is not supported", step.During)
		}
	case StepRebuild:
		if step.Projection == "" {
			return fmt.Errorf("projection is required for rebuild")
		}
	case "":
		return fmt.Errorf("action is required")
	default:
		return fmt.Errorf("unknown action %q", step.Action)
	}
	return nil
}

func validateAssertion(a Assertion, known func(string) bool) error {
	if a.Type == "" {
		return fmt.Errorf("type is required")
	}
	if !known(a.Node) {
		return fmt.Errorf("unknown node %q", a.Node)
	}
	switch a.Type {
	case AssertLatestSeq:
		if a.Origin == "" {
			return fmt.Errorf("origin is required for latest_seq")
		}
	case AssertEventExists:
		if a.Origin == "" || a.Seq == 0 {
			return fmt.Errorf("origin and seq are required for event_exists")
		}
	case AssertConflict:
		if a.Asset == "" || a.Count < 0 {
			return fmt.Errorf("asset and a non-negative count are required for conflict")
		}
	case AssertBalance:
		if a.Asset == "" || a.Equals == "" {
			return fmt.Errorf("asset and equals are required for balance")
		}
	case AssertWatermark:
		if !known(a.Peer) || a.Origin == "" {
			return fmt.Errorf("peer and origin are required for watermark")
		}
	case AssertFoldDeterministic:
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
