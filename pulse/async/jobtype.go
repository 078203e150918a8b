package async

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/teranos/slate/errors"
)

// Kind selects how the tick executor advances a job type.
type Kind string

const (
	// KindLadder walks a fixed stage sequence, looping on each stage until
	// its output converges.
	KindLadder Kind = "ladder"
	// KindBatch processes independent items in creation order.
	KindBatch Kind = "batch"
)

// Limits bound the work a job of a given type may do.
type Limits struct {
	MaxAttempts   int `json:"max_attempts" mapstructure:"max_attempts"`
	MaxStageLoops int `json:"max_stage_loops" mapstructure:"max_stage_loops"`
	// MaxTotalSteps caps work units per job. Zero derives the cap from the
	// ledger, see StepBudget.
	MaxTotalSteps     int     `json:"max_total_steps" mapstructure:"max_total_steps"`
	ConvergenceTarget float64 `json:"convergence_target" mapstructure:"convergence_target"`
}

// DefaultLimits are used for fields a job type leaves at zero.
var DefaultLimits = Limits{
	MaxAttempts:       3,
	MaxStageLoops:     4,
	ConvergenceTarget: 0.8,
}

// StepBudget is the most work units a job with total ledger entries may
// perform. An explicit MaxTotalSteps wins. Otherwise every entry may spend
// its whole allowance: MaxAttempts per item, or MaxStageLoops per stage for
// each of MaxAttempts stage rounds on a ladder.
func (l Limits) StepBudget(kind Kind, total int) int {
	if l.MaxTotalSteps > 0 {
		return l.MaxTotalSteps
	}
	l = l.withDefaults()
	per := l.MaxAttempts
	if kind == KindLadder {
		per *= l.MaxStageLoops
	}
	return max(total, 1) * per
}

func (l Limits) withDefaults() Limits {
	if l.MaxAttempts <= 0 {
		l.MaxAttempts = DefaultLimits.MaxAttempts
	}
	if l.MaxStageLoops <= 0 {
		l.MaxStageLoops = DefaultLimits.MaxStageLoops
	}
	if l.MaxTotalSteps < 0 {
		l.MaxTotalSteps = 0
	}
	if l.ConvergenceTarget <= 0 {
		l.ConvergenceTarget = DefaultLimits.ConvergenceTarget
	}
	return l
}

// ItemResult is what an item work unit produced.
type ItemResult struct {
	OutputRef string
	// Skipped marks the item as not needing work (e.g. content already present).
	Skipped bool
}

// ItemFunc performs the opaque work for one batch item.
type ItemFunc func(ctx context.Context, job *Job, item *Item) (ItemResult, error)

// DecisionRequest is a stage asking a human to choose before it completes.
type DecisionRequest struct {
	Question string
	Options  []string
	Default  string
}

// StageResult is what one production loop of a ladder stage produced.
type StageResult struct {
	Score     float64
	OutputRef string
	Decision  *DecisionRequest
}

// StageFunc runs one production loop of a ladder stage. loop starts at 1.
type StageFunc func(ctx context.Context, job *Job, stage string, loop int) (StageResult, error)

// JobType configures the engine for one kind of job.
type JobType struct {
	Name   string
	Kind   Kind
	Limits Limits

	// Stages is the fixed ladder for KindLadder types.
	Stages   []string
	RunStage StageFunc

	// RunItem does the work of one item for KindBatch types.
	RunItem ItemFunc

	// Comparator picks the best ladder attempt. Defaults to HigherScore.
	Comparator Comparator
}

// PlanItems returns the item keys a new job of this type starts with.
func (jt *JobType) PlanItems(cfg JobConfig) ([]string, error) {
	if jt.Kind == KindLadder {
		return append([]string(nil), jt.Stages...), nil
	}
	if len(cfg.Items) == 0 {
		return nil, errors.NewInvalidRequestError("job type %s needs at least one item in config.items", jt.Name)
	}
	seen := make(map[string]bool, len(cfg.Items))
	for _, k := range cfg.Items {
		if k == "" {
			return nil, errors.NewInvalidRequestError("item keys cannot be empty")
		}
		if seen[k] {
			return nil, errors.NewInvalidRequestError("duplicate item key %q", k)
		}
		seen[k] = true
	}
	return append([]string(nil), cfg.Items...), nil
}

func (jt *JobType) validate() error {
	switch jt.Kind {
	case KindLadder:
		if len(jt.Stages) == 0 {
			return fmt.Errorf("ladder job type %s has no stages", jt.Name)
		}
		if jt.RunStage == nil {
			return fmt.Errorf("ladder job type %s has no stage function", jt.Name)
		}
	case KindBatch:
		if jt.RunItem == nil {
			return fmt.Errorf("batch job type %s has no item function", jt.Name)
		}
	default:
		return fmt.Errorf("job type %s has unknown kind %q", jt.Name, jt.Kind)
	}
	return nil
}

// Registry maps job type names to their configuration.
type Registry struct {
	types map[string]*JobType
	mu    sync.RWMutex
}

// NewRegistry creates an empty job type registry
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]*JobType)}
}

// Register adds a job type. Panics on duplicates or incomplete types, which
// are programming errors caught at startup.
func (r *Registry) Register(jt JobType) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if jt.Name == "" {
		panic("job type name cannot be empty")
	}
	if _, exists := r.types[jt.Name]; exists {
		panic(fmt.Sprintf("job type %s already registered", jt.Name))
	}
	if err := jt.validate(); err != nil {
		panic(err.Error())
	}
	jt.Limits = jt.Limits.withDefaults()
	if jt.Comparator == nil {
		jt.Comparator = HigherScore
	}
	r.types[jt.Name] = &jt
}

// Get returns a copy of the named job type.
func (r *Registry) Get(name string) (JobType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	jt, ok := r.types[name]
	if !ok {
		return JobType{}, false
	}
	return *jt, true
}

// Has reports whether a job type is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[name]
	return ok
}

// Names returns registered job type names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetLimits replaces the limits of a registered type, e.g. on config reload.
// Jobs pick the new limits up on their next tick.
func (r *Registry) SetLimits(name string, limits Limits) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	jt, ok := r.types[name]
	if !ok {
		return false
	}
	jt.Limits = limits.withDefaults()
	return true
}
