package pipeline

import (
	"fmt"
	"slices"
	"sync"

	pferrors "github.com/drblury/phaseflow/internal/runtime/errors"
)

// Phase names an ordered stage of a pipeline.
type Phase string

// Phases is the ordered list of phase names. It can be reshaped until the
// owning pipeline accepts its first event; after that it is frozen.
type Phases struct {
	mu     sync.RWMutex
	order  []Phase
	frozen bool
}

// NewPhases creates a registry with names in the given order.
func NewPhases(names ...Phase) (*Phases, error) {
	p := &Phases{}
	if err := p.Define(names...); err != nil {
		return nil, err
	}
	return p, nil
}

// MustPhases is NewPhases for package-level defaults.
func MustPhases(names ...Phase) *Phases {
	p, err := NewPhases(names...)
	if err != nil {
		panic(err)
	}
	return p
}

// Define replaces the whole order.
func (p *Phases) Define(names ...Phase) error {
	seen := make(map[Phase]struct{}, len(names))
	for _, name := range names {
		if name == "" {
			return pferrors.ErrInvalidPhase
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: %s", pferrors.ErrPhaseExists, name)
		}
		seen[name] = struct{}{}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.frozen {
		return pferrors.ErrPipelineStarted
	}
	p.order = slices.Clone(names)
	return nil
}

// Append adds phase at the end.
func (p *Phases) Append(phase Phase) error {
	return p.insert(phase, func() (int, error) { return len(p.order), nil })
}

// InsertBefore splices phase directly before anchor.
func (p *Phases) InsertBefore(anchor, phase Phase) error {
	return p.insert(phase, func() (int, error) { return p.anchorIndex(anchor) })
}

// InsertAfter splices phase directly after anchor.
func (p *Phases) InsertAfter(anchor, phase Phase) error {
	return p.insert(phase, func() (int, error) {
		idx, err := p.anchorIndex(anchor)
		return idx + 1, err
	})
}

func (p *Phases) insert(phase Phase, position func() (int, error)) error {
	if phase == "" {
		return pferrors.ErrInvalidPhase
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.frozen {
		return pferrors.ErrPipelineStarted
	}
	if slices.Contains(p.order, phase) {
		return fmt.Errorf("%w: %s", pferrors.ErrPhaseExists, phase)
	}
	idx, err := position()
	if err != nil {
		return err
	}
	p.order = slices.Insert(p.order, idx, phase)
	return nil
}

// anchorIndex expects p.mu to be held.
func (p *Phases) anchorIndex(anchor Phase) (int, error) {
	idx := slices.Index(p.order, anchor)
	if idx < 0 {
		return 0, fmt.Errorf("%w: %s", pferrors.ErrPhaseNotFound, anchor)
	}
	return idx, nil
}

// List returns a copy of the current order.
func (p *Phases) List() []Phase {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.order)
}

func (p *Phases) Contains(phase Phase) bool {
	return p.Index(phase) >= 0
}

// Index returns the position of phase or -1.
func (p *Phases) Index(phase Phase) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Index(p.order, phase)
}

func (p *Phases) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.order)
}

// Frozen reports whether the order can still change.
func (p *Phases) Frozen() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.frozen
}

func (p *Phases) freeze() []Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frozen = true
	return slices.Clone(p.order)
}
