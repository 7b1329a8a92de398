package core

import "sync"

// StepPlanner tracks per-route canary step progress for a candidate version.
type StepPlanner struct {
	mu     sync.Mutex
	states map[ResourceKey]*stepState
}

type stepState struct {
	version   string
	completed int
}

// NewStepPlanner constructs an empty planner.
func NewStepPlanner() *StepPlanner {
	return &StepPlanner{states: map[ResourceKey]*stepState{}}
}

// Plan returns the index of the next step to run for version and whether all steps are done.
func (p *StepPlanner) Plan(route ResourceKey, version string, steps []CanaryStep) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.ensureStateLocked(route, version)
	if st.completed >= len(steps) {
		return len(steps), true
	}
	return st.completed, false
}

// MarkCompleted records step index as finished and returns the completed count.
func (p *StepPlanner) MarkCompleted(route ResourceKey, version string, index int) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.ensureStateLocked(route, version)
	if index+1 > st.completed {
		st.completed = index + 1
	}
	return st.completed
}

// Complete marks every step as finished for version.
func (p *StepPlanner) Complete(route ResourceKey, version string, steps []CanaryStep) {
	p.MarkCompleted(route, version, len(steps)-1)
}

// Forget removes any stored progress for the route.
func (p *StepPlanner) Forget(route ResourceKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.states, route)
}

func (p *StepPlanner) ensureStateLocked(route ResourceKey, version string) *stepState {
	st, ok := p.states[route]
	if !ok {
		st = &stepState{version: version}
		p.states[route] = st
		return st
	}
	if st.version != version {
		st.version = version
		st.completed = 0
	}
	return st
}

// SplitWeights returns the traffic weights for a candidate share; the pair always sums to 100.
func SplitWeights(active, candidate TrackName, candidateWeight int32) map[TrackName]int32 {
	if candidateWeight < 0 {
		candidateWeight = 0
	}
	if candidateWeight > 100 {
		candidateWeight = 100
	}
	return map[TrackName]int32{active: 100 - candidateWeight, candidate: candidateWeight}
}
