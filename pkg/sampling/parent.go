/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/


package sampling

import (
	"cmp"
	"fmt"
	"slices"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/utils/logging"
)

// State is the lifecycle state of a ParentRequest.
type State int

const (
	// StateSpawning is the initial state, before any child was handed out.
	StateSpawning State = iota
	// StateAwaitingChildren means children were handed out and some are
	// still generating.
	StateAwaitingChildren
	// StateFinalizing means every child finished and the parent is waiting
	// to be released by its owner.
	StateFinalizing
	// StateDone means the parent was released.
	StateDone
)

func (s State) String() string {
	switch s {
	case StateSpawning:
		return "Spawning"
	case StateAwaitingChildren:
		return "AwaitingChildren"
	case StateFinalizing:
		return "Finalizing"
	case StateDone:
		return "Done"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ParentRequest tracks the children of one fanned-out generation request
// and assembles their outputs.
type ParentRequest struct {
	requestID string
	params    SamplingParams
	state     State

	// childIndex maps every child id handed out to its index.
	childIndex  map[string]int
	outstanding sets.Set[string]
	finished    sets.Set[string]
	latest      map[int]CompletionOutput

	// slots holds the final output of each child in final-only mode.
	slots   []*CompletionOutput
	emitted bool

	// sharedChildParams is reused by every child when no seed is set.
	sharedChildParams *SamplingParams

	logger klog.Logger
}

// NewParentRequest creates a ParentRequest. The parameters are validated.
func NewParentRequest(requestID string, params SamplingParams) (*ParentRequest, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	p := &ParentRequest{
		requestID:   requestID,
		params:      params,
		state:       StateSpawning,
		childIndex:  make(map[string]int),
		outstanding: sets.New[string](),
		finished:    sets.New[string](),
		latest:      make(map[int]CompletionOutput),
		logger:      klog.Background().WithName("sampling").WithValues("request", requestID),
	}
	if params.OutputKind == OutputFinalOnly {
		p.slots = make([]*CompletionOutput, params.NumChildren())
	}

	return p, nil
}

// RequestID returns the id of the parent request.
func (p *ParentRequest) RequestID() string {
	return p.requestID
}

// Params returns the sampling parameters of the parent request.
func (p *ParentRequest) Params() SamplingParams {
	return p.params
}

// State returns the lifecycle state.
func (p *ParentRequest) State() State {
	return p.state
}

// ChildID returns the id of the child at index.
func (p *ParentRequest) ChildID(index int) string {
	return fmt.Sprintf("%d_%s", index, p.requestID)
}

// GetChildInfo returns the id and parameters of the child at index and
// registers it as outstanding. Repeated calls return the same values.
func (p *ParentRequest) GetChildInfo(index int) (string, SamplingParams, error) {
	if index < 0 || index >= p.params.NumChildren() {
		return "", SamplingParams{}, fmt.Errorf("%w: child index %d out of range [0, %d)",
			ErrInvalidSamplingParams, index, p.params.NumChildren())
	}

	childID := p.ChildID(index)
	if _, seen := p.childIndex[childID]; !seen {
		p.childIndex[childID] = index
		p.outstanding.Insert(childID)
	}
	if p.state == StateSpawning {
		p.state = StateAwaitingChildren
	}

	return childID, p.childParams(index), nil
}

func (p *ParentRequest) childParams(index int) SamplingParams {
	if p.params.Seed != nil {
		return p.params.childParams(index)
	}

	if p.sharedChildParams == nil {
		shared := p.params.childParams(index)
		p.sharedChildParams = &shared
	}
	return *p.sharedChildParams
}

// RecordChildOutput records an output of a child and returns the outputs to
// emit, and whether every child finished.
//
// In streaming modes the output is emitted right away, unless the child was
// already finished by an earlier call. In final-only mode nothing is emitted
// until the last child finishes; that call returns the assembled outputs.
func (p *ParentRequest) RecordChildOutput(childID string,
	completion CompletionOutput,
) ([]CompletionOutput, bool) {
	index, ok := p.childIndex[childID]
	if !ok {
		p.logger.V(logging.DEBUG).Info("output for unknown child", "child", childID)
		return nil, p.AllFinished()
	}

	completion.Index = index
	alreadyFinished := p.finished.Has(childID)
	p.latest[index] = completion

	if completion.Finished() && p.outstanding.Has(childID) {
		p.outstanding.Delete(childID)
		p.finished.Insert(childID)
		p.logger.V(logging.DEBUG).Info("child finished", "child", childID,
			"reason", completion.FinishReason, "finished", p.finished.Len(),
			"children", p.params.NumChildren())
	}

	done := p.complete()
	if done && p.state == StateAwaitingChildren {
		p.state = StateFinalizing
	}

	if alreadyFinished {
		return nil, p.AllFinished()
	}

	if p.params.OutputKind.Streaming() {
		return []CompletionOutput{completion}, p.AllFinished()
	}

	p.slots[index] = &completion
	if !done || p.emitted {
		return nil, p.AllFinished()
	}

	p.emitted = true
	return p.assemble(), true
}

// complete reports whether every child of the fan-out finished.
func (p *ParentRequest) complete() bool {
	return p.finished.Len() == p.params.NumChildren()
}

// assemble builds the final-only outputs. With best-of sampling, the
// candidates are ranked by score and the best N kept. Outputs are re-indexed
// densely from zero.
func (p *ParentRequest) assemble() []CompletionOutput {
	outputs := make([]CompletionOutput, 0, len(p.slots))
	for _, slot := range p.slots {
		if slot != nil {
			outputs = append(outputs, *slot)
		}
	}

	if p.params.BestOf != nil {
		slices.SortStableFunc(outputs, func(a, b CompletionOutput) int {
			return cmp.Compare(b.Score(), a.Score())
		})
		if len(outputs) > p.params.N {
			outputs = outputs[:p.params.N]
		}
	}

	for i := range outputs {
		outputs[i].Index = i
	}

	return outputs
}

// AllFinished reports whether no handed-out child is still generating.
func (p *ParentRequest) AllFinished() bool {
	return p.outstanding.Len() == 0
}

// NumFinished returns the number of finished children.
func (p *ParentRequest) NumFinished() int {
	return p.finished.Len()
}

// ChildIDs returns the ids of every child handed out, sorted.
func (p *ParentRequest) ChildIDs() []string {
	ids := make([]string, 0, len(p.childIndex))
	for id := range p.childIndex {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// LatestOutput returns the last output recorded for the child at index.
func (p *ParentRequest) LatestOutput(index int) (CompletionOutput, bool) {
	out, ok := p.latest[index]
	return out, ok
}
