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
	"fmt"

	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/metrics"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/utils/logging"
)

// CoordinatorConfig holds the configuration for the Coordinator.
type CoordinatorConfig struct {
	// EnableMetrics enables the sampling fan-out metrics.
	EnableMetrics bool `json:"enableMetrics"`
}

// DefaultCoordinatorConfig returns a default configuration for the
// Coordinator.
func DefaultCoordinatorConfig() *CoordinatorConfig {
	return &CoordinatorConfig{}
}

// ChildRequest is a child of a fanned-out request, ready to be scheduled.
type ChildRequest struct {
	ID     string
	Index  int
	Params SamplingParams
}

// RecordResult is what the Coordinator returns for an output of a child.
type RecordResult struct {
	ParentID string
	// Outputs are the outputs to emit to the caller of the parent request.
	Outputs []CompletionOutput
	// Finished is set once every child of the parent finished.
	Finished bool
}

// Coordinator is the registry of fanned-out requests. It maps child request
// ids to their parents and routes child outputs.
type Coordinator struct {
	config        CoordinatorConfig
	parents       map[string]*ParentRequest
	childToParent map[string]string
	logger        klog.Logger
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(cfg *CoordinatorConfig) *Coordinator {
	if cfg == nil {
		cfg = DefaultCoordinatorConfig()
	}

	if cfg.EnableMetrics {
		metrics.Register()
	}

	return &Coordinator{
		config:        *cfg,
		parents:       make(map[string]*ParentRequest),
		childToParent: make(map[string]string),
		logger:        klog.Background().WithName("sampling.Coordinator"),
	}
}

// CreateParent registers a new parent request.
func (c *Coordinator) CreateParent(requestID string, params SamplingParams) (*ParentRequest, error) {
	if _, exists := c.parents[requestID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRequest, requestID)
	}

	parent, err := NewParentRequest(requestID, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create parent request %s: %w", requestID, err)
	}

	c.parents[requestID] = parent
	if c.config.EnableMetrics {
		metrics.ActiveParents.Inc()
	}
	c.logger.V(logging.DEBUG).Info("created parent request", "request", requestID,
		"n", params.N, "children", params.NumChildren(), "outputKind", params.OutputKind)

	return parent, nil
}

// GetChildRequests hands out every child of parent and maps the child ids
// to it. A nil parent or one not registered with this Coordinator yields nil.
func (c *Coordinator) GetChildRequests(parent *ParentRequest) []ChildRequest {
	if parent == nil {
		c.logger.Error(nil, "child requests asked for a nil parent")
		return nil
	}
	if registered, ok := c.parents[parent.RequestID()]; !ok || registered != parent {
		c.logger.Error(nil, "child requests asked for an unregistered parent",
			"request", parent.RequestID())
		return nil
	}

	numChildren := parent.Params().NumChildren()
	children := make([]ChildRequest, 0, numChildren)
	for i := range numChildren {
		childID, params, err := parent.GetChildInfo(i)
		if err != nil { // unreachable, i is in range
			c.logger.Error(err, "failed to derive child request", "request", parent.RequestID())
			continue
		}

		if _, mapped := c.childToParent[childID]; !mapped && c.config.EnableMetrics {
			metrics.ChildrenSpawned.Inc()
		}
		c.childToParent[childID] = parent.RequestID()
		children = append(children, ChildRequest{ID: childID, Index: i, Params: params})
	}

	return children
}

// RecordOutput routes an output of a child to its parent. It returns false
// if childID is not a fanned-out child, in which case the caller handles the
// output as a standalone request.
func (c *Coordinator) RecordOutput(childID string, completion CompletionOutput) (RecordResult, bool) {
	parentID, ok := c.childToParent[childID]
	if !ok {
		return RecordResult{}, false
	}

	parent, ok := c.parents[parentID]
	if !ok {
		// mappings are purged together with their parent
		c.logger.Error(nil, "child mapped to an unknown parent", "child", childID, "parent", parentID)
		delete(c.childToParent, childID)
		return RecordResult{}, false
	}

	finishedBefore := parent.NumFinished()
	outputs, finished := parent.RecordChildOutput(childID, completion)
	if c.config.EnableMetrics && parent.NumFinished() > finishedBefore {
		metrics.ChildrenFinished.Inc()
	}

	return RecordResult{
		ParentID: parentID,
		Outputs:  outputs,
		Finished: finished,
	}, true
}

// FinishParent releases a parent and every child mapping it still holds.
func (c *Coordinator) FinishParent(parentID string) (*ParentRequest, bool) {
	parent, ok := c.parents[parentID]
	if !ok {
		return nil, false
	}

	for _, childID := range parent.ChildIDs() {
		delete(c.childToParent, childID)
	}
	delete(c.parents, parentID)
	parent.state = StateDone

	if c.config.EnableMetrics {
		metrics.ActiveParents.Dec()
	}
	c.logger.V(logging.DEBUG).Info("finished parent request", "request", parentID,
		"finishedChildren", parent.NumFinished())

	return parent, true
}

// GetParent returns the registered parent with the given id.
func (c *Coordinator) GetParent(parentID string) (*ParentRequest, bool) {
	parent, ok := c.parents[parentID]
	return parent, ok
}

// IsChildRequest reports whether requestID is a child of a registered parent.
func (c *Coordinator) IsChildRequest(requestID string) bool {
	_, ok := c.childToParent[requestID]
	return ok
}

// NumParents returns the number of registered parents.
func (c *Coordinator) NumParents() int {
	return len(c.parents)
}
