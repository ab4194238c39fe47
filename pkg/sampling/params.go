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
)

// OutputKind selects how child outputs are emitted.
type OutputKind string

const (
	// OutputCumulative emits each child's accumulated output on every update.
	OutputCumulative OutputKind = "cumulative"
	// OutputDelta emits each child's new tokens on every update.
	OutputDelta OutputKind = "delta"
	// OutputFinalOnly emits the assembled outputs once every child finished.
	OutputFinalOnly OutputKind = "final_only"
)

// Streaming reports whether outputs are forwarded as they arrive.
func (k OutputKind) Streaming() bool {
	return k != OutputFinalOnly
}

// Validate checks the output kind.
func (k OutputKind) Validate() error {
	switch k {
	case OutputCumulative, OutputDelta, OutputFinalOnly:
		return nil
	default:
		return fmt.Errorf("%w: unknown output kind %q", ErrInvalidSamplingParams, k)
	}
}

// SamplingParams configures a generation request.
//
// It is passed by value and its optional fields are never written through,
// so children derived from one parent never share mutable state.
// Temperature, TopP, TopK and MaxTokens are passed through to children
// untouched.
type SamplingParams struct {
	// N is the number of outputs returned to the caller.
	N int `json:"n"`
	// BestOf is the number of candidates generated. If set, the N
	// highest-scoring candidates are returned. BestOf > N is only valid
	// with OutputFinalOnly, since partial outputs cannot be ranked.
	BestOf *int `json:"bestOf,omitempty"`
	// Seed makes sampling reproducible. Child i samples with Seed+i.
	Seed       *int64     `json:"seed,omitempty"`
	OutputKind OutputKind `json:"outputKind"`

	Temperature float64 `json:"temperature,omitempty"`
	TopP        float64 `json:"topP,omitempty"`
	TopK        int     `json:"topK,omitempty"`
	MaxTokens   int     `json:"maxTokens,omitempty"`
}

// NumChildren returns the number of child requests the parameters fan out to.
func (p SamplingParams) NumChildren() int {
	if p.BestOf != nil {
		return *p.BestOf
	}
	return p.N
}

// RequiresFanout reports whether more than one child request is needed.
func (p SamplingParams) RequiresFanout() bool {
	return p.N > 1 || (p.BestOf != nil && *p.BestOf > 1)
}

// Validate checks the parameters.
func (p SamplingParams) Validate() error {
	if p.N < 1 {
		return fmt.Errorf("%w: n must be at least 1, got %d", ErrInvalidSamplingParams, p.N)
	}

	if err := p.OutputKind.Validate(); err != nil {
		return err
	}

	if p.BestOf != nil {
		if *p.BestOf < p.N {
			return fmt.Errorf("%w: best_of (%d) must be greater than or equal to n (%d)",
				ErrInvalidSamplingParams, *p.BestOf, p.N)
		}
		// candidates can only be ranked once they are complete
		if *p.BestOf > p.N && p.OutputKind != OutputFinalOnly {
			return fmt.Errorf("%w: best_of > n requires %s output, got %s",
				ErrInvalidSamplingParams, OutputFinalOnly, p.OutputKind)
		}
	}

	return nil
}

// childParams derives the parameters of one child: a single sample with the
// seed offset by the child index.
func (p SamplingParams) childParams(index int) SamplingParams {
	child := p
	child.N = 1
	child.BestOf = nil
	if p.Seed != nil {
		seed := *p.Seed + int64(index)
		child.Seed = &seed
	}
	return child
}
