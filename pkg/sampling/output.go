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

// CompletionOutput is the output of one child request.
type CompletionOutput struct {
	// Index is the position of the output within the fan-out.
	Index             int      `json:"index"`
	Text              string   `json:"text"`
	TokenIDs          []uint32 `json:"tokenIds"`
	CumulativeLogprob float64  `json:"cumulativeLogprob"`
	// FinishReason is set once the child is done generating.
	FinishReason string `json:"finishReason,omitempty"`
}

// Finished reports whether the output is terminal.
func (o *CompletionOutput) Finished() bool {
	return o.FinishReason != ""
}

// Score is the mean log-probability per generated token. An output without
// tokens scores 0.
func (o *CompletionOutput) Score() float64 {
	if len(o.TokenIDs) == 0 {
		return 0.0
	}
	return o.CumulativeLogprob / float64(len(o.TokenIDs))
}
