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


package sampling_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/sampling"
)

// scored returns a finished single-token output whose score is score.
func scored(text string, score float64) sampling.CompletionOutput {
	return sampling.CompletionOutput{
		Text:              text,
		TokenIDs:          []uint32{7},
		CumulativeLogprob: score,
		FinishReason:      "stop",
	}
}

func newParent(t *testing.T, params sampling.SamplingParams) (*sampling.ParentRequest, []string) {
	t.Helper()
	parent, err := sampling.NewParentRequest("req", params)
	require.NoError(t, err)

	ids := make([]string, params.NumChildren())
	for i := range ids {
		id, _, err := parent.GetChildInfo(i)
		require.NoError(t, err)
		ids[i] = id
	}
	return parent, ids
}

func TestGetChildInfo(t *testing.T) {
	parent, err := sampling.NewParentRequest("abc", sampling.SamplingParams{
		N:           3,
		Temperature: 0.7,
		OutputKind:  sampling.OutputCumulative,
	})
	require.NoError(t, err)
	assert.Equal(t, sampling.StateSpawning, parent.State())

	id, params, err := parent.GetChildInfo(2)
	require.NoError(t, err)
	assert.Equal(t, "2_abc", id)
	assert.Equal(t, 1, params.N)
	assert.Nil(t, params.BestOf)
	assert.Nil(t, params.Seed)
	assert.InDelta(t, 0.7, params.Temperature, 1e-9)
	assert.Equal(t, sampling.StateAwaitingChildren, parent.State())

	_, _, err = parent.GetChildInfo(3)
	assert.ErrorIs(t, err, sampling.ErrInvalidSamplingParams)
	_, _, err = parent.GetChildInfo(-1)
	assert.Error(t, err)
}

func TestSeededChildrenReproducible(t *testing.T) {
	parent, err := sampling.NewParentRequest("seeded", sampling.SamplingParams{
		N:          4,
		Seed:       int64Ptr(100),
		OutputKind: sampling.OutputDelta,
	})
	require.NoError(t, err)

	for round := 0; round < 2; round++ {
		for i := range 4 {
			_, params, err := parent.GetChildInfo(i)
			require.NoError(t, err)
			require.NotNil(t, params.Seed)
			assert.Equal(t, int64(100+i), *params.Seed)
		}
	}
	assert.Len(t, parent.ChildIDs(), 4)
}

func TestUnseededChildrenShareParams(t *testing.T) {
	parent, err := sampling.NewParentRequest("shared", sampling.SamplingParams{
		N:          3,
		TopK:       5,
		OutputKind: sampling.OutputCumulative,
	})
	require.NoError(t, err)

	_, first, err := parent.GetChildInfo(0)
	require.NoError(t, err)
	_, second, err := parent.GetChildInfo(1)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// children hold copies; changing one leaves the others intact
	first.TopK = 50
	_, third, err := parent.GetChildInfo(2)
	require.NoError(t, err)
	assert.Equal(t, 5, third.TopK)
}

func TestStreamingEmitsImmediately(t *testing.T) {
	parent, ids := newParent(t, sampling.SamplingParams{N: 2, OutputKind: sampling.OutputCumulative})

	out, done := parent.RecordChildOutput(ids[1], sampling.CompletionOutput{Text: "par", TokenIDs: []uint32{1}})
	assert.False(t, done)
	require.Len(t, out, 1)
	assert.Equal(t, 1, out[0].Index)
	assert.Equal(t, "par", out[0].Text)

	out, done = parent.RecordChildOutput(ids[1], sampling.CompletionOutput{
		Text: "partial", TokenIDs: []uint32{1, 2}, FinishReason: "length",
	})
	assert.False(t, done)
	assert.Len(t, out, 1)

	out, done = parent.RecordChildOutput(ids[0], scored("done", -1))
	assert.True(t, done)
	assert.Len(t, out, 1)
	assert.Equal(t, sampling.StateFinalizing, parent.State())

	latest, ok := parent.LatestOutput(1)
	require.True(t, ok)
	assert.Equal(t, "partial", latest.Text)
}

func TestDuplicateTerminalOutputIgnored(t *testing.T) {
	parent, ids := newParent(t, sampling.SamplingParams{N: 2, OutputKind: sampling.OutputDelta})

	out, _ := parent.RecordChildOutput(ids[0], scored("a", -1))
	assert.Len(t, out, 1)

	out, done := parent.RecordChildOutput(ids[0], scored("a", -1))
	assert.Empty(t, out)
	assert.False(t, done)
	assert.Equal(t, 1, parent.NumFinished())
}

func TestFinalOnlyEmissionTiming(t *testing.T) {
	parent, ids := newParent(t, sampling.SamplingParams{N: 3, OutputKind: sampling.OutputFinalOnly})

	out, done := parent.RecordChildOutput(ids[2], scored("c", -0.3))
	assert.Empty(t, out)
	assert.False(t, done)

	// a non-terminal update is stored but not emitted
	out, done = parent.RecordChildOutput(ids[0], sampling.CompletionOutput{Text: "a-partial", TokenIDs: []uint32{1}})
	assert.Empty(t, out)
	assert.False(t, done)

	out, done = parent.RecordChildOutput(ids[0], scored("a", -0.1))
	assert.Empty(t, out)
	assert.False(t, done)

	out, done = parent.RecordChildOutput(ids[1], scored("b", -0.2))
	assert.True(t, done)

	want := []sampling.CompletionOutput{
		{Index: 0, Text: "a", TokenIDs: []uint32{7}, CumulativeLogprob: -0.1, FinishReason: "stop"},
		{Index: 1, Text: "b", TokenIDs: []uint32{7}, CumulativeLogprob: -0.2, FinishReason: "stop"},
		{Index: 2, Text: "c", TokenIDs: []uint32{7}, CumulativeLogprob: -0.3, FinishReason: "stop"},
	}
	if diff := cmp.Diff(want, out); diff != "" {
		t.Errorf("final outputs mismatch (-want +got):\n%s", diff)
	}

	// emitted exactly once
	out, done = parent.RecordChildOutput(ids[1], scored("b", -0.2))
	assert.Empty(t, out)
	assert.True(t, done)
}

func TestBestOfRanking(t *testing.T) {
	parent, ids := newParent(t, sampling.SamplingParams{
		N:          2,
		BestOf:     intPtr(5),
		OutputKind: sampling.OutputFinalOnly,
	})

	scores := []float64{0.1, 0.9, 0.5, 0.9, 0.2}
	texts := []string{"c0", "c1", "c2", "c3", "c4"}

	var final []sampling.CompletionOutput
	for i, score := range scores {
		out, done := parent.RecordChildOutput(ids[i], scored(texts[i], score))
		if i < len(scores)-1 {
			assert.Empty(t, out)
			assert.False(t, done)
			continue
		}
		assert.True(t, done)
		final = out
	}

	want := []sampling.CompletionOutput{
		{Index: 0, Text: "c1", TokenIDs: []uint32{7}, CumulativeLogprob: 0.9, FinishReason: "stop"},
		{Index: 1, Text: "c3", TokenIDs: []uint32{7}, CumulativeLogprob: 0.9, FinishReason: "stop"},
	}
	if diff := cmp.Diff(want, final); diff != "" {
		t.Errorf("best-of outputs mismatch (-want +got):\n%s", diff)
	}
}

func TestRecordUnknownChild(t *testing.T) {
	parent, _ := newParent(t, sampling.SamplingParams{N: 2, OutputKind: sampling.OutputCumulative})

	out, done := parent.RecordChildOutput("9_other", scored("x", 0))
	assert.Nil(t, out)
	assert.False(t, done)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "Spawning", sampling.StateSpawning.String())
	assert.Equal(t, "AwaitingChildren", sampling.StateAwaitingChildren.String())
	assert.Equal(t, "Finalizing", sampling.StateFinalizing.String())
	assert.Equal(t, "Done", sampling.StateDone.String())
}
