// Package testutils provides deterministic test doubles for the inference
// runtime and helpers for constructing well-formed model output.
package testutils

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/convoscore/go-facet/infrastructure/inference"
	"github.com/convoscore/go-facet/internal/domain"
	"github.com/convoscore/go-facet/internal/ports"
)

// StubRuntimeKind is the runtime kind test model specs should use.
const StubRuntimeKind = "stub"

// CallFn produces the outputs for one Complete call.
type CallFn func(prompts []string, opts inference.RuntimeOptions) ([]ports.GenerationOutput, error)

// RecordedCall captures the arguments of one Complete invocation.
type RecordedCall struct {
	Prompts []string
	Opts    inference.RuntimeOptions
}

// ScriptedRuntime is a deterministic Runtime driven by a per-call script.
// Each Complete call consumes the next script entry; after the script is
// exhausted the Default function answers. Safe for concurrent use.
type ScriptedRuntime struct {
	ModelID string

	// Script holds one function per expected call, consumed in order.
	Script []CallFn

	// Default answers calls beyond the script. Nil defaults to echoing a
	// fixed completion per prompt with no log-probabilities.
	Default CallFn

	mu     sync.Mutex
	calls  []RecordedCall
	closed bool
}

var _ inference.Runtime = (*ScriptedRuntime)(nil)

func (s *ScriptedRuntime) Complete(
	ctx context.Context,
	prompts []string,
	opts inference.RuntimeOptions,
) ([]ports.GenerationOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.calls = append(s.calls, RecordedCall{Prompts: append([]string(nil), prompts...), Opts: opts})
	var fn CallFn
	if len(s.Script) > 0 {
		fn = s.Script[0]
		s.Script = s.Script[1:]
	} else {
		fn = s.Default
	}
	s.mu.Unlock()

	if fn == nil {
		fn = func(prompts []string, _ inference.RuntimeOptions) ([]ports.GenerationOutput, error) {
			outputs := make([]ports.GenerationOutput, len(prompts))
			for i := range outputs {
				outputs[i] = ports.GenerationOutput{Text: "stub completion", TokensUsed: 2}
			}
			return outputs, nil
		}
	}
	return fn(prompts, opts)
}

func (s *ScriptedRuntime) Model() string { return s.ModelID }

func (s *ScriptedRuntime) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Calls returns a copy of the recorded invocations.
func (s *ScriptedRuntime) Calls() []RecordedCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RecordedCall(nil), s.calls...)
}

// Closed reports whether Close was called, for unload assertions.
func (s *ScriptedRuntime) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// RegisterStub registers rt as the backend for every model spec whose
// runtime kind is StubRuntimeKind. Later registrations replace earlier
// ones, so each test can install its own runtime.
func RegisterStub(rt inference.Runtime) {
	inference.RegisterRuntimeFactory(StubRuntimeKind, func(inference.ModelSpec) (inference.Runtime, error) {
		return rt, nil
	})
}

// Respond builds a CallFn that answers every prompt with the same text.
func Respond(text string, tokens []ports.TokenLogProb) CallFn {
	return func(prompts []string, _ inference.RuntimeOptions) ([]ports.GenerationOutput, error) {
		outputs := make([]ports.GenerationOutput, len(prompts))
		for i := range outputs {
			outputs[i] = ports.GenerationOutput{
				Text:       text,
				Tokens:     append([]ports.TokenLogProb(nil), tokens...),
				TokensUsed: len(tokens),
			}
		}
		return outputs, nil
	}
}

// Fail builds a CallFn that fails every call with err.
func Fail(err error) CallFn {
	return func([]string, inference.RuntimeOptions) ([]ports.GenerationOutput, error) {
		return nil, err
	}
}

// ScoredOutput renders the JSON a well-behaved model would return for the
// facets, scoring each with the corresponding entry of scores. A single
// score applies to every facet.
func ScoredOutput(facets []domain.Facet, scores ...int) string {
	type row struct {
		Facet     string `json:"facet"`
		Score     int    `json:"score"`
		Reasoning string `json:"reasoning"`
	}
	rows := make([]row, len(facets))
	for i, f := range facets {
		score := scores[0]
		if len(scores) == len(facets) {
			score = scores[i]
		}
		rows[i] = row{
			Facet:     f.Name,
			Score:     score,
			Reasoning: fmt.Sprintf("the conversation demonstrates %s at this level", f.Name),
		}
	}
	payload, _ := json.Marshal(map[string]any{"results": rows})
	return string(payload)
}
