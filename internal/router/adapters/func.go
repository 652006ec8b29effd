package adapters

import (
	"context"

	"github.com/af-corp/aegis-orchestrator/internal/types"
)

// GenerateFunc is the signature of a Func client's behaviour.
type GenerateFunc func(ctx context.Context, model string, messages []types.Message, params types.GenerationParams) (*types.Completion, error)

// Func adapts a plain function into an ExecutionClient. It backs in-process
// providers and test doubles.
type Func struct {
	ProviderName string
	Fn           GenerateFunc
	ProbeFn      func(ctx context.Context) error
}

func (f *Func) Name() string { return f.ProviderName }

func (f *Func) Generate(ctx context.Context, model string, messages []types.Message, params types.GenerationParams) (*types.Completion, error) {
	return f.Fn(ctx, model, messages, params)
}

func (f *Func) Probe(ctx context.Context) error {
	if f.ProbeFn == nil {
		return nil
	}
	return f.ProbeFn(ctx)
}
