package llm

import "context"

// DefaultMaxConcurrency bounds in-flight completion calls per process.
const DefaultMaxConcurrency = 8

type limitedProvider struct {
	inner      Provider
	completeCh chan struct{}
	embedCh    chan struct{}
}

// WithLimit bounds concurrent provider calls. Completions and embeddings
// hold separate semaphores so a burst of extraction calls cannot starve
// the vector sync path. Non-positive limits fall back to the default.
func WithLimit(inner Provider, maxComplete, maxEmbed int) Provider {
	if maxComplete <= 0 {
		maxComplete = DefaultMaxConcurrency
	}
	if maxEmbed <= 0 {
		maxEmbed = DefaultMaxConcurrency
	}
	return &limitedProvider{
		inner:      inner,
		completeCh: make(chan struct{}, maxComplete),
		embedCh:    make(chan struct{}, maxEmbed),
	}
}

func acquire(ctx context.Context, sem chan struct{}) error {
	select {
	case sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *limitedProvider) Complete(ctx context.Context, req CompleteRequest) (string, error) {
	if err := acquire(ctx, p.completeCh); err != nil {
		return "", err
	}
	defer func() { <-p.completeCh }()
	return p.inner.Complete(ctx, req)
}

func (p *limitedProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := acquire(ctx, p.embedCh); err != nil {
		return nil, err
	}
	defer func() { <-p.embedCh }()
	return p.inner.Embed(ctx, texts)
}
