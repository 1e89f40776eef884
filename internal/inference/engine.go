package inference

import "context"

// Engine is what the HTTP layer needs from a loaded model.
type Engine interface {
	Generate(ctx context.Context, req Request, stream StreamFunc) (*Result, error)
	Info() Info
	Close() error
}

var _ Engine = (*Session)(nil)

// Loader opens the checkpoint at path. contextLen > 0 overrides the
// loader's default context length.
type Loader interface {
	Load(path string, contextLen int) (Engine, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(path string, contextLen int) (Engine, error)

func (f LoaderFunc) Load(path string, contextLen int) (Engine, error) { return f(path, contextLen) }

// SessionLoader loads Sessions with fixed options.
type SessionLoader struct {
	Options LoadOptions
}

func (l SessionLoader) Load(path string, contextLen int) (Engine, error) {
	opts := l.Options
	if contextLen > 0 {
		opts.ContextLen = contextLen
	}
	s, err := Load(path, opts)
	if err != nil {
		return nil, err
	}
	return s, nil
}
