// Package inference ties a loaded model, its tokenizer and a sampler into
// a session that serves one generation at a time.
package inference

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samcharles93/qwenrt/internal/backend"
	"github.com/samcharles93/qwenrt/internal/errs"
	"github.com/samcharles93/qwenrt/internal/kernel"
	"github.com/samcharles93/qwenrt/internal/logger"
	"github.com/samcharles93/qwenrt/internal/logits"
	"github.com/samcharles93/qwenrt/internal/metrics"
	"github.com/samcharles93/qwenrt/internal/model"
	"github.com/samcharles93/qwenrt/internal/tokenizer"
)

// TokenizerExt is appended to a checkpoint path to find its vocab.
const TokenizerExt = ".tokenizer"

type LoadOptions struct {
	// ContextLen caps the KV cache; 0 uses the checkpoint's seq_len.
	ContextLen int
	// Kernel is a backend name: auto, scalar, generic or avx2.
	Kernel   string
	Threads  int
	F16Cache bool
	// Window > 0 forces sliding-window attention.
	Window       int
	MemoryBudget int64
	// TokenizerPath overrides the <checkpoint>.tokenizer lookup.
	TokenizerPath string
	Logger        logger.Logger
}

// Info describes a loaded session.
type Info struct {
	ID              string
	Path            string
	Config          model.Config
	ContextLen      int
	Kernel          string
	ArenaBytes      int
	CacheBytes      int
	SlidingWindow   int
	HasTokenizer    bool
	LoadedAt        time.Time
	LastUsed        time.Time
	Requests        uint64
	TokensGenerated uint64
}

type Session struct {
	mu       sync.Mutex
	id, path string
	model    *model.Model
	kernel   kernel.Provider
	vocab    *tokenizer.Vocab
	gen      Generator
	log      logger.Logger
	loadedAt time.Time
	lastUsed atomic.Int64
	requests atomic.Uint64
	tokens   atomic.Uint64
	closed   bool
}

// Load opens a checkpoint with a kernel chosen by opts.Kernel and, when
// one is found, the vocab stored next to it.
func Load(path string, opts LoadOptions) (*Session, error) {
	log := logger.OrDefault(opts.Logger)
	k, err := backend.New(opts.Kernel, opts.Threads)
	if err != nil {
		return nil, err
	}
	m, err := model.Open(path, model.Options{
		Kernel:       k,
		ContextLen:   opts.ContextLen,
		F16Cache:     opts.F16Cache,
		Window:       opts.Window,
		MemoryBudget: opts.MemoryBudget,
		Logger:       log,
	})
	if err != nil {
		k.Close()
		return nil, err
	}

	var vocab *tokenizer.Vocab
	if tokPath := findTokenizer(path, opts.TokenizerPath); tokPath != "" {
		vocab, err = tokenizer.Load(tokPath)
		if err != nil {
			_ = m.Close()
			k.Close()
			return nil, err
		}
		log.Info("loaded tokenizer", "path", tokPath, "vocab", vocab.Size())
	} else {
		log.Warn("no tokenizer found; generation disabled", "checkpoint", path)
	}

	s, err := newSession(modelID(path), path, m, k, vocab, log)
	if err != nil {
		_ = m.Close()
		k.Close()
		return nil, err
	}
	return s, nil
}

// NewSession wraps an already built model. The session takes ownership of
// m; vocab may be nil.
func NewSession(id string, m *model.Model, vocab *tokenizer.Vocab, log logger.Logger) (*Session, error) {
	return newSession(id, "", m, nil, vocab, logger.OrDefault(log))
}

func newSession(id, path string, m *model.Model, k kernel.Provider, vocab *tokenizer.Vocab, log logger.Logger) (*Session, error) {
	if vocab != nil && vocab.Size() > m.Config().VocabSize {
		return nil, errs.New(errs.ErrIncompatibleConfig, "tokenizer has %d pieces but the model only %d logits", vocab.Size(), m.Config().VocabSize)
	}
	s := &Session{
		id:       id,
		path:     path,
		model:    m,
		kernel:   k,
		vocab:    vocab,
		log:      log.With("model", id),
		loadedAt: time.Now(),
	}
	s.gen = Generator{Model: m, Vocab: vocab, Log: s.log}
	if vocab != nil {
		s.gen.StopTokens = vocab.StopIDs()
	}
	s.lastUsed.Store(s.loadedAt.UnixNano())
	metrics.RecordModelLoaded(1, int64(m.ArenaBytes()))
	return s, nil
}

func findTokenizer(checkpoint, override string) string {
	if override != "" {
		return override
	}
	cands := []string{checkpoint + TokenizerExt}
	if ext := filepath.Ext(checkpoint); ext != "" {
		cands = append(cands, strings.TrimSuffix(checkpoint, ext)+TokenizerExt)
	}
	for _, c := range cands {
		if st, err := os.Stat(c); err == nil && !st.IsDir() {
			return c
		}
	}
	return ""
}

func modelID(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

var errClosed = errs.New(errs.ErrInvalidArgument, "session is closed")

// Forward runs the model directly. It invalidates the prompt cache kept
// for Generate.
func (s *Session) Forward(tokens, positions []int) ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errClosed
	}
	s.gen.ContextTokens = s.gen.ContextTokens[:0]
	s.touch()
	return s.model.Forward(tokens, positions)
}

// Sample draws a token from the last row of logits. Equal params give
// equal tokens.
func (s *Session) Sample(l []float32, p SampleParams) (int, error) {
	vocab := s.model.Config().VocabSize
	if len(l) == 0 || len(l)%vocab != 0 {
		return 0, errs.New(errs.ErrInvalidArgument, "sample: %d logits is not a multiple of vocab %d", len(l), vocab)
	}
	sampler, err := logits.NewSampler(p.samplerConfig())
	if err != nil {
		return 0, err
	}
	return sampler.Sample(l[len(l)-vocab:], nil)
}

// Reset empties the KV cache.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.model.Reset()
	s.gen.ContextTokens = s.gen.ContextTokens[:0]
}

// Generate renders, encodes and completes req. Calls are serialized.
func (s *Session) Generate(ctx context.Context, req Request, stream StreamFunc) (*Result, error) {
	if ctx == nil {
		return nil, errs.New(errs.ErrInvalidArgument, "generate: nil context")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errClosed
	}
	if s.vocab == nil {
		return nil, errs.New(errs.ErrInvalidArgument, "generate: model %s has no tokenizer", s.id)
	}
	s.touch()
	s.requests.Add(1)

	prompt, err := s.render(req)
	if err != nil {
		return nil, err
	}
	ids, err := s.vocab.Encode(prompt)
	if err != nil {
		return nil, fmt.Errorf("encode prompt: %w", err)
	}

	var sampler TokenSampler = Greedy{}
	if req.Sampling.Temperature != 0 {
		ls, err := logits.NewSampler(req.Sampling.samplerConfig())
		if err != nil {
			return nil, err
		}
		sampler = ls
	}
	s.gen.Sampler = sampler
	s.gen.StopStrings = req.Stop

	res, err := s.gen.Run(ctx, ids, req.MaxTokens, stream)
	if res != nil {
		s.tokens.Add(uint64(res.Stats.TokensGenerated))
	}
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		metrics.RecordError("generate", errs.Kind(err))
	}
	return res, err
}

func (s *Session) render(req Request) (string, error) {
	if len(req.Messages) > 0 {
		return tokenizer.RenderChat(SanitizeHistory(req.Messages), tokenizer.ChatOptions{
			AddGenerationPrompt: true,
			NoThinking:          req.NoThinking,
		})
	}
	if req.Prompt == "" {
		return "", errs.New(errs.ErrInvalidArgument, "generate: prompt or messages required")
	}
	return req.Prompt, nil
}

func (s *Session) touch() { s.lastUsed.Store(time.Now().UnixNano()) }

func (s *Session) Vocab() *tokenizer.Vocab { return s.vocab }
func (s *Session) Model() *model.Model     { return s.model }

func (s *Session) Info() Info {
	info := Info{
		ID:              s.id,
		Path:            s.path,
		Config:          s.model.Config(),
		ContextLen:      s.model.ContextLen(),
		ArenaBytes:      s.model.ArenaBytes(),
		CacheBytes:      s.model.CacheBytes(),
		SlidingWindow:   s.model.SlidingWindow(),
		HasTokenizer:    s.vocab != nil,
		LoadedAt:        s.loadedAt,
		LastUsed:        time.Unix(0, s.lastUsed.Load()),
		Requests:        s.requests.Load(),
		TokensGenerated: s.tokens.Load(),
	}
	if k := s.model.Kernel(); k != nil {
		info.Kernel = k.Name()
	}
	return info
}

// Close releases the model, its arena and the kernel pool. It is safe to
// call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	arena := s.model.ArenaBytes()
	err := s.model.Close()
	if s.kernel != nil {
		s.kernel.Close()
	}
	metrics.RecordModelLoaded(-1, -int64(arena))
	s.log.Info("session closed")
	return err
}
