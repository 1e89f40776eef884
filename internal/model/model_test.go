package model

import (
	"bytes"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/samcharles93/qwenrt/internal/attention"
	"github.com/samcharles93/qwenrt/internal/errs"
	"github.com/samcharles93/qwenrt/internal/kernel"
)

func tinyConfig() Config {
	return Config{
		VocabSize: 32,
		Dim:       8,
		HiddenDim: 16,
		Layers:    1,
		Heads:     2,
		KVHeads:   1,
		SeqLen:    16,
		RopeTheta: DefaultRopeTheta,
		GroupSize: 8,
	}
}

func newTiny(t *testing.T, cfg Config, opts Options) *Model {
	t.Helper()
	m, err := FromWeights(cfg, Synthetic(cfg, 7), opts)
	if err != nil {
		t.Fatalf("build model: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func seq(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func TestTinyForwardFiniteAndDeterministic(t *testing.T) {
	t.Parallel()
	cfg := tinyConfig()
	m := newTiny(t, cfg, Options{Kernel: kernel.NewScalar(1)})

	tokens := []int{5, 9, 1}
	logits, err := m.Forward(tokens, seq(3))
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if len(logits) != 3*cfg.VocabSize {
		t.Fatalf("logits len %d want %d", len(logits), 3*cfg.VocabSize)
	}
	for i, v := range logits {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("logit %d is %v", i, v)
		}
	}
	first := append([]float32(nil), logits...)
	if m.Pos() != 3 {
		t.Fatalf("pos=%d want 3", m.Pos())
	}

	m.Reset()
	again, err := m.Forward(tokens, seq(3))
	if err != nil {
		t.Fatalf("second forward: %v", err)
	}
	for i := range first {
		if first[i] != again[i] {
			t.Fatalf("logit %d differs between runs: %v vs %v", i, first[i], again[i])
		}
	}
}

func TestIncrementalDecodeMatchesPrefill(t *testing.T) {
	t.Parallel()
	cfg := tinyConfig()
	cfg.Layers = 2
	cfg.KVHeads = 2
	m := newTiny(t, cfg, Options{Kernel: kernel.NewGeneric(2), Batch: 2})

	tokens := []int{3, 17, 4, 30, 2}
	full, err := m.Forward(tokens, seq(len(tokens)))
	if err != nil {
		t.Fatalf("prefill: %v", err)
	}
	want := append([]float32(nil), full...)

	m.Reset()
	vocab := cfg.VocabSize
	for i, tok := range tokens {
		step, err := m.Forward([]int{tok}, []int{i})
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		for j := 0; j < vocab; j++ {
			if d := math.Abs(float64(step[j] - want[i*vocab+j])); d > 1e-4 {
				t.Fatalf("token %d logit %d: step %v prefill %v", i, j, step[j], want[i*vocab+j])
			}
		}
	}
}

func TestForwardErrors(t *testing.T) {
	t.Parallel()
	cfg := tinyConfig()
	m := newTiny(t, cfg, Options{Kernel: kernel.NewScalar(1), ContextLen: 4})
	if m.ContextLen() != 4 {
		t.Fatalf("context len %d want 4", m.ContextLen())
	}

	cases := []struct {
		name      string
		tokens    []int
		positions []int
		want      error
	}{
		{"empty", nil, nil, errs.ErrInvalidArgument},
		{"positions mismatch", []int{1, 2}, []int{0}, errs.ErrInvalidArgument},
		{"too long", []int{1, 2, 3, 4, 5}, seq(5), errs.ErrOutOfBounds},
		{"token outside vocab", []int{32}, []int{0}, errs.ErrInvalidArgument},
		{"position outside context", []int{1}, []int{4}, errs.ErrOutOfBounds},
	}
	for _, tc := range cases {
		if _, err := m.Forward(tc.tokens, tc.positions); !errors.Is(err, tc.want) {
			t.Fatalf("%s: got %v want %v", tc.name, err, tc.want)
		}
	}

	if _, err := m.Forward([]int{1, 2, 3}, seq(3)); err != nil {
		t.Fatalf("fill: %v", err)
	}
	if _, err := m.Forward([]int{1, 2}, []int{3, 3}); !errors.Is(err, errs.ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
	if m.Pos() != 3 {
		t.Fatalf("rejected call moved the caches to %d", m.Pos())
	}
}

func TestForwardRejectsUnsetWeights(t *testing.T) {
	t.Parallel()
	m := newTiny(t, tinyConfig(), Options{Kernel: kernel.NewScalar(1)})
	m.Layers[0].W2 = nil
	if _, err := m.Forward([]int{1}, []int{0}); !errors.Is(err, errs.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestForwardAfterClose(t *testing.T) {
	t.Parallel()
	cfg := tinyConfig()
	m, err := FromWeights(cfg, Synthetic(cfg, 1), Options{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := m.Forward([]int{1}, []int{0}); !errors.Is(err, errs.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument after close, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"valid", func(*Config) {}, nil},
		{"zero vocab", func(c *Config) { c.VocabSize = 0 }, errs.ErrFormatInvalid},
		{"vocab too large", func(c *Config) { c.VocabSize = MaxVocabSize + 1 }, errs.ErrFormatInvalid},
		{"too many layers", func(c *Config) { c.Layers = 101 }, errs.ErrFormatInvalid},
		{"kv heads above heads", func(c *Config) { c.KVHeads = 3 }, errs.ErrFormatInvalid},
		{"seq len too large", func(c *Config) { c.SeqLen = MaxSeqLen + 1 }, errs.ErrFormatInvalid},
		{"bad theta", func(c *Config) { c.RopeTheta = 0 }, errs.ErrFormatInvalid},
		{"heads not divisible", func(c *Config) { c.Heads, c.KVHeads, c.Dim = 3, 2, 12 }, errs.ErrIncompatibleConfig},
		{"dim not divisible", func(c *Config) { c.Dim = 10; c.Heads = 4; c.KVHeads = 2 }, errs.ErrIncompatibleConfig},
	}
	for _, tc := range cases {
		cfg := tinyConfig()
		tc.mutate(&cfg)
		err := cfg.Validate()
		if tc.want == nil {
			if err != nil {
				t.Fatalf("%s: unexpected error %v", tc.name, err)
			}
			continue
		}
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: got %v want %v", tc.name, err, tc.want)
		}
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	t.Parallel()
	cfg := tinyConfig()
	cfg.Classifier = true
	w := Synthetic(cfg, 11)

	var buf bytes.Buffer
	if err := Write(&buf, cfg, w); err != nil {
		t.Fatalf("write: %v", err)
	}
	if int64(buf.Len()) != ExpectedSize(cfg) {
		t.Fatalf("checkpoint is %d bytes, expected %d", buf.Len(), ExpectedSize(cfg))
	}

	path := filepath.Join(t.TempDir(), "tiny.bin")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	info, err := Inspect(path)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if info.Config != cfg || info.FileSize != info.ExpectedSize || info.Version != Version {
		t.Fatalf("unexpected info %+v", info)
	}

	loaded, err := Open(path, Options{Kernel: kernel.NewScalar(1)})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer loaded.Close()
	direct, err := FromWeights(cfg, w, Options{Kernel: kernel.NewScalar(1)})
	if err != nil {
		t.Fatalf("from weights: %v", err)
	}
	defer direct.Close()

	tokens := []int{0, 31, 12}
	a, err := loaded.Forward(tokens, seq(3))
	if err != nil {
		t.Fatalf("loaded forward: %v", err)
	}
	b, err := direct.Forward(tokens, seq(3))
	if err != nil {
		t.Fatalf("direct forward: %v", err)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("logit %d: loaded %v direct %v", i, a[i], b[i])
		}
	}
}

func TestReadRejectsMalformed(t *testing.T) {
	t.Parallel()
	cfg := tinyConfig()
	var buf bytes.Buffer
	if err := Write(&buf, cfg, Synthetic(cfg, 3)); err != nil {
		t.Fatalf("write: %v", err)
	}
	good := buf.Bytes()

	badMagic := append([]byte(nil), good...)
	badMagic[0] ^= 0xff
	badBounds := append([]byte(nil), good...)
	copy(badBounds[8:12], []byte{0, 0, 0, 0})

	cases := map[string][]byte{
		"short header": good[:100],
		"bad magic":    badMagic,
		"zero vocab":   badBounds,
		"truncated":    good[:len(good)-5],
		"trailing":     append(append([]byte(nil), good...), 1, 2, 3),
	}
	for name, data := range cases {
		m, err := Read(bytes.NewReader(data), Options{Kernel: kernel.NewScalar(1)})
		if !errors.Is(err, errs.ErrFormatInvalid) {
			t.Fatalf("%s: expected ErrFormatInvalid, got %v", name, err)
		}
		if m != nil {
			t.Fatalf("%s: model returned alongside error", name)
		}
	}

	if _, err := Open(filepath.Join(t.TempDir(), "missing.bin"), Options{}); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestOpenRejectsSizeMismatch(t *testing.T) {
	t.Parallel()
	cfg := tinyConfig()
	var buf bytes.Buffer
	if err := Write(&buf, cfg, Synthetic(cfg, 3)); err != nil {
		t.Fatalf("write: %v", err)
	}
	good := buf.Bytes()

	// Largest shape the header bounds accept, with no body behind it.
	huge := encodeHeader(Config{
		VocabSize: MaxVocabSize,
		Dim:       MaxDim,
		HiddenDim: MaxHiddenDim,
		Layers:    MaxLayers,
		Heads:     MaxHeads,
		KVHeads:   MaxHeads,
		SeqLen:    MaxSeqLen,
		RopeTheta: DefaultRopeTheta,
	})

	cases := []struct {
		name string
		data []byte
	}{
		{"maximal header only", huge},
		{"truncated body", good[:len(good)-5]},
		{"header only", good[:HeaderSize]},
		{"trailing bytes", append(append([]byte(nil), good...), 0)},
	}
	dir := t.TempDir()
	for _, tc := range cases {
		path := filepath.Join(dir, tc.name+".bin")
		if err := os.WriteFile(path, tc.data, 0o644); err != nil {
			t.Fatalf("%s: write file: %v", tc.name, err)
		}
		m, err := Open(path, Options{Kernel: kernel.NewScalar(1)})
		if !errors.Is(err, errs.ErrFormatInvalid) {
			t.Fatalf("%s: expected ErrFormatInvalid, got %v", tc.name, err)
		}
		if m != nil {
			t.Fatalf("%s: model returned alongside error", tc.name)
		}
	}
}

func TestWriteRejectsMismatchedWeights(t *testing.T) {
	t.Parallel()
	cfg := tinyConfig()
	w := Synthetic(cfg, 3)
	w.Layers[0].WK = w.Layers[0].WK[:3]
	if err := Write(&bytes.Buffer{}, cfg, w); !errors.Is(err, errs.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestF16CacheCloseToF32(t *testing.T) {
	t.Parallel()
	cfg := tinyConfig()
	f32 := newTiny(t, cfg, Options{Kernel: kernel.NewScalar(1)})
	f16 := newTiny(t, cfg, Options{Kernel: kernel.NewScalar(1), F16Cache: true})
	if f16.CacheBytes()*2 != f32.CacheBytes() {
		t.Fatalf("f16 cache %d bytes, f32 cache %d bytes", f16.CacheBytes(), f32.CacheBytes())
	}
	if f16.ArenaBytes() >= f32.ArenaBytes() {
		t.Fatalf("f16 model arena %d should be smaller than %d", f16.ArenaBytes(), f32.ArenaBytes())
	}
	tokens := []int{4, 8, 15, 16}
	a, err := f32.Forward(tokens, seq(4))
	if err != nil {
		t.Fatalf("f32 forward: %v", err)
	}
	b, err := f16.Forward(tokens, seq(4))
	if err != nil {
		t.Fatalf("f16 forward: %v", err)
	}
	for i := range a {
		if math.Abs(float64(a[i]-b[i])) > 5e-2*math.Max(1, math.Abs(float64(a[i]))) {
			t.Fatalf("logit %d: f32 %v f16 %v", i, a[i], b[i])
		}
	}
}

func TestMemoryBudgetEnablesSlidingWindow(t *testing.T) {
	t.Parallel()
	cfg := tinyConfig()
	m := newTiny(t, cfg, Options{Kernel: kernel.NewScalar(1), MemoryBudget: 1})
	if m.SlidingWindow() != attention.DefaultWindow {
		t.Fatalf("window %d want %d", m.SlidingWindow(), attention.DefaultWindow)
	}
	w := newTiny(t, cfg, Options{Kernel: kernel.NewScalar(1), Window: 2})
	if w.SlidingWindow() != 2 {
		t.Fatalf("window %d want 2", w.SlidingWindow())
	}
	if _, err := w.Forward([]int{1, 2, 3, 4}, seq(4)); err != nil {
		t.Fatalf("sliding forward: %v", err)
	}
}

func TestSwiGLU(t *testing.T) {
	t.Parallel()
	gate := []float32{0, 100, -100}
	up := []float32{2, 3, 4}
	swiGLU(gate, up)
	want := []float32{1, 3, 0}
	for i := range want {
		if math.Abs(float64(gate[i]-want[i])) > 1e-6 {
			t.Fatalf("swiglu[%d]=%v want %v", i, gate[i], want[i])
		}
	}
}
