package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/samcharles93/qwenrt/internal/api"
	"github.com/samcharles93/qwenrt/internal/backend"
	"github.com/samcharles93/qwenrt/internal/config"
	"github.com/samcharles93/qwenrt/internal/inference"
	"github.com/samcharles93/qwenrt/internal/logger"
	"github.com/samcharles93/qwenrt/internal/model"
	"github.com/samcharles93/qwenrt/internal/tokenizer"
	"github.com/samcharles93/qwenrt/internal/version"
)

func TestResolveModel(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Models.Directory = "/srv/models"

	if got, err := resolveModel("x.bin", cfg); err != nil || got != "x.bin" {
		t.Fatalf("flag: got %q, %v", got, err)
	}
	if _, err := resolveModel("", cfg); err == nil {
		t.Fatal("expected error without model or default")
	}
	cfg.Models.DefaultModel = "qwen3-0.6b"
	if got, _ := resolveModel("", cfg); got != filepath.Join("/srv/models", "qwen3-0.6b.bin") {
		t.Fatalf("default id resolved to %q", got)
	}
	cfg.Models.DefaultModel = "/abs/m.bin"
	if got, _ := resolveModel("", cfg); got != "/abs/m.bin" {
		t.Fatalf("default path resolved to %q", got)
	}
}

func TestLoadConfigExplicitPathMustExist(t *testing.T) {
	t.Parallel()

	if _, _, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for a missing explicit config")
	}

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 9001\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, loaded, err := loadConfig(path)
	if err != nil || !loaded || cfg.Server.Port != 9001 {
		t.Fatalf("cfg = %+v loaded=%v err=%v", cfg.Server, loaded, err)
	}
}

func TestReadPrompt(t *testing.T) {
	t.Parallel()

	if got, err := readPrompt(strings.NewReader("  hello\n")); err != nil || got != "hello" {
		t.Fatalf("got %q, %v", got, err)
	}
	if _, err := readPrompt(strings.NewReader(" \n")); err == nil {
		t.Fatal("expected error for blank stdin")
	}
}

func TestSynthWritesLoadableModel(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	out := filepath.Join(dir, "tiny.bin")
	ctx := logger.WithContext(context.Background(), logger.Discard())
	args := []string{"synth", "--out", out, "--vocab", "400", "--dim", "16", "--hidden", "32",
		"--layers", "1", "--heads", "2", "--kv-heads", "1", "--seq-len", "32", "--group-size", "8"}
	if err := synthCmd().Run(ctx, args); err != nil {
		t.Fatalf("synth: %v", err)
	}

	info, err := model.Inspect(out)
	if err != nil {
		t.Fatal(err)
	}
	if info.Config.VocabSize != 400 || info.FileSize != info.ExpectedSize {
		t.Fatalf("info = %+v", info)
	}
	models, err := api.NewRegistry(api.RegistryConfig{ModelsDir: dir}).Available()
	if err != nil || len(models) != 1 {
		t.Fatalf("Available = %v, %v", models, err)
	}
	var listing bytes.Buffer
	if err := printModels(&listing, dir, models); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(listing.String(), "tiny") || !strings.Contains(listing.String(), "1 model(s) found") {
		t.Fatalf("listing:\n%s", listing.String())
	}

	tokPath := tokenizerPathFor(out)
	if tokPath != filepath.Join(dir, "tiny"+inference.TokenizerExt) {
		t.Fatalf("tokenizer path = %q", tokPath)
	}
	v, err := tokenizer.Load(tokPath)
	if err != nil || v.Size() != 400 {
		t.Fatalf("tokenizer: size=%v err=%v", v, err)
	}

	sess, err := inference.Load(out, inference.LoadOptions{Kernel: "generic", Threads: 1, Logger: logger.Discard()})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer sess.Close()
	if _, err := sess.Generate(ctx, inference.Request{Prompt: "the", MaxTokens: 3}, nil); err != nil {
		t.Fatalf("Generate: %v", err)
	}
}

func TestFormatModelSize(t *testing.T) {
	t.Parallel()

	cases := map[int64]string{
		512:        "512 B",
		2048:       "2.0 KB",
		5 << 20:    "5.0 MB",
		3 << 30:    "3.0 GB",
		1536 << 20: "1.5 GB",
	}
	for in, want := range cases {
		if got := formatModelSize(in); got != want {
			t.Errorf("formatModelSize(%d) = %q, want %q", in, got, want)
		}
	}
	if got := formatCount(2_500_000); got != "2.5M" {
		t.Errorf("formatCount = %q", got)
	}
}

func TestStreamWriterSplitsReasoning(t *testing.T) {
	t.Parallel()

	var out, side bytes.Buffer
	w := newStreamWriter(&out, &side, true)
	for _, p := range []string{"<thi", "nk>plan</th", "ink>\n\nans", "wer"} {
		w.Write(p)
	}
	w.Close()
	if out.String() != "answer\n" || side.String() != "plan" {
		t.Fatalf("out = %q side = %q", out.String(), side.String())
	}

	out.Reset()
	raw := newStreamWriter(&out, nil, false)
	raw.Write("<think>x</think>y")
	raw.Close()
	if out.String() != "<think>x</think>y\n" {
		t.Fatalf("raw out = %q", out.String())
	}
}

func TestPrintVersionReportsBackend(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	cpu := backend.Features{Arch: "amd64", Cores: 8, AVX2: true, FMA: true}
	printVersion(&buf, version.Info{Version: "v1.2.3", GoVersion: "go1.26", Platform: "linux/amd64"}, cpu)
	out := buf.String()
	for _, want := range []string{
		"version:    v1.2.3",
		"backend:    " + backend.Best(),
		"available: " + backend.Available(),
		"cpu:        amd64, 8 cores, features: avx2 fma",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "commit:") {
		t.Errorf("empty commit printed:\n%s", out)
	}
}
