package api

import (
	"cmp"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/samcharles93/qwenrt/internal/inference"
	"github.com/samcharles93/qwenrt/internal/logger"
)

// CheckpointExt is the extension model discovery looks for.
const CheckpointExt = ".bin"

const envModelsDir = "QWENRT_MODELS_DIR"

type RegistryConfig struct {
	// ModelsDir is scanned for *.bin checkpoints.
	ModelsDir string
	// DefaultModel is an id or a path used when a request names no model.
	DefaultModel string
	// ContextLen is passed to the loader for lazily loaded models.
	ContextLen int
	Loader     inference.Loader
	Logger     logger.Logger
}

// Registry owns the loaded engines, keyed by model id. Models load on
// first use or through Load, and stay resident until Unload or Close.
type Registry struct {
	cfg    RegistryConfig
	log    logger.Logger
	flight singleflight.Group

	mu     sync.Mutex
	loaded map[string]inference.Engine
}

func NewRegistry(cfg RegistryConfig) *Registry {
	return &Registry{
		cfg:    cfg,
		log:    logger.OrDefault(cfg.Logger),
		loaded: make(map[string]inference.Engine),
	}
}

// Engine returns the engine for id, loading it if needed. An empty id
// selects the default model.
func (r *Registry) Engine(id string) (inference.Engine, error) {
	id, path, err := r.resolve(id)
	if err != nil {
		return nil, err
	}
	if eng := r.get(id); eng != nil {
		return eng, nil
	}
	eng, _, err := r.load(id, path, r.cfg.ContextLen)
	return eng, err
}

// Load makes id resident. It reports false when the model was already
// loaded, in which case contextLen is ignored.
func (r *Registry) Load(id string, contextLen int) (inference.Info, bool, error) {
	if strings.TrimSpace(id) == "" {
		return inference.Info{}, false, newInvalidRequest("model id is required")
	}
	id, path, err := r.resolve(id)
	if err != nil {
		return inference.Info{}, false, err
	}
	if eng := r.get(id); eng != nil {
		return eng.Info(), false, nil
	}
	if contextLen <= 0 {
		contextLen = r.cfg.ContextLen
	}
	eng, fresh, err := r.load(id, path, contextLen)
	if err != nil {
		return inference.Info{}, false, err
	}
	return eng.Info(), fresh, nil
}

type loadResult struct {
	eng   inference.Engine
	fresh bool
}

func (r *Registry) load(id, path string, contextLen int) (inference.Engine, bool, error) {
	if r.cfg.Loader == nil {
		return nil, false, errors.New("registry: no loader configured")
	}
	v, err, _ := r.flight.Do(id, func() (any, error) {
		if eng := r.get(id); eng != nil {
			return loadResult{eng: eng}, nil
		}
		eng, err := r.cfg.Loader.Load(path, contextLen)
		if err != nil {
			r.log.Error("model load failed", "model", id, "path", path, "error", err)
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("%w: %v", ErrModelNotFound, err)
			}
			return nil, err
		}
		r.mu.Lock()
		r.loaded[id] = eng
		r.mu.Unlock()
		r.log.Info("model loaded", "model", id, "path", path, "context_len", contextLen)
		return loadResult{eng: eng, fresh: true}, nil
	})
	if err != nil {
		return nil, false, err
	}
	res := v.(loadResult)
	return res.eng, res.fresh, nil
}

func (r *Registry) get(id string) inference.Engine {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loaded[id]
}

// Unload closes and forgets id. Requests already holding the engine finish
// first.
func (r *Registry) Unload(id string) error {
	r.mu.Lock()
	eng, ok := r.loaded[id]
	delete(r.loaded, id)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: model %q is not loaded", ErrModelNotFound, id)
	}
	r.log.Info("model unloaded", "model", id)
	return eng.Close()
}

// Loaded lists resident models ordered by id.
func (r *Registry) Loaded() []inference.Info {
	r.mu.Lock()
	infos := make([]inference.Info, 0, len(r.loaded))
	for _, eng := range r.loaded {
		infos = append(infos, eng.Info())
	}
	r.mu.Unlock()
	slices.SortFunc(infos, func(a, b inference.Info) int { return cmp.Compare(a.ID, b.ID) })
	return infos
}

// Available merges the checkpoints on disk with the loaded models.
func (r *Registry) Available() ([]ModelInfo, error) {
	byID := make(map[string]ModelInfo)
	if dir := r.modelsDir(); dir != "" {
		paths, err := discoverModels(dir)
		if err != nil {
			return nil, err
		}
		for _, p := range paths {
			id := modelID(p)
			byID[id] = ModelInfo{ID: id, Path: p}
		}
	}
	for _, info := range r.Loaded() {
		byID[info.ID] = modelInfo(info)
	}
	out := make([]ModelInfo, 0, len(byID))
	for _, m := range byID {
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b ModelInfo) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// Close unloads every model.
func (r *Registry) Close() error {
	r.mu.Lock()
	loaded := r.loaded
	r.loaded = make(map[string]inference.Engine)
	r.mu.Unlock()
	var errList []error
	for _, eng := range loaded {
		errList = append(errList, eng.Close())
	}
	return errors.Join(errList...)
}

func (r *Registry) resolve(id string) (string, string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		id = strings.TrimSpace(r.cfg.DefaultModel)
	}
	if id == "" {
		return r.resolveImplicit()
	}
	if looksLikePath(id) {
		path := filepath.Clean(id)
		return modelID(path), path, nil
	}
	if eng := r.get(id); eng != nil {
		return id, eng.Info().Path, nil
	}
	dir := r.modelsDir()
	if dir == "" {
		return "", "", fmt.Errorf("%w: no models directory to resolve %q", ErrModelNotFound, id)
	}
	if path := resolveInDir(dir, id); path != "" {
		return id, path, nil
	}
	return "", "", fmt.Errorf("%w: model %q not found in %s", ErrModelNotFound, id, dir)
}

// resolveImplicit picks the only loaded model, or the only checkpoint on
// disk.
func (r *Registry) resolveImplicit() (string, string, error) {
	if loaded := r.Loaded(); len(loaded) == 1 {
		return loaded[0].ID, loaded[0].Path, nil
	}
	dir := r.modelsDir()
	if dir == "" {
		return "", "", fmt.Errorf("%w: model is required", ErrNoModel)
	}
	models, err := discoverModels(dir)
	if err != nil {
		return "", "", err
	}
	switch len(models) {
	case 1:
		return modelID(models[0]), models[0], nil
	case 0:
		return "", "", fmt.Errorf("%w: no %s models found in %s", ErrNoModel, CheckpointExt, dir)
	default:
		return "", "", fmt.Errorf("%w: multiple models found in %s; specify model", ErrNoModel, dir)
	}
}

func (r *Registry) modelsDir() string {
	if dir := strings.TrimSpace(r.cfg.ModelsDir); dir != "" {
		return dir
	}
	return strings.TrimSpace(os.Getenv(envModelsDir))
}

func modelInfo(info inference.Info) ModelInfo {
	cfg := info.Config
	loadedAt := info.LoadedAt
	return ModelInfo{
		ID:            info.ID,
		Path:          info.Path,
		Loaded:        true,
		Config:        &cfg,
		ContextLen:    info.ContextLen,
		Kernel:        info.Kernel,
		MemoryBytes:   int64(info.ArenaBytes + info.CacheBytes),
		SlidingWindow: info.SlidingWindow,
		LoadedAt:      &loadedAt,
		Requests:      info.Requests,
	}
}

func modelID(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func looksLikePath(v string) bool {
	if strings.ContainsRune(v, filepath.Separator) || strings.ContainsRune(v, '/') {
		return true
	}
	return strings.HasSuffix(strings.ToLower(v), CheckpointExt)
}

func resolveInDir(dir, name string) string {
	cand := filepath.Join(dir, name)
	if fileExists(cand) {
		return cand
	}
	if !strings.HasSuffix(strings.ToLower(name), CheckpointExt) {
		cand = filepath.Join(dir, name+CheckpointExt)
		if fileExists(cand) {
			return cand
		}
	}
	return ""
}

func discoverModels(dir string) ([]string, error) {
	st, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("models path is not a directory: %s", dir)
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	models := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), CheckpointExt) {
			continue
		}
		models = append(models, filepath.Join(dir, e.Name()))
	}
	return models, nil
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}
