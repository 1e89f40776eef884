package api

import (
	"net/http"
	"runtime"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/qwenrt/internal/backend"
	"github.com/samcharles93/qwenrt/internal/inference"
	"github.com/samcharles93/qwenrt/internal/logger"
	"github.com/samcharles93/qwenrt/internal/reasoning"
	"github.com/samcharles93/qwenrt/internal/version"
)

func (s *Server) handleHealth(c *echo.Context) error {
	return writeJSON(c, http.StatusOK, HealthResponse{Status: "ok", Version: version.String()})
}

func (s *Server) handleStatus(c *echo.Context) error {
	loaded := s.registry.Loaded()
	models := make([]ModelInfo, 0, len(loaded))
	var total int64
	for _, info := range loaded {
		m := modelInfo(info)
		total += m.MemoryBytes
		models = append(models, m)
	}
	cpu := backend.Probe()
	return writeJSON(c, http.StatusOK, StatusResponse{
		Version:        version.String(),
		UptimeSeconds:  int64(s.clock().Sub(s.started).Seconds()),
		ActiveRequests: s.active.Load(),
		LoadedModels:   models,
		TotalMemoryMB:  float64(total) / (1 << 20),
		SystemInfo: SystemInfo{
			Arch:        cpu.Arch,
			Cores:       cpu.Cores,
			CPUFeatures: cpu.Flags(),
			Kernels:     backend.Available(),
			GoVersion:   runtime.Version(),
		},
	})
}

func (s *Server) handleListModels(c *echo.Context) error {
	models, err := s.registry.Available()
	if err != nil {
		return writeErr(c, err)
	}
	return writeJSON(c, http.StatusOK, ModelsListResponse{Models: models, Total: len(models)})
}

func (s *Server) handleOpenAIModels(c *echo.Context) error {
	models, err := s.registry.Available()
	if err != nil {
		return writeErr(c, err)
	}
	list := OpenAIModelList{Object: "list", Data: make([]OpenAIModel, 0, len(models))}
	for _, m := range models {
		var created int64
		if m.LoadedAt != nil {
			created = m.LoadedAt.Unix()
		}
		list.Data = append(list.Data, OpenAIModel{ID: m.ID, Object: "model", Created: created, OwnedBy: "qwenrt"})
	}
	return writeJSON(c, http.StatusOK, list)
}

func (s *Server) handleLoadModel(c *echo.Context) error {
	id := c.Param("id")
	req, err := decodeJSON[LoadModelRequest](c.Request().Body)
	if err != nil {
		return writeErr(c, err)
	}
	if req.ContextSize < 0 {
		return writeBadRequest(c, "context_size must not be negative")
	}
	info, fresh, err := s.registry.Load(id, req.ContextSize)
	if err != nil {
		return writeErr(c, err)
	}
	msg := "model loaded"
	if !fresh {
		msg = "model already loaded"
	}
	return writeJSON(c, http.StatusOK, LoadModelResponse{Success: true, ModelID: info.ID, Message: msg})
}

func (s *Server) handleUnloadModel(c *echo.Context) error {
	id := c.Param("id")
	if err := s.registry.Unload(id); err != nil {
		return writeErr(c, err)
	}
	return writeJSON(c, http.StatusOK, UnloadModelResponse{Success: true, Message: "model " + id + " unloaded"})
}

func (f SamplingFields) validate() error {
	if f.MaxTokens != nil && *f.MaxTokens < 0 {
		return newInvalidRequest("max_tokens must not be negative")
	}
	if f.Temperature != nil && *f.Temperature < 0 {
		return newInvalidRequest("temperature must not be negative")
	}
	if f.TopP != nil && (*f.TopP < 0 || *f.TopP > 1) {
		return newInvalidRequest("top_p must be in [0, 1]")
	}
	if f.TopK != nil && *f.TopK < 0 {
		return newInvalidRequest("top_k must not be negative")
	}
	return nil
}

func (f SamplingFields) options() inference.RequestOptions {
	opts := inference.RequestOptions{
		MaxTokens:     f.MaxTokens,
		Seed:          f.Seed,
		Temperature:   f.Temperature,
		TopK:          f.TopK,
		TopP:          f.TopP,
		MinP:          f.MinP,
		RepeatPenalty: f.RepeatPenalty,
	}
	for _, stop := range f.Stop {
		if stop != "" {
			opts.Stop = append(opts.Stop, stop)
		}
	}
	return opts
}

func usage(res *inference.Result) Usage {
	return Usage{
		PromptTokens:     res.Stats.PromptTokens,
		CompletionTokens: res.Stats.TokensGenerated,
		TotalTokens:      res.Stats.PromptTokens + res.Stats.TokensGenerated,
	}
}

func (s *Server) handleGenerate(c *echo.Context) error {
	req, err := decodeJSON[GenerateRequest](c.Request().Body)
	if err != nil {
		return writeErr(c, err)
	}
	if req.Prompt == "" {
		return writeBadRequest(c, "prompt is required")
	}
	if err := req.validate(); err != nil {
		return writeErr(c, err)
	}
	eng, err := s.registry.Engine(req.Model)
	if err != nil {
		return writeErr(c, err)
	}
	opts := req.options()
	opts.Prompt = req.Prompt
	ctx := c.Request().Context()
	res, err := eng.Generate(ctx, inference.ResolveRequest(opts, s.defaults), nil)
	if err != nil {
		logger.FromContext(ctx).Warn("generate failed", "model", eng.Info().ID, "error", err)
		return writeErr(c, err)
	}
	return writeJSON(c, http.StatusOK, GenerateResponse{
		ID:           RequestID(ctx),
		Model:        eng.Info().ID,
		Text:         res.Text,
		FinishReason: res.FinishReason,
		Usage:        usage(res),
	})
}

func (s *Server) handleChat(c *echo.Context) error {
	req, err := decodeJSON[ChatRequest](c.Request().Body)
	if err != nil {
		return writeErr(c, err)
	}
	if len(req.Messages) == 0 {
		return writeBadRequest(c, "messages is required and must not be empty")
	}
	for i, m := range req.Messages {
		if strings.TrimSpace(m.Role) == "" {
			return writeBadRequest(c, "messages["+strconv.Itoa(i)+"].role is required")
		}
	}
	if err := req.validate(); err != nil {
		return writeErr(c, err)
	}
	eng, err := s.registry.Engine(req.Model)
	if err != nil {
		return writeErr(c, err)
	}
	opts := req.options()
	opts.Messages = req.Messages
	opts.NoThinking = !req.Think
	genReq := inference.ResolveRequest(opts, s.defaults)

	ctx := c.Request().Context()
	id := "chatcmpl-" + uuid.NewString()
	modelID := eng.Info().ID
	if req.Stream {
		return s.streamChat(c, eng, genReq, id, modelID, req.Think)
	}

	res, err := eng.Generate(ctx, genReq, nil)
	if err != nil {
		logger.FromContext(ctx).Warn("chat failed", "model", modelID, "error", err)
		return writeErr(c, err)
	}
	split := reasoning.SplitRaw(res.Text)
	choice := ChatChoice{
		Message:      ChatMessage{Role: "assistant", Content: split.Content},
		FinishReason: res.FinishReason,
	}
	if req.Think {
		choice.Reasoning = split.Reasoning
	}
	return writeJSON(c, http.StatusOK, ChatResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: s.clock().Unix(),
		Model:   modelID,
		Choices: []ChatChoice{choice},
		Usage:   usage(res),
	})
}
