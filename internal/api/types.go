package api

import (
	"time"

	"github.com/samcharles93/qwenrt/internal/model"
	"github.com/samcharles93/qwenrt/internal/tokenizer"
)

// SamplingFields are the generation knobs shared by generate and chat.
// Pointer fields distinguish "unset" from zero.
type SamplingFields struct {
	MaxTokens     *int     `json:"max_tokens,omitempty"`
	Temperature   *float32 `json:"temperature,omitempty"`
	TopP          *float32 `json:"top_p,omitempty"`
	TopK          *int     `json:"top_k,omitempty"`
	MinP          *float32 `json:"min_p,omitempty"`
	RepeatPenalty *float32 `json:"repeat_penalty,omitempty"`
	Seed          *int64   `json:"seed,omitempty"`
	Stop          []string `json:"stop,omitempty"`
}

// GenerateRequest is the body of POST /api/v1/generate.
type GenerateRequest struct {
	Model  string `json:"model,omitempty"`
	Prompt string `json:"prompt"`
	SamplingFields
}

type GenerateResponse struct {
	ID           string `json:"id"`
	Model        string `json:"model"`
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason"`
	Usage        Usage  `json:"usage"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type ChatMessage = tokenizer.Message

// ChatRequest is the body of POST /api/v1/chat.
type ChatRequest struct {
	Model    string        `json:"model,omitempty"`
	Messages []ChatMessage `json:"messages"`
	SamplingFields
	Stream bool `json:"stream,omitempty"`
	// Think keeps the reasoning block in the reply instead of stripping it.
	Think bool `json:"think,omitempty"`
}

type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	Reasoning    string      `json:"reasoning_content,omitempty"`
	FinishReason string      `json:"finish_reason"`
}

type ChatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   Usage        `json:"usage"`
}

// ChatChunk is one server-sent event of a streamed chat reply.
type ChatChunk struct {
	ID           string `json:"id"`
	Model        string `json:"model"`
	Delta        string `json:"delta,omitempty"`
	Reasoning    string `json:"reasoning,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`
}

type LoadModelRequest struct {
	ContextSize int `json:"context_size,omitempty"`
}

type LoadModelResponse struct {
	Success bool   `json:"success"`
	ModelID string `json:"model_id"`
	Message string `json:"message"`
}

type UnloadModelResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type ModelInfo struct {
	ID            string        `json:"id"`
	Path          string        `json:"path,omitempty"`
	Loaded        bool          `json:"loaded"`
	Config        *model.Config `json:"config,omitempty"`
	ContextLen    int           `json:"context_len,omitempty"`
	Kernel        string        `json:"kernel,omitempty"`
	MemoryBytes   int64         `json:"memory_bytes,omitempty"`
	SlidingWindow int           `json:"sliding_window,omitempty"`
	LoadedAt      *time.Time    `json:"loaded_at,omitempty"`
	Requests      uint64        `json:"requests,omitempty"`
}

type ModelsListResponse struct {
	Models []ModelInfo `json:"models"`
	Total  int         `json:"total"`
}

// OpenAIModel is one entry of GET /v1/models.
type OpenAIModel struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type OpenAIModelList struct {
	Object string        `json:"object"`
	Data   []OpenAIModel `json:"data"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

type SystemInfo struct {
	Arch        string   `json:"arch"`
	Cores       int      `json:"cores"`
	CPUFeatures []string `json:"cpu_features"`
	Kernels     string   `json:"kernels"`
	GoVersion   string   `json:"go_version"`
}

type StatusResponse struct {
	Version        string      `json:"version"`
	UptimeSeconds  int64       `json:"uptime"`
	ActiveRequests int64       `json:"active_requests"`
	LoadedModels   []ModelInfo `json:"loaded_models"`
	TotalMemoryMB  float64     `json:"total_memory_mb"`
	SystemInfo     SystemInfo  `json:"system_info"`
}

type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}
