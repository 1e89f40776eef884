package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/qwenrt/internal/inference"
	"github.com/samcharles93/qwenrt/internal/reasoning"
)

// SSEWriter frames values as server-sent events.
type SSEWriter struct {
	w     io.Writer
	flush func()
	err   error
}

func NewSSEWriter(c *echo.Context) (*SSEWriter, error) {
	res := c.Response()
	flusher, ok := res.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming unsupported")
	}
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)
	return &SSEWriter{w: res, flush: flusher.Flush}, nil
}

// Event writes one "data:" event, with an "event:" line when name is set.
// After the first write error every call is a no-op returning that error.
func (s *SSEWriter) Event(name string, v any) error {
	if s.err != nil {
		return s.err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if name != "" {
		_, s.err = fmt.Fprintf(s.w, "event: %s\n", name)
	}
	if s.err == nil {
		_, s.err = fmt.Fprintf(s.w, "data: %s\n\n", b)
	}
	s.flush()
	return s.err
}

func (s *SSEWriter) Done() error {
	if s.err != nil {
		return s.err
	}
	_, s.err = io.WriteString(s.w, "data: [DONE]\n\n")
	s.flush()
	return s.err
}

func (s *Server) streamChat(c *echo.Context, eng inference.Engine, req inference.Request, id, modelID string, think bool) error {
	sse, err := NewSSEWriter(c)
	if err != nil {
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error())
	}
	var split reasoning.Splitter
	emit := func(content, thought string) {
		if !think {
			thought = ""
		}
		if content != "" || thought != "" {
			_ = sse.Event("", ChatChunk{ID: id, Model: modelID, Delta: content, Reasoning: thought})
		}
	}
	res, err := eng.Generate(c.Request().Context(), req, func(piece string) {
		emit(split.Push(piece))
	})
	emit(split.Flush())
	if err != nil {
		status, errType := statusFor(err)
		_ = sse.Event("error", ErrorResponse{Error: ErrorDetail{
			Message: err.Error(),
			Type:    errType,
			Code:    strconv.Itoa(status),
		}})
		return nil
	}
	u := usage(res)
	_ = sse.Event("", ChatChunk{ID: id, Model: modelID, FinishReason: res.FinishReason, Usage: &u})
	return sse.Done()
}
