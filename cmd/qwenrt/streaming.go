package main

import (
	"bufio"
	"io"

	"github.com/samcharles93/qwenrt/internal/reasoning"
)

// streamWriter prints generated pieces as they arrive. When split is set,
// reasoning goes to the side writer and only the answer reaches out.
type streamWriter struct {
	out   *bufio.Writer
	side  io.Writer
	split *reasoning.Splitter
}

func newStreamWriter(out, side io.Writer, splitReasoning bool) *streamWriter {
	w := &streamWriter{out: bufio.NewWriterSize(out, 4096), side: side}
	if splitReasoning {
		w.split = &reasoning.Splitter{}
	}
	return w
}

func (w *streamWriter) Write(piece string) {
	if w.split == nil {
		w.emit(piece, "")
		return
	}
	w.emit(w.split.Push(piece))
}

// Close flushes held back text and ends the output line.
func (w *streamWriter) Close() {
	if w.split != nil {
		w.emit(w.split.Flush())
	}
	_, _ = w.out.WriteString("\n")
	_ = w.out.Flush()
}

func (w *streamWriter) emit(content, thought string) {
	if thought != "" && w.side != nil {
		_, _ = io.WriteString(w.side, thought)
	}
	if content != "" {
		_, _ = w.out.WriteString(content)
		_ = w.out.Flush()
	}
}
