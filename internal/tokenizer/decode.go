package tokenizer

import (
	"strings"
	"unicode/utf8"

	"github.com/samcharles93/qwenrt/internal/errs"
)

// Piece returns the bytes id stands for, resolving byte fallback pieces.
func (v *Vocab) Piece(id int) ([]byte, error) {
	if id < 0 || id >= len(v.pieces) {
		return nil, errs.New(errs.ErrOutOfBounds, "tokenizer: id %d outside vocab of %d", id, len(v.pieces))
	}
	p := v.pieces[id]
	if b, ok := byteValue(p); ok {
		return []byte{b}, nil
	}
	return []byte(p), nil
}

func (v *Vocab) Decode(ids []int) (string, error) {
	var sb strings.Builder
	for _, id := range ids {
		b, err := v.Piece(id)
		if err != nil {
			return "", err
		}
		sb.Write(b)
	}
	return sb.String(), nil
}

// Stream decodes one id at a time and holds back a trailing partial UTF-8
// sequence until the bytes completing it arrive.
type Stream struct {
	v       *Vocab
	pending []byte
}

func (v *Vocab) NewStream() *Stream { return &Stream{v: v} }

func (s *Stream) Push(id int) (string, error) {
	b, err := s.v.Piece(id)
	if err != nil {
		return "", err
	}
	s.pending = append(s.pending, b...)
	cut := len(s.pending)
	for j := max(0, cut-utf8.UTFMax+1); j < len(s.pending); j++ {
		if utf8.RuneStart(s.pending[j]) && !utf8.FullRune(s.pending[j:]) {
			cut = j
			break
		}
	}
	out := string(s.pending[:cut])
	s.pending = append(s.pending[:0], s.pending[cut:]...)
	return out, nil
}

// Flush returns whatever is still held back.
func (s *Stream) Flush() string {
	out := string(s.pending)
	s.pending = s.pending[:0]
	return out
}
