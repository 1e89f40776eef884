package tokenizer

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/samcharles93/qwenrt/internal/errs"
)

// Encode splits text on special pieces, maps every remaining rune to its
// piece (or to <0xXX> byte pieces when the rune is missing), then merges
// the adjacent pair whose concatenation has the highest score until no pair
// is in the vocab. No BOS is prepended.
func (v *Vocab) Encode(text string) ([]int, error) {
	var ids []int
	for _, part := range splitSpecials(text, v.specials) {
		if part.isSpecial {
			ids = append(ids, v.lookup[part.text])
			continue
		}
		syms, err := v.symbols(part.text)
		if err != nil {
			return nil, err
		}
		ids = append(ids, v.merge(syms)...)
	}
	return ids, nil
}

func (v *Vocab) symbols(text string) ([]int, error) {
	syms := make([]int, 0, len(text))
	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		ch := text[i : i+size]
		if id, ok := v.lookup[ch]; ok && !(r == utf8.RuneError && size == 1) {
			syms = append(syms, id)
			i += size
			continue
		}
		for j := 0; j < size; j++ {
			id := v.byteIDs[text[i+j]]
			if id < 0 {
				return nil, errs.New(errs.ErrInvalidArgument, "tokenizer: no piece or byte fallback for %q", ch)
			}
			syms = append(syms, id)
		}
		i += size
	}
	return syms, nil
}

func (v *Vocab) merge(syms []int) []int {
	var sb strings.Builder
	for len(syms) > 1 {
		best, bestID := -1, -1
		var bestScore float32
		for i := 0; i+1 < len(syms); i++ {
			a, b := v.pieces[syms[i]], v.pieces[syms[i+1]]
			if len(a)+len(b) > v.maxLen {
				continue
			}
			sb.Reset()
			sb.WriteString(a)
			sb.WriteString(b)
			id, ok := v.lookup[sb.String()]
			if !ok {
				continue
			}
			if best < 0 || v.scores[id] > bestScore {
				best, bestID, bestScore = i, id, v.scores[id]
			}
		}
		if best < 0 {
			break
		}
		syms[best] = bestID
		syms = append(syms[:best+1], syms[best+2:]...)
	}
	return syms
}

// byteValue reports whether p is a byte fallback piece such as <0x0A>.
func byteValue(p string) (byte, bool) {
	if len(p) != 6 || !strings.HasPrefix(p, "<0x") || p[5] != '>' {
		return 0, false
	}
	n, err := strconv.ParseUint(p[3:5], 16, 8)
	if err != nil {
		return 0, false
	}
	return byte(n), true
}

func bytePiece(b byte) string { return fmt.Sprintf("<0x%02X>", b) }

type textPart struct {
	text      string
	isSpecial bool
}

func collectSpecials(pieces []string) []string {
	out := make([]string, 0, 32)
	for _, p := range pieces {
		if isSpecialToken(p) {
			out = append(out, p)
		}
	}
	// longest-match first
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && len(out[j]) > len(out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func isSpecialToken(s string) bool {
	if s == ThinkOpen || s == ThinkClose {
		return true
	}
	return len(s) >= 4 && strings.HasPrefix(s, "<|") && strings.HasSuffix(s, "|>")
}

func splitSpecials(text string, specials []string) []textPart {
	if len(specials) == 0 || !strings.Contains(text, "<") {
		return []textPart{{text: text}}
	}
	var parts []textPart
	start := 0
	for i := 0; i < len(text); {
		if text[i] != '<' {
			i++
			continue
		}
		match := ""
		for _, sp := range specials {
			if strings.HasPrefix(text[i:], sp) {
				match = sp
				break
			}
		}
		if match == "" {
			i++
			continue
		}
		if i > start {
			parts = append(parts, textPart{text: text[start:i]})
		}
		parts = append(parts, textPart{text: match, isSpecial: true})
		i += len(match)
		start = i
	}
	if start < len(text) {
		parts = append(parts, textPart{text: text[start:]})
	}
	return parts
}
