package tokenizer

import (
	"fmt"
	"strings"

	"github.com/samcharles93/qwenrt/internal/errs"
)

var synthSpecials = []string{EndOfText, ImStart, ImEnd, ThinkOpen, ThinkClose}

// MinSyntheticSize covers the specials, every byte and printable ASCII.
const MinSyntheticSize = 5 + 256 + 95

var synthWords = strings.Fields(`the of and to in is that it for was on are as with
be at by this have from or one had not but what all were when we there can an your
which their said if do will each about how up out them then she many some so these
would other into has more her two like him see time could no make than first been its
who now people my made over did down only way find use may water long little very
after words called just where most know get through back much before go good new write
our used me man too any day same right look think also around another came come work
three word must because does part even place well such here take why help put different
away again off went old number great tell men say small every found still between name
should home big give air line set own under read last never us left end along while
might next sound below saw something thought both few those always show large often
together asked house world going want school important until form food keep children
user assistant system model answer question hello world`)

// Synthetic builds a deterministic vocab of exactly size pieces: the chat
// specials, all 256 byte pieces, printable ASCII, prefix chains of common
// English words with and without a leading space, then reserved specials.
// bos is <|endoftext|> and eos is <|im_end|>.
func Synthetic(size int) (*Vocab, error) {
	if size < MinSyntheticSize {
		return nil, errs.New(errs.ErrInvalidArgument, "tokenizer: synthetic vocab needs at least %d pieces, got %d", MinSyntheticSize, size)
	}
	pieces := make([]string, 0, size)
	seen := make(map[string]bool, size)
	add := func(p string) bool {
		if len(pieces) == size {
			return false
		}
		if !seen[p] {
			seen[p] = true
			pieces = append(pieces, p)
		}
		return true
	}
	for _, p := range synthSpecials {
		add(p)
	}
	for b := 0; b < 256; b++ {
		add(bytePiece(byte(b)))
	}
	for c := byte(' '); c <= '~'; c++ {
		add(string(c))
	}
	base := len(pieces)
	for _, w := range synthWords {
		for _, form := range []string{" " + w, w} {
			for n := 2; n <= len(form); n++ {
				if !add(form[:n]) {
					break
				}
			}
		}
	}
	for i := 0; len(pieces) < size; i++ {
		add(fmt.Sprintf("<|reserved_%d|>", i))
	}

	scores := make([]float32, len(pieces))
	for i := base; i < len(pieces); i++ {
		scores[i] = -float32(i - base)
	}
	for i := range base {
		scores[i] = -1e6
	}
	return NewVocab(pieces, scores, 0, 2)
}
