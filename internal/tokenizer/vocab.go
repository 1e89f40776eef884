package tokenizer

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/samcharles93/qwenrt/internal/errs"
)

// Vocab is a loaded token table. Token ids are positions in the file.
type Vocab struct {
	pieces   []string
	scores   []float32
	lookup   map[string]int
	maxLen   int
	bos, eos int

	specials []string
	byteIDs  [256]int
}

// NewVocab builds a vocab from parallel piece and score slices.
func NewVocab(pieces []string, scores []float32, bos, eos int) (*Vocab, error) {
	if len(pieces) == 0 {
		return nil, errs.New(errs.ErrFormatInvalid, "tokenizer: empty vocab")
	}
	if len(scores) != len(pieces) {
		return nil, errs.New(errs.ErrInvalidArgument, "tokenizer: %d scores for %d pieces", len(scores), len(pieces))
	}
	if bos < 0 || bos >= len(pieces) || eos < 0 || eos >= len(pieces) {
		return nil, errs.New(errs.ErrFormatInvalid, "tokenizer: bos %d / eos %d outside vocab of %d", bos, eos, len(pieces))
	}
	v := &Vocab{
		pieces: pieces,
		scores: scores,
		lookup: make(map[string]int, len(pieces)),
		bos:    bos,
		eos:    eos,
	}
	for i := range v.byteIDs {
		v.byteIDs[i] = -1
	}
	for i, p := range pieces {
		v.maxLen = max(v.maxLen, len(p))
		if _, dup := v.lookup[p]; !dup {
			v.lookup[p] = i
		}
		if b, ok := byteValue(p); ok && v.byteIDs[b] < 0 {
			v.byteIDs[b] = i
		}
	}
	v.specials = collectSpecials(pieces)
	return v, nil
}

// Load reads a vocab file from disk.
func Load(path string) (*Vocab, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open tokenizer: %w", err)
	}
	defer f.Close()
	v, err := Read(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return v, nil
}

// Read parses the little-endian vocab layout:
//
//	u32 max_token_len, u32 bos, u32 eos
//	repeated until EOF: f32 score, u32 len, len bytes
func Read(r io.Reader) (*Vocab, error) {
	var hdr [3]uint32
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, errs.New(errs.ErrFormatInvalid, "tokenizer: header: %v", err)
	}
	maxLen := int(hdr[0])
	var (
		pieces []string
		scores []float32
		rec    [8]byte
	)
	for {
		_, err := io.ReadFull(r, rec[:])
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errs.New(errs.ErrFormatInvalid, "tokenizer: token %d: truncated record", len(pieces))
		}
		score := math.Float32frombits(binary.LittleEndian.Uint32(rec[0:4]))
		n := int(binary.LittleEndian.Uint32(rec[4:8]))
		if n > maxLen {
			return nil, errs.New(errs.ErrFormatInvalid, "tokenizer: token %d length %d exceeds max %d", len(pieces), n, maxLen)
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, errs.New(errs.ErrFormatInvalid, "tokenizer: token %d: truncated bytes", len(pieces))
		}
		pieces = append(pieces, string(buf))
		scores = append(scores, score)
	}
	return NewVocab(pieces, scores, int(hdr[1]), int(hdr[2]))
}

// Write emits v in the layout Read accepts.
func Write(w io.Writer, v *Vocab) error {
	bw := bufio.NewWriter(w)
	hdr := [3]uint32{uint32(v.maxLen), uint32(v.bos), uint32(v.eos)}
	if err := binary.Write(bw, binary.LittleEndian, hdr); err != nil {
		return err
	}
	var rec [8]byte
	for i, p := range v.pieces {
		binary.LittleEndian.PutUint32(rec[0:4], math.Float32bits(v.scores[i]))
		binary.LittleEndian.PutUint32(rec[4:8], uint32(len(p)))
		if _, err := bw.Write(rec[:]); err != nil {
			return err
		}
		if _, err := bw.WriteString(p); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteFile writes v to path, removing the file if anything fails.
func WriteFile(path string, v *Vocab) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(path)
		}
	}()
	return Write(f, v)
}

func (v *Vocab) Size() int        { return len(v.pieces) }
func (v *Vocab) BOS() int         { return v.bos }
func (v *Vocab) EOS() int         { return v.eos }
func (v *Vocab) MaxTokenLen() int { return v.maxLen }

func (v *Vocab) Score(id int) float32 {
	if id < 0 || id >= len(v.scores) {
		return 0
	}
	return v.scores[id]
}

// ID returns the id of an exact piece.
func (v *Vocab) ID(piece string) (int, bool) {
	id, ok := v.lookup[piece]
	return id, ok
}

// TokenString returns the raw piece for id, or "" when out of range.
func (v *Vocab) TokenString(id int) string {
	if id < 0 || id >= len(v.pieces) {
		return ""
	}
	return v.pieces[id]
}

// StopIDs returns eos plus the chat terminators present in the vocab.
func (v *Vocab) StopIDs() []int {
	out := []int{v.eos}
	for _, p := range []string{ImEnd, EndOfText} {
		if id, ok := v.lookup[p]; ok && id != v.eos {
			out = append(out, id)
		}
	}
	return out
}
