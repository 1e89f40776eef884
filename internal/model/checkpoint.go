package model

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"runtime"
	"unsafe"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/samcharles93/qwenrt/internal/errs"
	"github.com/samcharles93/qwenrt/internal/tensor"
)

// Checkpoint layout, little endian throughout:
//
//	header (HeaderSize bytes, zero padded)
//	  u32 magic, u32 version
//	  u32 vocab, dim, hidden, layers, heads, kv_heads, seq_len
//	  f32 rope_theta, u32 group_size, u32 flags, f32 rms_eps
//	f32 attn_norm[layers][dim], ffn_norm[layers][dim]
//	f32 qk_norm[layers][2][head_dim], final_norm[dim]
//	per layer: wq wk wv wo w1 w2 w3, each int8 data then f32 group scales
//	embedding [vocab, dim], then classifier [vocab, dim] when flagged
const (
	Magic      uint32 = 0x5157454E
	Version    uint32 = 1
	HeaderSize        = 256

	flagClassifier uint32 = 1 << 0
)

var littleEndianHost = func() bool {
	x := uint16(1)
	return *(*byte)(unsafe.Pointer(&x)) == 1
}()

// Info describes a checkpoint file without loading its weights.
type Info struct {
	Config       Config `json:"config"`
	Version      uint32 `json:"version"`
	FileSize     int64  `json:"file_size"`
	ExpectedSize int64  `json:"expected_size"`
	Params       int64  `json:"params"`
}

func encodeHeader(cfg Config) []byte {
	b := make([]byte, HeaderSize)
	le := binary.LittleEndian
	le.PutUint32(b[0:], Magic)
	le.PutUint32(b[4:], Version)
	for i, v := range []int{cfg.VocabSize, cfg.Dim, cfg.HiddenDim, cfg.Layers, cfg.Heads, cfg.KVHeads, cfg.SeqLen} {
		le.PutUint32(b[8+4*i:], uint32(v))
	}
	le.PutUint32(b[36:], math.Float32bits(cfg.RopeTheta))
	le.PutUint32(b[40:], uint32(cfg.GroupSize))
	var flags uint32
	if cfg.Classifier {
		flags |= flagClassifier
	}
	le.PutUint32(b[44:], flags)
	le.PutUint32(b[48:], math.Float32bits(cfg.RMSEps))
	return b
}

func decodeHeader(b []byte) (Config, uint32, error) {
	le := binary.LittleEndian
	if magic := le.Uint32(b[0:]); magic != Magic {
		return Config{}, 0, errs.New(errs.ErrFormatInvalid, "checkpoint: bad magic %#08x", magic)
	}
	version := le.Uint32(b[4:])
	if version != Version {
		return Config{}, version, errs.New(errs.ErrFormatInvalid, "checkpoint: unsupported version %d", version)
	}
	field := func(i int) int { return int(le.Uint32(b[8+4*i:])) }
	cfg := Config{
		VocabSize:  field(0),
		Dim:        field(1),
		HiddenDim:  field(2),
		Layers:     field(3),
		Heads:      field(4),
		KVHeads:    field(5),
		SeqLen:     field(6),
		RopeTheta:  math.Float32frombits(le.Uint32(b[36:])),
		GroupSize:  int(le.Uint32(b[40:])),
		Classifier: le.Uint32(b[44:])&flagClassifier != 0,
		RMSEps:     math.Float32frombits(le.Uint32(b[48:])),
	}
	if cfg.GroupSize == 0 {
		cfg.GroupSize = tensor.DefaultGroupSize
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, version, err
	}
	return cfg, version, nil
}

// ReadHeader decodes and validates the checkpoint header.
func ReadHeader(r io.Reader) (Config, error) {
	b := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, b); err != nil {
		return Config{}, errs.New(errs.ErrFormatInvalid, "checkpoint: truncated header: %v", err)
	}
	cfg, _, err := decodeHeader(b)
	return cfg, err
}

func quantBytes(n, gs int) int64 {
	return int64(n) + 4*int64(tensor.NumGroups(n, gs))
}

// ExpectedSize is the exact file size of a checkpoint for cfg.
func ExpectedSize(cfg Config) int64 {
	dim, hd, kvDim, hidden := cfg.Dim, cfg.HeadDim(), cfg.KVDim(), cfg.HiddenDim
	gs := cfg.Groups()
	size := int64(HeaderSize)
	size += 4 * int64(cfg.Layers*(2*dim+2*hd)+dim)
	perLayer := 2*quantBytes(dim*dim, gs) + 2*quantBytes(kvDim*dim, gs) + 3*quantBytes(hidden*dim, gs)
	size += int64(cfg.Layers) * perLayer
	size += quantBytes(cfg.VocabSize*dim, gs)
	if cfg.Classifier {
		size += quantBytes(cfg.VocabSize*dim, gs)
	}
	return size
}

// Inspect reads the header of the checkpoint at path.
func Inspect(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, err
	}
	defer func() { _ = f.Close() }()
	st, err := f.Stat()
	if err != nil {
		return Info{}, err
	}
	b := make([]byte, HeaderSize)
	if _, err := io.ReadFull(f, b); err != nil {
		return Info{}, errs.New(errs.ErrFormatInvalid, "checkpoint: truncated header: %v", err)
	}
	cfg, version, err := decodeHeader(b)
	if err != nil {
		return Info{}, err
	}
	return Info{
		Config:       cfg,
		Version:      version,
		FileSize:     st.Size(),
		ExpectedSize: ExpectedSize(cfg),
		Params:       cfg.ParamCount(),
	}, nil
}

// Open maps the checkpoint at path read-only and loads it. If mmap is
// unavailable the file is streamed instead. The file is closed and the
// mapping released before Open returns.
func Open(path string, opts Options) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := st.Size()
	if size < HeaderSize {
		return nil, errs.New(errs.ErrFormatInvalid, "checkpoint: %s is %d bytes, smaller than the header", path, size)
	}
	if size > int64(int(^uint(0)>>1)) {
		return nil, errs.New(errs.ErrFormatInvalid, "checkpoint: %s is too large to map", path)
	}
	// Check the header against the file before sizing any buffers.
	cfg, err := ReadHeader(io.NewSectionReader(f, 0, HeaderSize))
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if want := ExpectedSize(cfg); size != want {
		return nil, errs.New(errs.ErrFormatInvalid, "checkpoint: %s is %d bytes, header describes %d", path, size, want)
	}

	var r io.Reader
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err == nil {
		defer func() { _ = unix.Munmap(data) }()
		r = bytes.NewReader(data)
	} else {
		r = bufio.NewReaderSize(f, 1<<20)
	}

	m, err := Read(r, opts)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	m.log.Info("loaded checkpoint",
		"path", path,
		"layers", m.cfg.Layers,
		"dim", m.cfg.Dim,
		"vocab", m.cfg.VocabSize,
		"context", m.ctxLen,
		"arena_bytes", m.ArenaBytes(),
		"mmap", data != nil,
	)
	return m, nil
}

// Read loads a checkpoint from a stream. Any failure releases everything
// acquired so far.
func Read(r io.Reader, opts Options) (*Model, error) {
	if !littleEndianHost {
		return nil, errs.New(errs.ErrIncompatibleConfig, "checkpoint: big-endian hosts are not supported")
	}
	cfg, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}
	m, err := newModel(cfg, opts)
	if err != nil {
		return nil, err
	}
	if err := m.readWeights(r); err != nil {
		_ = m.Close()
		return nil, err
	}
	return m, nil
}

func f32Bytes(s []float32) []byte {
	if len(s) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(s))), len(s)*4)
}

func i8Bytes(s []int8) []byte {
	if len(s) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(s))), len(s))
}

func (m *Model) readWeights(r io.Reader) error {
	section := ""
	fill := func(b []byte) error {
		if _, err := io.ReadFull(r, b); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return errs.New(errs.ErrFormatInvalid, "checkpoint: truncated in %s", section)
			}
			return err
		}
		return nil
	}
	quant := func(q *tensor.Quantized) error {
		if err := fill(i8Bytes(q.Data)); err != nil {
			return err
		}
		if err := fill(f32Bytes(q.Scales)); err != nil {
			return err
		}
		for g, s := range q.Scales {
			if math.IsNaN(float64(s)) || math.IsInf(float64(s), 0) {
				return errs.New(errs.ErrFormatInvalid, "checkpoint: non-finite scale in %s group %d", section, g)
			}
		}
		return nil
	}

	for i := range m.Layers {
		section = fmt.Sprintf("attn_norm[%d]", i)
		if err := fill(f32Bytes(m.Layers[i].AttnNorm)); err != nil {
			return err
		}
	}
	for i := range m.Layers {
		section = fmt.Sprintf("ffn_norm[%d]", i)
		if err := fill(f32Bytes(m.Layers[i].FFNNorm)); err != nil {
			return err
		}
	}
	for i := range m.Layers {
		section = fmt.Sprintf("qk_norm[%d]", i)
		if err := fill(f32Bytes(m.Layers[i].QNorm)); err != nil {
			return err
		}
		if err := fill(f32Bytes(m.Layers[i].KNorm)); err != nil {
			return err
		}
	}
	section = "final_norm"
	if err := fill(f32Bytes(m.FinalNorm)); err != nil {
		return err
	}
	for i := range m.Layers {
		l := &m.Layers[i]
		for j, q := range layerMatrices(l) {
			section = fmt.Sprintf("layer %d %s", i, matrixNames[j])
			if err := quant(q); err != nil {
				return err
			}
		}
	}
	section = "embedding"
	if err := quant(m.Embedding); err != nil {
		return err
	}
	if m.Classifier != nil {
		section = "classifier"
		if err := quant(m.Classifier); err != nil {
			return err
		}
	}

	var one [1]byte
	if n, _ := io.ReadFull(r, one[:]); n > 0 {
		return errs.New(errs.ErrFormatInvalid, "checkpoint: trailing bytes after classifier")
	}
	return nil
}

var matrixNames = [7]string{"wq", "wk", "wv", "wo", "w1", "w2", "w3"}

func layerMatrices(l *Layer) [7]*tensor.Quantized {
	return [7]*tensor.Quantized{l.WQ, l.WK, l.WV, l.WO, l.W1, l.W2, l.W3}
}

// Weights are float32 parameters before quantization, as produced by
// Synthetic or a conversion tool.
type Weights struct {
	AttnNorm  [][]float32
	FFNNorm   [][]float32
	QNorm     [][]float32
	KNorm     [][]float32
	FinalNorm []float32

	Layers     []LayerWeights
	Embedding  []float32
	Classifier []float32
}

// LayerWeights are row-major [out, in] projection matrices.
type LayerWeights struct {
	WQ, WK, WV, WO []float32
	W1, W2, W3     []float32
}

func (lw *LayerWeights) matrices() [7][]float32 {
	return [7][]float32{lw.WQ, lw.WK, lw.WV, lw.WO, lw.W1, lw.W2, lw.W3}
}

func matrixShapes(cfg Config) [7][2]int {
	dim, kvDim, hidden := cfg.Dim, cfg.KVDim(), cfg.HiddenDim
	return [7][2]int{
		{dim, dim}, {kvDim, dim}, {kvDim, dim}, {dim, dim},
		{hidden, dim}, {dim, hidden}, {hidden, dim},
	}
}

func (w *Weights) check(cfg Config) error {
	if w == nil {
		return errs.New(errs.ErrInvalidArgument, "weights: nil")
	}
	bad := func(name string, got, want int) error {
		return errs.New(errs.ErrInvalidArgument, "weights: %s has %d values, want %d", name, got, want)
	}
	L, dim, hd := cfg.Layers, cfg.Dim, cfg.HeadDim()
	if len(w.Layers) != L || len(w.AttnNorm) != L || len(w.FFNNorm) != L || len(w.QNorm) != L || len(w.KNorm) != L {
		return errs.New(errs.ErrInvalidArgument, "weights: expected %d layers", L)
	}
	for i := 0; i < L; i++ {
		for _, n := range []struct {
			name string
			v    []float32
			want int
		}{
			{"attn_norm", w.AttnNorm[i], dim},
			{"ffn_norm", w.FFNNorm[i], dim},
			{"q_norm", w.QNorm[i], hd},
			{"k_norm", w.KNorm[i], hd},
		} {
			if len(n.v) != n.want {
				return bad(fmt.Sprintf("layer %d %s", i, n.name), len(n.v), n.want)
			}
		}
		shapes := matrixShapes(cfg)
		for j, mat := range w.Layers[i].matrices() {
			if want := shapes[j][0] * shapes[j][1]; len(mat) != want {
				return bad(fmt.Sprintf("layer %d %s", i, matrixNames[j]), len(mat), want)
			}
		}
	}
	if len(w.FinalNorm) != dim {
		return bad("final_norm", len(w.FinalNorm), dim)
	}
	if len(w.Embedding) != cfg.VocabSize*dim {
		return bad("embedding", len(w.Embedding), cfg.VocabSize*dim)
	}
	if cfg.Classifier && len(w.Classifier) != cfg.VocabSize*dim {
		return bad("classifier", len(w.Classifier), cfg.VocabSize*dim)
	}
	return nil
}

type quantBlob struct {
	data   []int8
	scales []float32
}

func quantizeBlob(src []float32, gs int) quantBlob {
	b := quantBlob{data: make([]int8, len(src)), scales: make([]float32, tensor.NumGroups(len(src), gs))}
	tensor.QuantizeGroupsInto(b.data, b.scales, src, gs)
	return b
}

// Write quantizes w with cfg's group size and emits a checkpoint. Layers
// are quantized in parallel; the output is written in order.
func Write(out io.Writer, cfg Config, w *Weights) error {
	if cfg.GroupSize == 0 {
		cfg.GroupSize = tensor.DefaultGroupSize
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := w.check(cfg); err != nil {
		return err
	}
	gs := cfg.Groups()

	layers := make([][7]quantBlob, cfg.Layers)
	var emb, cls quantBlob
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range layers {
		g.Go(func() error {
			for j, mat := range w.Layers[i].matrices() {
				layers[i][j] = quantizeBlob(mat, gs)
			}
			return nil
		})
	}
	g.Go(func() error {
		emb = quantizeBlob(w.Embedding, gs)
		return nil
	})
	if cfg.Classifier {
		g.Go(func() error {
			cls = quantizeBlob(w.Classifier, gs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	bw := bufio.NewWriterSize(out, 1<<20)
	if _, err := bw.Write(encodeHeader(cfg)); err != nil {
		return err
	}
	put := func(v any) error { return binary.Write(bw, binary.LittleEndian, v) }
	for _, n := range w.AttnNorm {
		if err := put(n); err != nil {
			return err
		}
	}
	for _, n := range w.FFNNorm {
		if err := put(n); err != nil {
			return err
		}
	}
	for i := range w.QNorm {
		if err := put(w.QNorm[i]); err != nil {
			return err
		}
		if err := put(w.KNorm[i]); err != nil {
			return err
		}
	}
	if err := put(w.FinalNorm); err != nil {
		return err
	}
	blobs := make([]quantBlob, 0, 7*len(layers)+2)
	for i := range layers {
		blobs = append(blobs, layers[i][:]...)
	}
	blobs = append(blobs, emb)
	if cfg.Classifier {
		blobs = append(blobs, cls)
	}
	for _, b := range blobs {
		if err := put(b.data); err != nil {
			return err
		}
		if err := put(b.scales); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteFile writes a checkpoint to path, removing it again on failure.
func WriteFile(path string, cfg Config, w *Weights) (err error) {
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
	return Write(f, cfg, w)
}

// FromWeights builds a model directly from float weights, quantizing them
// into the arena.
func FromWeights(cfg Config, w *Weights, opts Options) (*Model, error) {
	if cfg.GroupSize == 0 {
		cfg.GroupSize = tensor.DefaultGroupSize
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := w.check(cfg); err != nil {
		return nil, err
	}
	m, err := newModel(cfg, opts)
	if err != nil {
		return nil, err
	}
	gs := cfg.Groups()
	into := func(q *tensor.Quantized, src []float32) {
		tensor.QuantizeGroupsInto(q.Data, q.Scales, src, gs)
	}
	for i := range m.Layers {
		l := &m.Layers[i]
		copy(l.AttnNorm, w.AttnNorm[i])
		copy(l.FFNNorm, w.FFNNorm[i])
		copy(l.QNorm, w.QNorm[i])
		copy(l.KNorm, w.KNorm[i])
		src := w.Layers[i].matrices()
		for j, q := range layerMatrices(l) {
			into(q, src[j])
		}
	}
	copy(m.FinalNorm, w.FinalNorm)
	into(m.Embedding, w.Embedding)
	if m.Classifier != nil {
		into(m.Classifier, w.Classifier)
	}
	return m, nil
}
