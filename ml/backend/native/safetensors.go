package native

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
	"strconv"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
	"golang.org/x/exp/maps"

	"github.com/ollama/stylize/ml"
)

const (
	DTypeF32  = "F32"
	DTypeF16  = "F16"
	DTypeBF16 = "BF16"
)

const metadataKey = "__metadata__"

// maxHeaderSize bounds the JSON header so a corrupt length cannot trigger a huge allocation.
const maxHeaderSize = 100 << 20

type safetensorMetadata struct {
	Type    string  `json:"dtype"`
	Shape   []int   `json:"shape"`
	Offsets []int64 `json:"data_offsets"`
}

// File is the in-memory form of a native model asset: free-form string
// metadata plus named weight tensors.
type File struct {
	Metadata map[string]string
	Tensors  map[string]*ml.Tensor

	// DType is the storage type used by Write. Parsed files report the type
	// of their first tensor.
	DType string
}

func (f *File) Architecture() string {
	return f.Metadata["architecture"]
}

// Parse decodes a safetensors encoded model.
func Parse(data []byte) (*File, error) {
	if len(data) < 8 {
		return nil, errors.New("native: file too short")
	}

	n := binary.LittleEndian.Uint64(data[:8])
	if n > maxHeaderSize || n > uint64(len(data)-8) {
		return nil, fmt.Errorf("native: invalid header size %d", n)
	}

	var raw map[string]json.RawMessage
	if err := json.NewDecoder(bytes.NewReader(data[8 : 8+n])).Decode(&raw); err != nil {
		return nil, fmt.Errorf("native: invalid header: %w", err)
	}

	f := File{
		Metadata: make(map[string]string),
		Tensors:  make(map[string]*ml.Tensor),
	}

	if m, ok := raw[metadataKey]; ok {
		if err := json.Unmarshal(m, &f.Metadata); err != nil {
			return nil, fmt.Errorf("native: invalid metadata: %w", err)
		}
		delete(raw, metadataKey)
	}

	body := data[8+n:]

	keys := maps.Keys(raw)
	slices.Sort(keys)

	for _, key := range keys {
		var value safetensorMetadata
		if err := json.Unmarshal(raw[key], &value); err != nil {
			return nil, fmt.Errorf("native: tensor %q: %w", key, err)
		}

		if len(value.Shape) == 0 || len(value.Offsets) != 2 {
			return nil, fmt.Errorf("native: tensor %q: unsupported layout", key)
		}

		begin, end := value.Offsets[0], value.Offsets[1]
		if begin < 0 || end < begin || end > int64(len(body)) {
			return nil, fmt.Errorf("native: tensor %q: offsets [%d, %d) out of range", key, begin, end)
		}

		f32s, err := decode(value.Type, body[begin:end])
		if err != nil {
			return nil, fmt.Errorf("native: tensor %q: %w", key, err)
		}

		t, err := ml.NewTensor(value.Shape, f32s)
		if err != nil {
			return nil, fmt.Errorf("native: tensor %q: %w", key, err)
		}

		if f.DType == "" {
			f.DType = value.Type
		}

		f.Tensors[key] = t
	}

	return &f, nil
}

func decode(dtype string, bts []byte) ([]float32, error) {
	var f32s []float32
	switch dtype {
	case DTypeF32:
		if len(bts)%4 != 0 {
			return nil, fmt.Errorf("truncated %s data", dtype)
		}

		f32s = make([]float32, len(bts)/4)
		for i := range f32s {
			f32s[i] = math.Float32frombits(binary.LittleEndian.Uint32(bts[i*4:]))
		}
	case DTypeF16:
		if len(bts)%2 != 0 {
			return nil, fmt.Errorf("truncated %s data", dtype)
		}

		f32s = make([]float32, len(bts)/2)
		for i := range f32s {
			f32s[i] = float16.Frombits(binary.LittleEndian.Uint16(bts[i*2:])).Float32()
		}
	case DTypeBF16:
		if len(bts)%2 != 0 {
			return nil, fmt.Errorf("truncated %s data", dtype)
		}

		f32s = bfloat16.DecodeFloat32(bts)
	default:
		return nil, fmt.Errorf("unknown data type: %s", dtype)
	}

	return f32s, nil
}

func encode(dtype string, f32s []float32) ([]byte, error) {
	switch dtype {
	case DTypeF32, "":
		bts := make([]byte, len(f32s)*4)
		for i, v := range f32s {
			binary.LittleEndian.PutUint32(bts[i*4:], math.Float32bits(v))
		}
		return bts, nil
	case DTypeF16:
		bts := make([]byte, len(f32s)*2)
		for i, v := range f32s {
			binary.LittleEndian.PutUint16(bts[i*2:], float16.Fromfloat32(v).Bits())
		}
		return bts, nil
	case DTypeBF16:
		return bfloat16.EncodeFloat32(f32s), nil
	default:
		return nil, fmt.Errorf("unknown data type: %s", dtype)
	}
}

// Write serializes f in safetensors format. Tensors are written in name order.
func Write(w io.Writer, f *File) (int64, error) {
	dtype := f.DType
	if dtype == "" {
		dtype = DTypeF32
	}

	keys := maps.Keys(f.Tensors)
	slices.Sort(keys)

	header := make(map[string]any, len(keys)+1)
	if len(f.Metadata) > 0 {
		header[metadataKey] = f.Metadata
	}

	var body bytes.Buffer
	for _, key := range keys {
		t := f.Tensors[key]
		bts, err := encode(dtype, t.Data)
		if err != nil {
			return 0, err
		}

		begin := int64(body.Len())
		body.Write(bts)
		header[key] = safetensorMetadata{
			Type:    dtype,
			Shape:   t.Shape,
			Offsets: []int64{begin, int64(body.Len())},
		}
	}

	h, err := json.Marshal(header)
	if err != nil {
		return 0, err
	}

	var written int64
	if err := binary.Write(w, binary.LittleEndian, uint64(len(h))); err != nil {
		return written, err
	}
	written += 8

	n, err := w.Write(h)
	written += int64(n)
	if err != nil {
		return written, err
	}

	m, err := body.WriteTo(w)
	return written + m, err
}

// tensorInfos reads declared model inputs or outputs ("input" or "output")
// from the metadata keys <kind>.<i>.name and <kind>.<i>.shape.
func tensorInfos(md map[string]string, kind string) ([]ml.TensorInfo, error) {
	var infos []ml.TensorInfo
	for i := 0; ; i++ {
		prefix := kind + "." + strconv.Itoa(i)
		s, ok := md[prefix+".shape"]
		if !ok {
			break
		}

		shape, err := ml.ParseShape(s)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", prefix, err)
		}

		name := md[prefix+".name"]
		if name == "" {
			name = prefix
		}

		infos = append(infos, ml.TensorInfo{Name: name, Shape: shape})
	}

	return infos, nil
}

func setTensorInfos(md map[string]string, kind string, infos []ml.TensorInfo) {
	for i, info := range infos {
		prefix := kind + "." + strconv.Itoa(i)
		md[prefix+".name"] = info.Name
		md[prefix+".shape"] = info.Shape.String()
	}
}
