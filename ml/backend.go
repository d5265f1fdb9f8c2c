package ml

import (
	"fmt"
	"slices"
	"strings"
	"sync"
)

// TensorInfo describes one input or output of a model.
type TensorInfo struct {
	Name  string `json:"name"`
	Shape Shape  `json:"shape"`
}

// Model is a loaded network ready to run. A model may declare several
// outputs; Run returns all of them in declaration order.
type Model interface {
	Inputs() []TensorInfo
	Outputs() []TensorInfo

	Run(inputs ...*Tensor) ([]*Tensor, error)
	Close() error
}

type Options struct {
	// NumThreads is the number of workers a backend may use for its kernels.
	// Values below one are treated as one.
	NumThreads int
}

func (o Options) Threads() int {
	return max(o.NumThreads, 1)
}

// LoadFunc constructs a model from the raw bytes of a serialized asset.
type LoadFunc func(data []byte, opts Options) (Model, error)

type backend struct {
	name string
	ext  string
	load LoadFunc
}

var (
	mu       sync.RWMutex
	backends []backend
)

// RegisterBackend associates an asset file extension such as ".tflite" with
// a loader. Backends registered first are preferred when an asset exists in
// more than one format.
func RegisterBackend(name, ext string, f LoadFunc) {
	mu.Lock()
	defer mu.Unlock()

	ext = strings.ToLower(ext)
	if slices.ContainsFunc(backends, func(b backend) bool { return b.ext == ext }) {
		panic("backend: backend already registered for " + ext)
	}

	backends = append(backends, backend{name: name, ext: ext, load: f})
}

// Extensions returns the registered asset extensions in priority order.
func Extensions() []string {
	mu.RLock()
	defer mu.RUnlock()

	exts := make([]string, len(backends))
	for i, b := range backends {
		exts[i] = b.ext
	}

	return exts
}

// BackendName returns the name of the backend registered for ext.
func BackendName(ext string) string {
	mu.RLock()
	defer mu.RUnlock()

	for _, b := range backends {
		if b.ext == strings.ToLower(ext) {
			return b.name
		}
	}

	return ""
}

func Load(ext string, data []byte, opts Options) (Model, error) {
	mu.RLock()
	i := slices.IndexFunc(backends, func(b backend) bool { return b.ext == strings.ToLower(ext) })
	var load LoadFunc
	if i >= 0 {
		load = backends[i].load
	}
	mu.RUnlock()

	if load == nil {
		return nil, fmt.Errorf("unsupported backend for %q", ext)
	}

	return load(data, opts)
}

// CheckInputs validates inputs against the shapes a model declares.
func CheckInputs(want []TensorInfo, inputs []*Tensor) error {
	if len(inputs) != len(want) {
		return fmt.Errorf("%w: model takes %d inputs, got %d", ErrShapeMismatch, len(want), len(inputs))
	}

	for i, info := range want {
		if err := CheckShape(info.Name, inputs[i], info.Shape); err != nil {
			return err
		}
	}

	return nil
}

type number interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

func mul[T number](s ...T) T {
	p := T(1)
	for _, v := range s {
		p *= v
	}

	return p
}

type DumpOptions struct {
	// Items is the number of elements to print at the beginning and end of each dimension.
	Items int

	// Precision is the number of decimal places to print.
	Precision int
}

func Dump(t *Tensor, opts ...DumpOptions) string {
	if t == nil || t.Data == nil {
		return "<nil>"
	}

	if len(opts) < 1 {
		opts = append(opts, DumpOptions{
			Items:     3,
			Precision: 4,
		})
	}

	shape := t.Shape
	o := opts[0]

	var sb strings.Builder
	var f func([]int, int)
	f = func(dims []int, stride int) {
		prefix := strings.Repeat(" ", len(shape)-len(dims)+1)
		fmt.Fprint(&sb, "[")
		defer func() { fmt.Fprint(&sb, "]") }()
		for i := 0; i < dims[0]; i++ {
			if i >= o.Items && i < dims[0]-o.Items {
				fmt.Fprint(&sb, "..., ")
				// skip to next printable element
				skip := dims[0] - 2*o.Items
				if len(dims) > 1 {
					stride += mul(append(slices.Clone(dims[1:]), skip)...)
					fmt.Fprint(&sb, strings.Repeat("\n", len(dims)-1), prefix)
				}
				i += skip - 1
			} else if len(dims) > 1 {
				f(dims[1:], stride)
				stride += mul(dims[1:]...)
				if i < dims[0]-1 {
					fmt.Fprint(&sb, ",", strings.Repeat("\n", len(dims)-1), prefix)
				}
			} else {
				fmt.Fprintf(&sb, "%.*f", o.Precision, t.Data[stride+i])
				if i < dims[0]-1 {
					fmt.Fprint(&sb, ", ")
				}
			}
		}
	}
	f(shape, 0)

	return sb.String()
}
