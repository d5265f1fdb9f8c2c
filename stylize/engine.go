// Package stylize applies the style of one image to another with two
// cascaded networks: a style encoder producing a style descriptor, and a
// transfer executor combining that descriptor with a content image.
package stylize

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ollama/stylize/assets"
	"github.com/ollama/stylize/ml"
	"github.com/ollama/stylize/model/imageproc"
)

type State int

const (
	StateUninitialized State = iota
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type Options struct {
	// NumThreads is passed to both models. Defaults to 2.
	NumThreads int

	// CacheDescriptor keeps the style descriptor computed by Transfer until
	// the next SetStyleImage. Without it the descriptor is recomputed on
	// every call.
	CacheDescriptor bool
}

// Engine owns both networks and the selected style image. Calls are
// serialized; an engine runs at most one inference at a time. State and Err
// do not wait for a running inference.
type Engine struct {
	opts Options

	loaded chan struct{}

	// smu guards state and err. Writers hold mu first.
	smu   sync.RWMutex
	state State
	err   error

	mu         sync.Mutex
	encoder    *StyleEncoder
	executor   *TransferExecutor
	style      image.Image
	descriptor *ml.Tensor
}

// New loads both models from store and returns once loading finished. Load
// failures leave the engine in StateFailed; they are reported by Err and
// by every inference call.
func New(ctx context.Context, store assets.Store, opts Options) *Engine {
	e := Start(ctx, store, opts)
	<-e.loaded
	return e
}

// Start is like New but loads the models in the background. Inference calls
// block until loading finishes.
func Start(ctx context.Context, store assets.Store, opts Options) *Engine {
	if opts.NumThreads <= 0 {
		opts.NumThreads = 2
	}

	e := &Engine{opts: opts, loaded: make(chan struct{})}
	go e.load(ctx, store)
	return e
}

func (e *Engine) load(ctx context.Context, store assets.Store) {
	defer close(e.loaded)

	mlOpts := ml.Options{NumThreads: e.opts.NumThreads}

	var predict, transfer ml.Model
	g, ctx := errgroup.WithContext(ctx)
	for name, dst := range map[string]*ml.Model{
		assets.StylePredict:  &predict,
		assets.StyleTransfer: &transfer,
	} {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}

			m, err := store.LoadModel(name, mlOpts)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}

			*dst = m
			return nil
		})
	}

	err := g.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()

	if err != nil {
		for _, m := range []ml.Model{predict, transfer} {
			if m != nil {
				m.Close()
			}
		}

		e.setState(StateFailed, fmt.Errorf("%w: %w", ErrModelUnavailable, err))
		return
	}

	e.encoder = NewStyleEncoder(predict)
	e.executor = NewTransferExecutor(transfer)
	e.setState(StateReady, nil)
}

// Loaded is closed once model loading has finished, successfully or not.
func (e *Engine) Loaded() <-chan struct{} {
	return e.loaded
}

func (e *Engine) State() State {
	e.smu.RLock()
	defer e.smu.RUnlock()
	return e.state
}

// Err returns the reason the engine failed to load, if any.
func (e *Engine) Err() error {
	e.smu.RLock()
	defer e.smu.RUnlock()
	return e.err
}

func (e *Engine) setState(state State, err error) {
	e.smu.Lock()
	defer e.smu.Unlock()
	e.state, e.err = state, err
}

// SetStyleImage selects the style applied by subsequent Transfer calls. The
// image is validated when it is first used.
func (e *Engine) SetStyleImage(img image.Image) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.style = img
	e.descriptor = nil
}

// Transfer applies the selected style to content and returns an image of
// ContentSize x ContentSize pixels.
func (e *Engine) Transfer(content image.Image) (*image.RGBA, error) {
	t, err := e.TransferTensor(content)
	if err != nil {
		return nil, err
	}

	return imageproc.Postprocess(t)
}

// TransferTensor is Transfer without the final conversion to an image. The
// result has ContentShape and values nominally in [0, 1].
func (e *Engine) TransferTensor(content image.Image) (*ml.Tensor, error) {
	<-e.loaded

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ready(); err != nil {
		return nil, err
	}

	if e.style == nil {
		return nil, ErrNoStyleSelected
	}

	contentTensor, err := imageproc.Preprocess(content, ContentSize, ContentSize)
	if err != nil {
		return nil, fmt.Errorf("content image: %w", err)
	}

	descriptor := e.descriptor
	if descriptor == nil {
		descriptor, err = e.describe(e.style)
		if err != nil {
			return nil, err
		}

		if e.opts.CacheDescriptor {
			e.descriptor = descriptor
		}
	}

	return e.executor.Execute(contentTensor, descriptor)
}

// Describe returns the style descriptor of img without changing the
// selected style.
func (e *Engine) Describe(img image.Image) (*ml.Tensor, error) {
	<-e.loaded

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ready(); err != nil {
		return nil, err
	}

	return e.describe(img)
}

func (e *Engine) describe(img image.Image) (*ml.Tensor, error) {
	t, err := imageproc.Preprocess(img, StyleSize, StyleSize)
	if err != nil {
		return nil, fmt.Errorf("style image: %w", err)
	}

	return e.encoder.Encode(t)
}

func (e *Engine) ready() error {
	switch state := e.State(); state {
	case StateReady:
		return nil
	case StateFailed:
		return e.Err()
	default:
		return fmt.Errorf("%w: engine %s", ErrModelUnavailable, state)
	}
}

// Close releases both models. Later inference calls report
// ErrModelUnavailable.
func (e *Engine) Close() error {
	<-e.loaded

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.State() != StateReady {
		return nil
	}

	err := errors.Join(e.encoder.model.Close(), e.executor.model.Close())
	e.encoder, e.executor = nil, nil
	e.descriptor = nil
	e.setState(StateFailed, fmt.Errorf("%w: engine closed", ErrModelUnavailable))
	return err
}
