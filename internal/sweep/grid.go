// Package sweep selects hyperparameter points and drives trainer launches:
// build the invocation, print it, run it, record the outcome.
package sweep

import (
	"errors"
	"fmt"
	"math"

	"dpsweep/internal/trainer"
)

// ErrIndexOutOfRange is returned for a grid index outside [0, Len).
var ErrIndexOutOfRange = errors.New("grid index out of range")

// DefaultEpochScale derives the second epoch value of the grid.
const DefaultEpochScale = 1.2

// DefaultFreezeRates returns the freeze rates searched by default.
func DefaultFreezeRates() []trainer.Scalar {
	return []trainer.Scalar{
		trainer.Float(0.3),
		trainer.Float(0.5),
		trainer.Float(0.7),
		trainer.Float(0.9),
		trainer.Int(0),
	}
}

// Grid is the cartesian product freeze_rate x epoch x momentum. Points are
// ordered with freeze rate outermost and momentum innermost.
type Grid struct {
	FreezeRates []trainer.Scalar
	Epochs      []trainer.Scalar
	Momenta     []trainer.Scalar
}

// GridOption adjusts how NewGrid derives its axes.
type GridOption func(*gridSettings)

type gridSettings struct {
	rates []trainer.Scalar
	scale float64
}

// WithFreezeRates replaces the freeze rate axis. An empty list is ignored.
func WithFreezeRates(rates []trainer.Scalar) GridOption {
	return func(s *gridSettings) {
		if len(rates) > 0 {
			s.rates = append([]trainer.Scalar(nil), rates...)
		}
	}
}

// WithEpochScale replaces the factor for the second epoch value.
// Non-positive values are ignored.
func WithEpochScale(scale float64) GridOption {
	return func(s *gridSettings) {
		if scale > 0 {
			s.scale = scale
		}
	}
}

// NewGrid builds the search grid around a base epoch and momentum:
// epochs {epoch, float(ceil(epoch*scale))} and momenta {momentum, 0}.
func NewGrid(epoch, momentum trainer.Scalar, opts ...GridOption) Grid {
	s := gridSettings{rates: DefaultFreezeRates(), scale: DefaultEpochScale}
	for _, opt := range opts {
		opt(&s)
	}
	return Grid{
		FreezeRates: s.rates,
		Epochs:      []trainer.Scalar{epoch, trainer.Float(math.Ceil(epoch.Float64() * s.scale))},
		Momenta:     []trainer.Scalar{momentum, trainer.Int(0)},
	}
}

// Len is the number of points.
func (g Grid) Len() int {
	return len(g.FreezeRates) * len(g.Epochs) * len(g.Momenta)
}

// At returns point i.
func (g Grid) At(i int) (Point, error) {
	if i < 0 || i >= g.Len() {
		return Point{}, fmt.Errorf("%w: index %d, grid has %d points", ErrIndexOutOfRange, i, g.Len())
	}
	inner := len(g.Epochs) * len(g.Momenta)
	return Point{
		Index:      i,
		FreezeRate: g.FreezeRates[i/inner],
		Epoch:      g.Epochs[(i%inner)/len(g.Momenta)],
		Momentum:   g.Momenta[i%len(g.Momenta)],
	}, nil
}

// Points returns every point in index order.
func (g Grid) Points() []Point {
	out := make([]Point, 0, g.Len())
	for i := 0; i < g.Len(); i++ {
		p, _ := g.At(i)
		out = append(out, p)
	}
	return out
}

// Point is one grid combination.
type Point struct {
	Index      int            `json:"index"`
	FreezeRate trainer.Scalar `json:"freeze_rate"`
	Epoch      trainer.Scalar `json:"epoch"`
	Momentum   trainer.Scalar `json:"momentum"`
}

// FreezeEnd is the selected epoch truncated to an integer. The untruncated
// epoch still goes to --num_train_epochs.
func (p Point) FreezeEnd() int {
	return p.Epoch.Trunc()
}

// Apply returns params with the point's values in place. Eval batch size,
// seed and weight decay are pinned for every search run.
func (p Point) Apply(params trainer.Params) trainer.Params {
	params.FreezeRate = p.FreezeRate
	params.Epoch = p.Epoch
	params.Momentum = p.Momentum
	params.FreezeEnd = p.FreezeEnd()
	params.Process = p.Index
	params.PerDeviceEvalBatchSize = 50
	params.Seed = 0
	params.WeightDecay = trainer.Int(0)
	return params
}
