package sweep

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dpsweep/internal/trainer"
)

func render(points []Point) []string {
	out := make([]string, 0, len(points))
	for _, p := range points {
		out = append(out, fmt.Sprintf("%d:%s/%s/%s", p.Index, p.FreezeRate, p.Epoch, p.Momentum))
	}
	return out
}

func TestNewGrid_DefaultOrder(t *testing.T) {
	g := NewGrid(trainer.Float(6), trainer.Float(0.9))
	require.Equal(t, 20, g.Len())

	want := []string{
		"0:0.3/6.0/0.9", "1:0.3/6.0/0", "2:0.3/8.0/0.9", "3:0.3/8.0/0",
		"4:0.5/6.0/0.9", "5:0.5/6.0/0", "6:0.5/8.0/0.9", "7:0.5/8.0/0",
		"8:0.7/6.0/0.9", "9:0.7/6.0/0", "10:0.7/8.0/0.9", "11:0.7/8.0/0",
		"12:0.9/6.0/0.9", "13:0.9/6.0/0", "14:0.9/8.0/0.9", "15:0.9/8.0/0",
		"16:0/6.0/0.9", "17:0/6.0/0", "18:0/8.0/0.9", "19:0/8.0/0",
	}
	if diff := cmp.Diff(want, render(g.Points())); diff != "" {
		t.Errorf("grid order mismatch (-want +got):\n%s", diff)
	}
}

func TestGrid_At(t *testing.T) {
	g := NewGrid(trainer.Float(6), trainer.Float(0.9))

	p, err := g.At(0)
	require.NoError(t, err)
	assert.True(t, p.FreezeRate.Equal(trainer.Float(0.3)))
	assert.True(t, p.Epoch.Equal(trainer.Float(6)))
	assert.True(t, p.Momentum.Equal(trainer.Float(0.9)))
	assert.Equal(t, 6, p.FreezeEnd())

	p, err = g.At(19)
	require.NoError(t, err)
	assert.True(t, p.FreezeRate.Equal(trainer.Int(0)))
	assert.Equal(t, 8, p.FreezeEnd())

	for _, i := range []int{20, 21, -1} {
		_, err := g.At(i)
		assert.True(t, errors.Is(err, ErrIndexOutOfRange), "index %d", i)
	}
}

func TestNewGrid_EpochForms(t *testing.T) {
	tests := []struct {
		name      string
		epoch     trainer.Scalar
		want      []string
		freezeEnd []int
	}{
		{"int epoch stays int", trainer.Int(6), []string{"6", "8.0"}, []int{6, 8}},
		{"fractional epoch", trainer.Float(7.5), []string{"7.5", "9.0"}, []int{7, 9}},
		{"exact product", trainer.Float(5), []string{"5.0", "6.0"}, []int{5, 6}},
		{"tiny epoch", trainer.Float(0.5), []string{"0.5", "1.0"}, []int{0, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGrid(tt.epoch, trainer.Float(0.9))
			var got []string
			for _, e := range g.Epochs {
				got = append(got, e.String())
			}
			assert.Equal(t, tt.want, got)

			first, _ := g.At(0)
			second, _ := g.At(2)
			assert.Equal(t, tt.freezeEnd, []int{first.FreezeEnd(), second.FreezeEnd()})
		})
	}
}

func TestNewGrid_Options(t *testing.T) {
	g := NewGrid(trainer.Float(6), trainer.Float(0.8),
		WithFreezeRates([]trainer.Scalar{trainer.Float(0.1)}),
		WithEpochScale(2),
	)
	assert.Equal(t, 4, g.Len())
	assert.Equal(t, []string{"0:0.1/6.0/0.8", "1:0.1/6.0/0", "2:0.1/12.0/0.8", "3:0.1/12.0/0"}, render(g.Points()))

	// Empty or non-positive options fall back to the defaults.
	g = NewGrid(trainer.Float(6), trainer.Float(0.9), WithFreezeRates(nil), WithEpochScale(0))
	assert.Equal(t, 20, g.Len())
	assert.Equal(t, "8.0", g.Epochs[1].String())
}

func TestPoint_Apply(t *testing.T) {
	base := trainer.DefaultParams()
	base.TaskName = "sst-2"
	base.Seed = 9
	base.PerDeviceEvalBatchSize = 16
	base.WeightDecay = trainer.Float(0.1)

	g := NewGrid(base.Epoch, base.Momentum)
	point, err := g.At(7)
	require.NoError(t, err)

	got := point.Apply(base)
	assert.Equal(t, "0.5", got.FreezeRate.String())
	assert.Equal(t, "8.0", got.Epoch.String())
	assert.Equal(t, "0", got.Momentum.String())
	assert.Equal(t, 8, got.FreezeEnd)
	assert.Equal(t, 7, got.Process)
	assert.Equal(t, 50, got.PerDeviceEvalBatchSize)
	assert.Equal(t, 0, got.Seed)
	assert.Equal(t, "0", got.WeightDecay.String())

	// The input is not modified.
	assert.Equal(t, 9, base.Seed)
}
