package equipment

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OChRA-lab/ochra-sub000/protocol"
)

type fakeDriver struct{}

func (fakeDriver) Commands() Commands {
	return Commands{
		"double": func(_ context.Context, a Args) (any, error) {
			n, err := a.Int("n")
			if err != nil {
				return nil, err
			}
			return n * 2, nil
		},
		"boom": func(context.Context, Args) (any, error) {
			panic("coil burnt")
		},
		"plain": func(context.Context, Args) (any, error) {
			return nil, errors.New("jammed")
		},
	}
}

func TestInvoke(t *testing.T) {
	ctx := context.Background()

	got, err := Invoke(ctx, fakeDriver{}, "double", Args{"n": float64(21)})
	require.NoError(t, err)
	assert.Equal(t, 42, got)

	_, err = Invoke(ctx, fakeDriver{}, "missing", nil)
	assert.ErrorIs(t, err, protocol.ErrMethod)
	assert.Contains(t, err.Error(), "missing")

	_, err = Invoke(ctx, fakeDriver{}, "double", Args{})
	assert.ErrorIs(t, err, protocol.ErrMethod)

	_, err = Invoke(ctx, fakeDriver{}, "double", Args{"n": 1.5})
	assert.ErrorIs(t, err, protocol.ErrMethod)

	_, err = Invoke(ctx, fakeDriver{}, "boom", nil)
	assert.ErrorIs(t, err, protocol.ErrMethod)
	assert.ErrorIs(t, err, ErrFault)
	assert.Contains(t, err.Error(), "coil burnt")

	_, err = Invoke(ctx, fakeDriver{}, "plain", nil)
	assert.ErrorIs(t, err, protocol.ErrMethod)
	assert.Contains(t, err.Error(), "jammed")
}

func TestArgs(t *testing.T) {
	a := Args{"s": "x", "b": true, "f": 2.5, "n": float64(3)}

	s, err := a.String("s")
	require.NoError(t, err)
	assert.Equal(t, "x", s)

	_, err = a.String("f")
	assert.ErrorIs(t, err, protocol.ErrMethod)

	b, err := a.Bool("b")
	require.NoError(t, err)
	assert.True(t, b)

	n, err := a.IntOr("absent", 7)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	var dst struct {
		F float64 `json:"f"`
		N int     `json:"n"`
	}
	require.NoError(t, a.Decode(&dst))
	assert.Equal(t, 2.5, dst.F)
	assert.Equal(t, 3, dst.N)
}

func TestAcceptsRejectsUnknownArguments(t *testing.T) {
	ctx := context.Background()
	ran := false
	cmd := Accepts(func(context.Context, Args) (any, error) {
		ran = true
		return nil, nil
	}, "n", "label")

	_, err := cmd(ctx, Args{"n": float64(1), "label": "x"})
	require.NoError(t, err)
	assert.True(t, ran)

	ran = false
	_, err = cmd(ctx, Args{"n": float64(1), "lable": "x", "extra": true})
	assert.ErrorIs(t, err, protocol.ErrMethod)
	assert.Contains(t, err.Error(), `unexpected argument "extra", "lable"`)
	assert.False(t, ran, "refused before the command runs")

	assert.NoError(t, Args(nil).Only())
	assert.ErrorIs(t, Args{"x": 1}.Only(), protocol.ErrMethod)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register("fake", func(map[string]any) (Driver, error) { return fakeDriver{}, nil })

	d, err := r.New("fake", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"boom", "double", "plain"}, d.Commands().Names())

	_, err = r.New("nope", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown driver "nope", registered: fake`)
	assert.Equal(t, []string{"fake"}, r.Drivers())
}
