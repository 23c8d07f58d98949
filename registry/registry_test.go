package registry

import (
	"testing"

	"github.com/opd-ai/ghostlink/bitstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type widget struct{ kind string }

func newTestRegistry(t *testing.T) *Registry[*widget] {
	t.Helper()
	r := New[*widget]("test")
	r.MustRegister("a", 0, func() *widget { return &widget{kind: "a"} })
	r.MustRegister("b", 0, func() *widget { return &widget{kind: "b"} })
	r.MustRegister("c", 1, func() *widget { return &widget{kind: "c"} })
	return r
}

func TestRegisterAssignsSequentialIDs(t *testing.T) {
	r := newTestRegistry(t)
	assert.Equal(t, uint32(3), r.Count())

	id, ok := r.ID("c")
	require.True(t, ok)
	assert.Equal(t, uint32(2), id)
	assert.Equal(t, "b", r.Name(1))
	assert.Equal(t, "", r.Name(7))

	w, err := r.Create(1)
	require.NoError(t, err)
	assert.Equal(t, "b", w.kind)

	w, err = r.CreateByName("a")
	require.NoError(t, err)
	assert.Equal(t, "a", w.kind)
}

func TestRegisterErrors(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Register("a", 2, func() *widget { return nil })
	assert.ErrorIs(t, err, ErrDuplicateClass)

	_, err = r.Register("d", 0, func() *widget { return nil })
	assert.ErrorIs(t, err, ErrVersionOrder)

	_, err = r.Create(3)
	assert.ErrorIs(t, err, ErrUnknownClass)
	_, err = r.CreateByName("zzz")
	assert.ErrorIs(t, err, ErrUnknownClass)

	assert.Panics(t, func() { r.MustRegister("a", 5, nil) })
}

func TestVersionBorders(t *testing.T) {
	r := newTestRegistry(t)
	assert.False(t, r.IsVersionBorderCount(0))
	assert.False(t, r.IsVersionBorderCount(1))
	assert.True(t, r.IsVersionBorderCount(2))
	assert.True(t, r.IsVersionBorderCount(3))
	assert.False(t, r.IsVersionBorderCount(4))
}

func TestCRCDependsOnOrder(t *testing.T) {
	a := newTestRegistry(t)
	b := newTestRegistry(t)
	assert.Equal(t, a.CRC(), b.CRC())

	c := New[*widget]("test")
	c.MustRegister("b", 0, nil)
	c.MustRegister("a", 0, nil)
	c.MustRegister("c", 1, nil)
	assert.NotEqual(t, a.CRC(), c.CRC())
}

func TestClassIDBits(t *testing.T) {
	tests := []struct {
		count uint32
		want  int
	}{
		{0, 0}, {1, 0}, {2, 1}, {3, 2}, {4, 2}, {5, 3}, {256, 8}, {257, 9},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassIDBits(tt.count), "count %d", tt.count)
	}
}

func TestClassIDStream(t *testing.T) {
	bs := bitstream.New(0)
	WriteClassID(bs, 4, 5)
	WriteClassID(bs, 7, 8)
	assert.Equal(t, 6, bs.BitPosition())

	r := bitstream.NewReader(bs.Bytes())
	id, err := ReadClassID(r, 5)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), id)

	// 7 fits in three bits but is out of range for five classes
	_, err = ReadClassID(r, 5)
	assert.ErrorIs(t, err, ErrUnknownClass)
}
