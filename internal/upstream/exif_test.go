package upstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFocalMillimeters(t *testing.T) {
	cases := []struct {
		in   string
		want int
		ok   bool
	}{
		{"50mm", 50, true},
		{"50.0 mm", 50, true},
		{"35", 35, true},
		{"", 0, false},
		{"n/a", 0, false},
	}

	for _, c := range cases {
		got, ok := parseFocalMillimeters(c.in)
		assert.Equal(t, c.ok, ok, c.in)

		if c.ok {
			assert.Equal(t, c.want, got, c.in)
		}
	}
}

func TestInjectFocalLengthIfMissingRejectsNonJPEG(t *testing.T) {
	_, err := InjectFocalLengthIfMissing([]byte("not a jpeg"), "50mm")
	require.Error(t, err)
}

func TestInjectFocalLengthIfMissingSkipsUnparseableFocalLength(t *testing.T) {
	jpeg := []byte{0xFF, 0xD8, 0xFF, 0xD9}

	out, err := InjectFocalLengthIfMissing(jpeg, "unknown")
	require.NoError(t, err)
	assert.Equal(t, jpeg, out)
}

func TestInjectFocalLengthIfMissingInsertsAPP1Segment(t *testing.T) {
	jpeg := []byte{0xFF, 0xD8, 0xFF, 0xD9} // SOI + EOI, no other segments

	out, err := InjectFocalLengthIfMissing(jpeg, "50mm")
	require.NoError(t, err)

	assert.Greater(t, len(out), len(jpeg))
	assert.Equal(t, []byte{0xFF, 0xD8}, out[:2])
	assert.Equal(t, byte(0xFF), out[2])
	assert.Equal(t, byte(0xE1), out[3]) // APP1 marker
}
