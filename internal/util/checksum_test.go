package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeChecksum(t *testing.T) {
	data := []byte(`{"k":"op"}`)
	assert.Equal(t, ComputeChecksum(data), ComputeChecksum(data))
	assert.NotEqual(t, ComputeChecksum(data), ComputeChecksum([]byte(`{"k":"mark"}`)))
	assert.True(t, ValidateChecksum(data, ComputeChecksum(data)))
}

func TestFrameLine(t *testing.T) {
	data := []byte(`{"k":"op","e":{"seq":1}}`)

	t.Run("round trip", func(t *testing.T) {
		framed := FrameLine(data)
		assert.Equal(t, byte('\n'), framed[len(framed)-1])

		got, valid := UnframeLine(framed)
		assert.True(t, valid)
		assert.Equal(t, data, got)
	})

	t.Run("corrupted payload", func(t *testing.T) {
		framed := FrameLine(data)
		framed[12] ^= 0x01

		_, valid := UnframeLine(framed)
		assert.False(t, valid)
	})

	t.Run("malformed frames", func(t *testing.T) {
		for _, line := range []string{"", "short", "zzzzzzzz {}", "0000000{}"} {
			_, valid := UnframeLine([]byte(line))
			assert.False(t, valid, "line %q", line)
		}
	})
}
