package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShape(t *testing.T) {
	assert.Equal(t, "120x598x1092", Shape(120, 598, 1092))
	assert.Equal(t, "7", Shape(7))
	assert.Equal(t, "", Shape())
}

func TestErrorsCarryPathAndShapes(t *testing.T) {
	err := error(&FormatError{Path: "cube.bip", Expected: "240 bytes", Detected: "238 bytes"})
	assert.Contains(t, err.Error(), "cube.bip")
	assert.Contains(t, err.Error(), "240 bytes")
	assert.Contains(t, err.Error(), "238 bytes")

	wrapped := fmt.Errorf("building dataset: %w", err)
	var fe *FormatError
	assert.True(t, errors.As(wrapped, &fe))
	assert.Equal(t, "cube.bip", fe.Path)

	me := &ModelLoadError{Path: "model.ckpt", Expected: 110, Detected: 100}
	assert.Contains(t, me.Error(), "110")
	assert.Contains(t, me.Error(), "100")
}
