package backtrace

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateFramePointersSucceedsOnThisBuild(t *testing.T) {
	err := ValidateFramePointers()
	assert.NoError(t, err, "Go on amd64/arm64 keeps frame pointers by default")
}

func TestValidateRejectsShortChain(t *testing.T) {
	shallow := make([]uintptr, 2)
	assert.Error(t, checkChain(shallow))
}
