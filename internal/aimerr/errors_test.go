package aimerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessage(t *testing.T) {
	err := New(BadConfiguration, "memory must exceed %dMB", 250)
	assert.Equal(t, "BadConfiguration: memory must exceed 250MB", err.Error())
	assert.Equal(t, 400, err.Kind.HTTPStatus())
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(SupervisorTransient, cause, "unmonitor failed")
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestKindOfDefaultsToInternal(t *testing.T) {
	assert.Equal(t, Internal, KindOf(errors.New("plain")))
	assert.Equal(t, NotFound, KindOf(New(NotFound, "missing")))
}

func TestWithContextChains(t *testing.T) {
	err := New(BadConfiguration, "bad").WithContext("version_key", "proj_default_v1")
	assert.Equal(t, "proj_default_v1", err.Context["version_key"])
}
