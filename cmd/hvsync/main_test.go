package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExitCodeDistinguishesRuntimeFailures(t *testing.T) {
	assert.Equal(t, 1, exitCode(errors.New("bad flag")))
	assert.Equal(t, 2, exitCode(fatalRuntime(errors.New("cycle failed"))))
	assert.Equal(t, 2, exitCode(fmt.Errorf("sync: %w", fatalRuntime(errors.New("cycle failed")))))
}

func TestFatalRuntimePassesNilThrough(t *testing.T) {
	assert.NoError(t, fatalRuntime(nil))
}
