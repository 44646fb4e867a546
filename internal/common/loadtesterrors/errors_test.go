package loadtesterrors

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessages(t *testing.T) {
	assert.Equal(t,
		"invalid configuration processes=-2: must be -1 (one per CPU), 0 (no splitting) or positive",
		(&ErrInvalidConfiguration{
			Name:    "processes",
			Value:   -2,
			Message: "must be -1 (one per CPU), 0 (no splitting) or positive",
		}).Error())

	assert.Equal(t,
		"process splitting is not supported on windows",
		(&ErrPlatformUnsupported{Feature: "process splitting", Platform: "windows"}).Error())

	assert.Equal(t,
		"gave up waiting for workers to connect: 1 of 4 ready after 10s",
		(&ErrWorkerTimeout{Expected: 4, Ready: 1, Waited: 10 * time.Second}).Error())
}
