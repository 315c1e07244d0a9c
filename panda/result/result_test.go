package result

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFields(t *testing.T) {
	testCases := []struct {
		desc        string
		code        Code
		level       Level
		summary     Summary
		module      Module
		description uint16
	}{
		{"timeout", Timeout, LevelInfo, SummaryStatusChanged, ModuleOS, 1022},
		{"invalid handle", InvalidHandle, LevelPermanent, SummaryInvalidArgument, ModuleKernel, 1015},
		{"out of memory", OutOfMemory, LevelPermanent, SummaryOutOfResource, ModuleKernel, 1011},
		{"invalid address state", InvalidAddressState, LevelUsage, SummaryInvalidState, ModuleOS, 1013},
		{"not implemented", NotImplemented, LevelPermanent, SummaryWrongArgument, ModuleOS, 47},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			assert.Equal(t, tc.level, tc.code.Level())
			assert.Equal(t, tc.summary, tc.code.Summary())
			assert.Equal(t, tc.module, tc.code.Module())
			assert.Equal(t, tc.description, tc.code.Description())
			assert.Equal(t, tc.code, New(tc.level, tc.summary, tc.module, tc.description))
		})
	}
}

func TestSuccessAndError(t *testing.T) {
	assert.True(t, Success.IsSuccess())
	assert.True(t, Timeout.IsSuccess(), "timeouts are a status, not a failure")
	assert.True(t, InvalidHandle.IsError())
	assert.True(t, SessionClosed.IsError())
}

func TestErrorWrapping(t *testing.T) {
	err := fmt.Errorf("closing handle: %w", InvalidHandle)

	var code Code
	assert.True(t, errors.As(err, &code))
	assert.Equal(t, InvalidHandle, code)
	assert.True(t, errors.Is(err, InvalidHandle))
	assert.Equal(t, "InvalidHandle (0xD8E007F7)", InvalidHandle.String())
	assert.Equal(t, "0x12345678", Code(0x12345678).String())
}
