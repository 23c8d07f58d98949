package limits

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPacketBitCeilings(t *testing.T) {
	assert.Equal(t, 576*8-128, PreferredPacketBits())
	assert.Equal(t, 1500*8-128, AbsolutePacketBits())
	assert.Less(t, PreferredPacketBits(), AbsolutePacketBits())
}

func TestValidateDatagram(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		wantErr error
	}{
		{"empty", 0, ErrPacketEmpty},
		{"one byte", 1, nil},
		{"at limit", MaxPacketDataSize, nil},
		{"over limit", MaxPacketDataSize + 1, ErrPacketTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDatagram(make([]byte, tt.size))
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestValidatePacketSizeCustomLimit(t *testing.T) {
	assert.NoError(t, ValidatePacketSize([]byte{1, 2, 3}, 3))
	err := ValidatePacketSize([]byte{1, 2, 3, 4}, 3)
	assert.ErrorIs(t, err, ErrPacketTooLarge)
	assert.Contains(t, err.Error(), "size 4 exceeds limit 3")
}
