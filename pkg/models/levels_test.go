package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseConfidenceLevel(t *testing.T) {
	tests := []struct {
		in   string
		want ConfidenceLevel
	}{
		{"low", ConfidenceLow},
		{" HIGH ", ConfidenceHigh},
		{"Medium", ConfidenceMedium},
		{"", ConfidenceMedium},
		{"certain", ConfidenceMedium},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseConfidenceLevel(tt.in))
		})
	}
}

func TestParseTrustLevel(t *testing.T) {
	assert.Equal(t, TrustHigh, ParseTrustLevel("high"))
	assert.Equal(t, TrustLow, ParseTrustLevel("Low"))
	assert.Equal(t, TrustMedium, ParseTrustLevel("unknown"))
}
