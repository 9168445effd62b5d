package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDecimal(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"0.52", "0.52"},
		{" 125.50 ", "125.5"},
		{"1e3", "1000"},
		{"1.5e-4", "0.00015"},
		{strings.Repeat("9", 24), strings.Repeat("9", 24)},
		{"0." + strings.Repeat("0", 23) + "1", "0." + strings.Repeat("0", 23) + "1"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			d, err := ParseDecimal(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.String())
		})
	}
}

func TestParseDecimal_Rejects(t *testing.T) {
	for _, in := range []string{
		"",
		"abc",
		"1e20000000",
		"1e-20000000",
		"0e-20000000",
		"1e24",
		strings.Repeat("9", 25),
		"0." + strings.Repeat("0", 24) + "1",
	} {
		t.Run(in, func(t *testing.T) {
			_, err := ParseDecimal(in)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestMidAndPercent(t *testing.T) {
	assert.Equal(t, "1.235", Mid(MustDecimal("1.23"), MustDecimal("1.24")).String())
	assert.Equal(t, "25", Percent(MustDecimal("1"), MustDecimal("4")).String())
	assert.True(t, Percent(MustDecimal("1"), Zero).IsZero())
	assert.Equal(t, "3.5", SumSizes(MustDecimal("1.25"), MustDecimal("2.25")).String())
}
