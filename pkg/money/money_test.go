package money

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCents(t *testing.T) {
	tests := []struct {
		raw  string
		want int64
	}{
		{raw: "10", want: 1000},
		{raw: "10.00", want: 1000},
		{raw: "4.5", want: 450},
		{raw: "0.01", want: 1},
		{raw: " 6.00 ", want: 600},
		{raw: "0", want: 0},
		{raw: "-3.25", want: -325},
		{raw: "1.500", want: 150},
	}
	for _, tt := range tests {
		got, err := ParseCents(tt.raw)
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, got, tt.raw)
	}
}

func TestParseCentsRejectsMalformed(t *testing.T) {
	for _, raw := range []string{"", "abc", "1.005", "10.999", "1e20"} {
		_, err := ParseCents(raw)
		var malformed ErrMalformed
		assert.True(t, errors.As(err, &malformed), "expected malformed error for %q", raw)
	}
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "10.00", Format(1000))
	assert.Equal(t, "0.04", Format(4))
	assert.Equal(t, "123.45", Format(12345))
}

func TestAmountJSON(t *testing.T) {
	var payload struct {
		A Amount `json:"a"`
		B Amount `json:"b"`
		C Amount `json:"c"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":4.5,"b":"6.00","c":null}`), &payload))
	assert.Equal(t, Amount{Cents: 450, Set: true}, payload.A)
	assert.Equal(t, Amount{Cents: 600, Set: true}, payload.B)
	assert.False(t, payload.C.Set)

	err := json.Unmarshal([]byte(`{"a":1.234}`), &payload)
	assert.Error(t, err)

	out, err := json.Marshal(FromCents(1000))
	require.NoError(t, err)
	assert.JSONEq(t, `"10.00"`, string(out))
}
