package jobs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCursor_RoundTrip(t *testing.T) {
	original := &Cursor{LastJobID: "job-42", LastTime: 1700000000000000000}

	encoded := EncodeCursor(original)
	require.NotEmpty(t, encoded)

	decoded, err := DecodeCursor(encoded)
	require.NoError(t, err)
	require.Equal(t, original.LastJobID, decoded.LastJobID)
	require.Equal(t, original.LastTime, decoded.LastTime)
}

func TestDecodeCursor_Empty(t *testing.T) {
	c, err := DecodeCursor("")
	require.NoError(t, err)
	require.Nil(t, c)
}

func TestDecodeCursor_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"not base64", "!!!not-base64!!!"},
		{"base64 but not json", "bm90LWpzb24"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeCursor(tt.input)
			require.Error(t, err)
		})
	}
}
