package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindFromString(t *testing.T) {
	tests := []struct {
		in     string
		want   Kind
		wantOK bool
	}{
		{"image", KindImage, true},
		{" Sticker ", KindImage, true},
		{"VIDEO", KindVideo, true},
		{"document", KindDocument, true},
		{"audio", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := KindFromString(tt.in)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
