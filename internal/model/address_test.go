package model_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mbaer/linebox/internal/model"
)

func TestNormalizeAddress(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Alice@Example.COM", "alice@example.com"},
		{"  bob@example.com  ", "bob@example.com"},
		{"first.last@gmail.com", "firstlast@gmail.com"},
		{"first.last+tag@gmail.com", "firstlast@gmail.com"},
		{"first.last@googlemail.com", "firstlast@gmail.com"},
		{"user+news@example.com", "user@example.com"},
		{"keep.dots@example.com", "keep.dots@example.com"},
		{"not-an-address", "not-an-address"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, model.NormalizeAddress(tc.in), "input %q", tc.in)
	}
}
