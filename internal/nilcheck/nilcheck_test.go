package nilcheck

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type sample struct{}

type iface interface{ m() }

type impl struct{}

func (*impl) m() {}

func TestInterface(t *testing.T) {
	var typedNilPtr *sample

	var typedNilIface iface = (*impl)(nil)

	var nilMap map[string]int

	var nilSlice []int

	var nilChan chan int

	var nilFunc func()

	tests := []struct {
		name  string
		value any
		want  bool
	}{
		{name: "untyped nil", value: nil, want: true},
		{name: "typed nil pointer", value: typedNilPtr, want: true},
		{name: "typed nil behind interface", value: typedNilIface, want: true},
		{name: "nil map", value: nilMap, want: true},
		{name: "nil slice", value: nilSlice, want: true},
		{name: "nil chan", value: nilChan, want: true},
		{name: "nil func", value: nilFunc, want: true},
		{name: "live pointer", value: &sample{}, want: false},
		{name: "live interface impl", value: &impl{}, want: false},
		{name: "empty map", value: map[string]int{}, want: false},
		{name: "empty slice", value: []int{}, want: false},
		{name: "string", value: "text", want: false},
		{name: "zero int", value: 0, want: false},
		{name: "struct value", value: sample{}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Interface(tt.value))
		})
	}
}
