package chttp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFactoryOptions(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  map[string]string
	}{
		{
			name:  "quoted comma survives",
			input: `a=1, b = 2, c='3\,5'`,
			want:  map[string]string{"a": "1", "b": "2", "c": "'3,5'"},
		},
		{
			name:  "empty input",
			input: "",
			want:  map[string]string{},
		},
		{
			name:  "quotes protect separators",
			input: `x='1,2=3'`,
			want:  map[string]string{"x": "'1,2=3'"},
		},
		{
			name:  "escaped equals in key",
			input: `a\=b=c`,
			want:  map[string]string{"a=b": "c"},
		},
		{
			name:  "empty key dropped and trailing comma",
			input: ` =1, k=v, `,
			want:  map[string]string{"k": "v"},
		},
		{
			name:  "empty value",
			input: "k=",
			want:  map[string]string{"k": ""},
		},
		{
			name:  "later duplicate wins",
			input: "k=1,k=2",
			want:  map[string]string{"k": "2"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFactoryOptions(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseFactoryOptions_Invalid(t *testing.T) {
	_, err := ParseFactoryOptions("a=1,b")
	assert.Error(t, err)

	_, err = ParseFactoryOptions("a='1")
	assert.Error(t, err)
}

func TestParseKeyValuePairs_KeepsOrder(t *testing.T) {
	pairs, err := parseKeyValuePairs("z=1,a=2,m=3")
	require.NoError(t, err)
	assert.Equal(t, []KeyValue{{"z", "1"}, {"a", "2"}, {"m", "3"}}, pairs)
}
