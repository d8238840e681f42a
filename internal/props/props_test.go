package props

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSetter struct {
	applied []Prop
	failOn  string
}

func (r *recordingSetter) SetStr(name, value string) error {
	if name == r.failOn {
		return errors.New("boom")
	}
	r.applied = append(r.applied, Prop{Name: name, Value: value})
	return nil
}

func TestParse(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []Prop
	}{
		{
			name:  "empty",
			input: "",
			want:  nil,
		},
		{
			name:  "whitespace only",
			input: "   \t ",
			want:  nil,
		},
		{
			name:  "single pair",
			input: "path=/dev/nvme0n1",
			want:  []Prop{{Name: "path", Value: "/dev/nvme0n1"}},
		},
		{
			name:  "multiple pairs",
			input: "capacity=64M read-only=true",
			want: []Prop{
				{Name: "capacity", Value: "64M"},
				{Name: "read-only", Value: "true"},
			},
		},
		{
			name:  "value containing equals splits on first",
			input: "path=/dev/disk/by-id/x=y",
			want:  []Prop{{Name: "path", Value: "/dev/disk/by-id/x=y"}},
		},
		{
			name:  "empty value allowed",
			input: "path=",
			want:  []Prop{{Name: "path", Value: ""}},
		},
		{
			name:  "extra separators collapsed",
			input: "  a=1   b=2\tc=3 ",
			want: []Prop{
				{Name: "a", Value: "1"},
				{Name: "b", Value: "2"},
				{Name: "c", Value: "3"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseErrors(t *testing.T) {
	for _, input := range []string{"noequals", "a=1 noequals b=2", "=value"} {
		_, err := Parse(input)
		assert.Error(t, err, "input %q", input)
	}
}

func TestApplyOrderAndFirstFailure(t *testing.T) {
	s := &recordingSetter{failOn: "c"}
	err := ParseAndApply(s, "a=1 b=2 c=3 d=4")
	require.Error(t, err)

	// Everything before the failing property was applied, nothing after.
	assert.Equal(t, []Prop{{Name: "a", Value: "1"}, {Name: "b", Value: "2"}}, s.applied)
}

func TestApplyAll(t *testing.T) {
	s := &recordingSetter{}
	require.NoError(t, ParseAndApply(s, "x=1 y=2"))
	assert.Len(t, s.applied, 2)
}
