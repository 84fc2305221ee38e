package terminal

import (
	"fmt"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name string
		in   string
		kind Kind
		cols uint
		rows uint
	}{
		{"keystroke", "l", KindInput, 0, 0},
		{"line", "ls -la\n", KindInput, 0, 0},
		{"lone brace", "{", KindInput, 0, 0},
		{"json number", "42", KindInput, 0, 0},
		{"json string", `"hello"`, KindInput, 0, 0},
		{"json null", "null", KindInput, 0, 0},
		{"json array", `[1,2]`, KindInput, 0, 0},
		{"resize", `{"type":"resize","cols":80,"rows":24}`, KindResize, 80, 24},
		{"resize with spaces", ` { "type" : "resize", "rows": 50, "cols": 200 } `, KindResize, 200, 50},
		{"negative cols", `{"type":"resize","cols":-1,"rows":24}`, KindMalformedResize, 0, 0},
		{"zero rows", `{"type":"resize","cols":80,"rows":0}`, KindMalformedResize, 0, 0},
		{"string cols", `{"type":"resize","cols":"x","rows":24}`, KindMalformedResize, 0, 0},
		{"fractional cols", `{"type":"resize","cols":80.5,"rows":24}`, KindMalformedResize, 0, 0},
		{"missing rows", `{"type":"resize","cols":80}`, KindMalformedResize, 0, 0},
		{"huge cols", `{"type":"resize","cols":70000,"rows":24}`, KindMalformedResize, 0, 0},
		{"other type", `{"type":"ping"}`, KindUnrecognized, 0, 0},
		{"no type", `{"cols":80,"rows":24}`, KindUnrecognized, 0, 0},
		{"numeric type", `{"type":1}`, KindUnrecognized, 0, 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg := ParseMessage(tc.in)
			assert.Equal(t, tc.kind, msg.Kind)
			assert.Equal(t, tc.in, msg.Text)
			assert.Equal(t, tc.cols, msg.Cols)
			assert.Equal(t, tc.rows, msg.Rows)
			if tc.kind == KindMalformedResize {
				assert.Error(t, msg.Err)
			}
		})
	}
}

func TestMessageForwarded(t *testing.T) {
	assert.True(t, Message{Kind: KindInput}.Forwarded())
	assert.True(t, Message{Kind: KindUnrecognized}.Forwarded())
	assert.False(t, Message{Kind: KindResize}.Forwarded())
	assert.False(t, Message{Kind: KindMalformedResize}.Forwarded())
}

func TestParseMessageProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("text that is not a JSON object is input", prop.ForAll(
		func(s string) bool {
			if strings.HasPrefix(strings.TrimSpace(s), "{") {
				return true
			}
			msg := ParseMessage(s)
			return msg.Kind == KindInput && msg.Text == s
		},
		gen.AnyString(),
	))

	properties.Property("valid dimensions always resize", prop.ForAll(
		func(cols, rows uint16) bool {
			if cols == 0 || rows == 0 {
				return true
			}
			msg := ParseMessage(fmt.Sprintf(`{"type":"resize","cols":%d,"rows":%d}`, cols, rows))
			return msg.Kind == KindResize && msg.Cols == uint(cols) && msg.Rows == uint(rows)
		},
		gen.UInt16(),
		gen.UInt16(),
	))

	properties.TestingRun(t)
}
