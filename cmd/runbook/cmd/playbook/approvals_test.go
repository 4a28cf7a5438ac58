// SPDX-License-Identifier: Apache-2.0

package playbook

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseDecision(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		approved bool
		reason   string
	}{
		{"yes short", "y", true, ""},
		{"yes word", "yes", true, ""},
		{"approve word", "approve", true, ""},
		{"uppercase", "YES", true, ""},
		{"no short", "n", false, ""},
		{"no with reason", "no wrong host", false, "wrong host"},
		{"reject with reason", "reject not during peak", false, "not during peak"},
		{"empty line", "", false, ""},
		{"whitespace only", "   ", false, ""},
		{"garbage becomes reason", "maybe later", false, "maybe later"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			approved, reason := parseDecision(tt.line)
			assert.Equal(t, tt.approved, approved)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestApprovalPrompterDecide(t *testing.T) {
	var out bytes.Buffer
	p := newApprovalPrompter(strings.NewReader("y\nno bad idea\n"), &out)

	approved, reason := p.decide("first? ")
	assert.True(t, approved)
	assert.Empty(t, reason)

	approved, reason = p.decide("second? ")
	assert.False(t, approved)
	assert.Equal(t, "bad idea", reason)

	assert.Contains(t, out.String(), "first? ")
	assert.Contains(t, out.String(), "second? ")
}

func TestApprovalPrompterClosedInput(t *testing.T) {
	var out bytes.Buffer
	p := newApprovalPrompter(strings.NewReader(""), &out)

	approved, reason := p.decide("gone? ")
	assert.False(t, approved)
	assert.Equal(t, "input closed", reason)
}

func TestParseVars(t *testing.T) {
	vars, err := parseVars([]string{"service=payments", "region=eu-west-1"})
	assert.NoError(t, err)
	assert.Equal(t, map[string]any{"service": "payments", "region": "eu-west-1"}, vars)

	_, err = parseVars([]string{"no-equals"})
	assert.Error(t, err)

	vars, err = parseVars(nil)
	assert.NoError(t, err)
	assert.Nil(t, vars)
}
