// SPDX-License-Identifier: Apache-2.0

package playbook

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// approvalPrompter collects human decisions for approval gates, step
// approvals, and manual tasks from an input stream. Prompts run on the
// event loop, so no two prompts interleave.
type approvalPrompter struct {
	in  *bufio.Scanner
	out io.Writer
}

func newApprovalPrompter(in io.Reader, out io.Writer) *approvalPrompter {
	return &approvalPrompter{in: bufio.NewScanner(in), out: out}
}

// decide prints the prompt and reads one line. A closed input stream
// counts as a rejection.
func (p *approvalPrompter) decide(prompt string) (bool, string) {
	fmt.Fprint(p.out, prompt)
	if !p.in.Scan() {
		return false, "input closed"
	}
	return parseDecision(p.in.Text())
}

// parseDecision interprets an operator's answer: y/yes/approve approves,
// n/no/reject rejects with the rest of the line as the reason, and
// anything else rejects with the whole line as the reason.
func parseDecision(line string) (bool, string) {
	line = strings.TrimSpace(line)
	word, rest, _ := strings.Cut(line, " ")
	switch strings.ToLower(word) {
	case "y", "yes", "approve":
		return true, ""
	case "n", "no", "reject":
		return false, strings.TrimSpace(rest)
	case "":
		return false, ""
	default:
		return false, line
	}
}
