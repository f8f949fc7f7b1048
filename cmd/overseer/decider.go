package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"overseer/internal/coordinator"
	"overseer/internal/loopdetect"
	"overseer/internal/state"
)

// promptDecider surfaces escalations on the terminal and reads the
// operator's decision. A closed or non-interactive input leaves the
// escalation pending, which keeps the signature frozen.
type promptDecider struct {
	in  *bufio.Reader
	out io.Writer
}

var _ coordinator.DecisionHandler = (*promptDecider)(nil)

func newPromptDecider(in io.Reader, out io.Writer) *promptDecider {
	return &promptDecider{in: bufio.NewReader(in), out: out}
}

func (p *promptDecider) Decide(ctx context.Context, esc *state.Escalation) (loopdetect.Decision, bool, error) {
	fmt.Fprintf(p.out, "\nEscalation %s: phase %s, task %s\n", esc.ID, esc.Phase, esc.TaskID)
	for _, d := range esc.Detections {
		fmt.Fprintf(p.out, "  - %s\n", d)
	}
	fmt.Fprintf(p.out, "Decision [%s]: ", strings.Join(esc.Options, "/"))

	line, err := p.in.ReadString('\n')
	if err != nil {
		// No operator attached; leave it pending
		fmt.Fprintln(p.out, "(no input, escalation stays pending)")
		return "", false, nil
	}

	switch dec := loopdetect.Decision(strings.TrimSpace(strings.ToLower(line))); dec {
	case loopdetect.DecisionRollback, loopdetect.DecisionContinue, loopdetect.DecisionAbandon:
		return dec, true, nil
	default:
		fmt.Fprintf(p.out, "Unknown decision %q, escalation stays pending\n", strings.TrimSpace(line))
		return "", false, nil
	}
}
