package runtime

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/oldeucryptoboi/karnevil9/pkg/kernel"
	"github.com/oldeucryptoboi/karnevil9/pkg/permission"
	"github.com/oldeucryptoboi/karnevil9/pkg/plan"
)

// DirectPlanner is the built-in fallback planner: it emits a single respond
// step carrying the task text. Hosts supply a real planner through Options;
// this one keeps the CLI usable for smoke runs without one.
type DirectPlanner struct{}

// GeneratePlan implements kernel.Planner.
func (DirectPlanner) GeneratePlan(ctx context.Context, task string, schemas map[string]plan.ToolSchema, snapshot kernel.StateSnapshot) (kernel.PlannerResult, error) {
	p := plan.New(task, []plan.Step{
		{
			Tool:  plan.ToolRef{Name: "respond"},
			Input: map[string]any{"answer": task},
		},
	})
	return kernel.PlannerResult{Plan: p}, nil
}

// StdioPrompt is the terminal approval channel: it prints the request and
// reads a decision line. Answers: y (session), once, always, or anything else
// to deny.
func StdioPrompt(ctx context.Context, req permission.Request) (any, error) {
	scopes := make([]string, 0, len(req.Permissions))
	for _, p := range req.Permissions {
		scopes = append(scopes, p.Scope)
	}
	fmt.Fprintf(os.Stderr, "\napproval needed: tool %q requests %s — allow? [y/once/always/N] ",
		req.ToolName, strings.Join(scopes, ", "))

	type answer struct {
		text string
		err  error
	}
	ch := make(chan answer, 1)
	go func() {
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		ch <- answer{strings.ToLower(strings.TrimSpace(line)), err}
	}()

	select {
	case <-ctx.Done():
		return "deny", nil
	case a := <-ch:
		if a.err != nil {
			return "deny", nil
		}
		switch a.text {
		case "y", "yes", "session":
			return "allow_session", nil
		case "once", "o":
			return "allow_once", nil
		case "always", "a":
			return "allow_always", nil
		default:
			return "deny", nil
		}
	}
}
