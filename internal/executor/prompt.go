package executor

import (
	"fmt"
	"strings"
)

// RenderPrompt translates a WorkOrder into the textual prompt handed to the
// vendor agent. The format is fixed; both variants receive the same text.
func RenderPrompt(o WorkOrder) string {
	var b strings.Builder

	fmt.Fprintf(&b, "## Objective\n\n%s\n", strings.TrimSpace(o.Objective))

	if bg := strings.TrimSpace(o.Background); bg != "" {
		fmt.Fprintf(&b, "\n## Background\n\n%s\n", bg)
	}

	if len(o.AcceptanceCriteria) > 0 {
		b.WriteString("\n## Acceptance Criteria\n\n")
		for _, c := range o.AcceptanceCriteria {
			fmt.Fprintf(&b, "- %s\n", strings.TrimSpace(c))
		}
	}

	if len(o.Constraints.AllowedPaths) > 0 || len(o.Constraints.ForbiddenPaths) > 0 || o.Constraints.DependencyPolicy != "" {
		b.WriteString("\n## Constraints\n\n")
		if len(o.Constraints.AllowedPaths) > 0 {
			fmt.Fprintf(&b, "- Only modify files under: %s\n", strings.Join(o.Constraints.AllowedPaths, ", "))
		}
		if len(o.Constraints.ForbiddenPaths) > 0 {
			fmt.Fprintf(&b, "- Never touch: %s\n", strings.Join(o.Constraints.ForbiddenPaths, ", "))
		}
		switch o.Constraints.DependencyPolicy {
		case DepsDeny:
			b.WriteString("- Do not add any new dependencies.\n")
		case DepsExistingOnly:
			b.WriteString("- Use only dependencies already present in the project.\n")
		}
	}

	if len(o.Verification.Commands) > 0 {
		b.WriteString("\n## Verification\n\nRun these commands before finishing:\n")
		for _, vc := range o.Verification.Commands {
			if vc.MustPass {
				fmt.Fprintf(&b, "- `%s` (must pass)\n", vc.Cmd)
			} else {
				fmt.Fprintf(&b, "- `%s`\n", vc.Cmd)
			}
		}
	}

	b.WriteString("\n## Instructions\n\n")
	b.WriteString("Work only inside the repository you were started in. ")
	b.WriteString("When the objective is met and verification passes, summarize what you changed and stop.\n")

	return b.String()
}
