package materialize

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/brainops/engbrain/oracle"
)

// Rendering is pure: the same analysis and clock always produce the same
// markdown. The section headings written here ("Tech Stack",
// "Architecture", "Update Log") are the anchors the change processor
// targets on later syncs, so renaming one is a breaking change.

func renderMainPage(repoKey string, a oracle.RepoAnalysis, now time.Time) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# %s\n\n", a.Overview.ProjectName)
	if a.Overview.Tagline != "" {
		fmt.Fprintf(&b, "> %s\n\n", a.Overview.Tagline)
	}
	if a.Overview.Description != "" {
		fmt.Fprintf(&b, "%s\n\n", a.Overview.Description)
	}
	if a.Overview.ProblemStatement != "" {
		fmt.Fprintf(&b, "**Problem it solves:** %s\n\n", a.Overview.ProblemStatement)
	}

	b.WriteString("## Tech Stack\n\n")
	var wrote bool
	for _, group := range []struct {
		label string
		items []string
	}{
		{"Frontend", a.TechnicalStack.Frontend},
		{"Backend", a.TechnicalStack.Backend},
		{"Database", a.TechnicalStack.Database},
		{"Infrastructure", a.TechnicalStack.Infrastructure},
		{"Tooling", a.TechnicalStack.Tooling},
	} {
		if len(group.items) == 0 {
			continue
		}
		fmt.Fprintf(&b, "- **%s:** %s\n", group.label, strings.Join(group.items, ", "))
		wrote = true
	}
	if !wrote {
		b.WriteString("- Not yet identified\n")
	}
	b.WriteString("\n")

	b.WriteString("## Architecture\n\n")
	fmt.Fprintf(&b, "**Pattern:** %s (confidence %s)\n\n", a.Architecture.Pattern, percent(a.Architecture.Confidence))
	if a.Architecture.Description != "" {
		fmt.Fprintf(&b, "%s\n\n", a.Architecture.Description)
	}

	b.WriteString("## Documentation Map\n\n")
	b.WriteString("- **Release Notes** - what shipped and when\n")
	b.WriteString("- **Architecture Decision Records** - why the system is shaped the way it is\n")
	b.WriteString("- **Engineering Tasks** - follow-up work surfaced by analysis\n")
	b.WriteString("- **Documentation History** - every sync event that touched this brain\n\n")

	b.WriteString("## Update Log\n\n")
	fmt.Fprintf(&b, "- %s: Engineering Brain created for %s (analysis confidence %s)\n",
		now.Format("2006-01-02"), repoKey, percent(a.Confidence))

	return b.String()
}

func renderTechnicalSpec(a oracle.RepoAnalysis) string {
	var b strings.Builder

	b.WriteString("# Technical Specification\n\n")

	if len(a.Scope.InScope)+len(a.Scope.OutOfScope)+len(a.Scope.FutureConsiderations) > 0 {
		b.WriteString("## Scope\n\n")
		writeList(&b, "In scope", a.Scope.InScope)
		writeList(&b, "Out of scope", a.Scope.OutOfScope)
		writeList(&b, "Future considerations", a.Scope.FutureConsiderations)
	}

	b.WriteString("## Architecture\n\n")
	fmt.Fprintf(&b, "**Pattern:** %s\n\n", a.Architecture.Pattern)
	if a.Architecture.Description != "" {
		fmt.Fprintf(&b, "%s\n\n", a.Architecture.Description)
	}
	if a.Architecture.DataFlow != "" {
		fmt.Fprintf(&b, "**Data flow:** %s\n\n", a.Architecture.DataFlow)
	}
	if len(a.Architecture.Layers) > 0 {
		b.WriteString("**Layers:**\n\n")
		for _, l := range a.Architecture.Layers {
			fmt.Fprintf(&b, "- **%s** - %s", l.Name, l.Purpose)
			if len(l.Technologies) > 0 {
				fmt.Fprintf(&b, " (%s)", strings.Join(l.Technologies, ", "))
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	if len(a.Architecture.Frameworks) > 0 {
		fmt.Fprintf(&b, "**Frameworks:** %s\n\n", strings.Join(a.Architecture.Frameworks, ", "))
	}

	if len(a.CoreModules) > 0 {
		b.WriteString("## Core Modules\n\n")
		for _, m := range a.CoreModules {
			fmt.Fprintf(&b, "### %s\n\n", m.Name)
			if m.Purpose != "" {
				fmt.Fprintf(&b, "%s\n\n", m.Purpose)
			}
			if m.Location != "" {
				fmt.Fprintf(&b, "- Location: `%s`\n", m.Location)
			}
			if len(m.Responsibilities) > 0 {
				fmt.Fprintf(&b, "- Responsibilities: %s\n", strings.Join(m.Responsibilities, "; "))
			}
			if len(m.Dependencies) > 0 {
				fmt.Fprintf(&b, "- Depends on: %s\n", strings.Join(m.Dependencies, ", "))
			}
			if len(m.KeyFiles) > 0 {
				fmt.Fprintf(&b, "- Key files: %s\n", backticked(m.KeyFiles))
			}
			fmt.Fprintf(&b, "- Confidence: %s\n\n", percent(m.Confidence))
		}
	}

	if len(a.PublicAPIs) > 0 {
		b.WriteString("## Public APIs\n\n")
		writeAPIEntries(&b, a.PublicAPIs)
	}
	if len(a.InternalInterfaces) > 0 {
		b.WriteString("## Internal Interfaces\n\n")
		writeAPIEntries(&b, a.InternalInterfaces)
	}

	if len(a.KeyConcepts) > 0 {
		b.WriteString("## Key Concepts\n\n")
		for _, c := range a.KeyConcepts {
			fmt.Fprintf(&b, "- **%s** - %s\n", c.Term, c.Definition)
		}
		b.WriteString("\n")
	}

	if len(a.OpenQuestions) > 0 {
		b.WriteString("## Open Questions\n\n")
		for _, q := range a.OpenQuestions {
			fmt.Fprintf(&b, "- %s\n", q)
		}
		b.WriteString("\n")
	}

	return strings.TrimRight(b.String(), "\n") + "\n"
}

func writeList(b *strings.Builder, label string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "**%s:**\n\n", label)
	for _, it := range items {
		fmt.Fprintf(b, "- %s\n", it)
	}
	b.WriteString("\n")
}

func writeAPIEntries(b *strings.Builder, entries []oracle.APIEntry) {
	for _, e := range entries {
		if e.Description != "" {
			fmt.Fprintf(b, "- **%s** - %s\n", e.Name, e.Description)
		} else {
			fmt.Fprintf(b, "- **%s**\n", e.Name)
		}
	}
	b.WriteString("\n")
}

func backticked(items []string) string {
	var quoted = make([]string, len(items))
	for i, it := range items {
		quoted[i] = "`" + it + "`"
	}
	return strings.Join(quoted, ", ")
}

func percent(v float64) string {
	return fmt.Sprintf("%d%%", int(math.Round(v*100)))
}
