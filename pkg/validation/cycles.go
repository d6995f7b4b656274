package validation

import (
	"sort"
	"strings"

	"github.com/schemaforge/server/pkg/model/mentity"
	"github.com/schemaforge/server/pkg/model/mvalidation"
	"github.com/schemaforge/server/pkg/overlay"
)

const (
	colorWhite = iota
	colorGray
	colorBlack
)

// cycleFindings walks the effective parent graph and reports each distinct
// cycle exactly once, carrying the full closed path. Only categories can
// participate: parent references always name categories.
func cycleFindings(entities []overlay.Effective) []mvalidation.Finding {
	graph := make(map[string][]string)
	for _, eff := range entities {
		if eff.Ref.Type != mentity.EntityTypeCategory || eff.Deleted() || eff.Doc == nil {
			continue
		}
		graph[eff.Ref.Key] = eff.Doc.StringsAt(mentity.FieldParents)
	}

	keys := make([]string, 0, len(graph))
	for key := range graph {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	color := make(map[string]int, len(graph))
	var stack []string
	seen := make(map[string]bool)
	var findings []mvalidation.Finding

	var visit func(node string)
	visit = func(node string) {
		color[node] = colorGray
		stack = append(stack, node)

		for _, parent := range graph[node] {
			if _, known := graph[parent]; !known {
				// Deleted or missing parents are the reference step's
				// business; they cannot close a cycle.
				continue
			}
			switch color[parent] {
			case colorWhite:
				visit(parent)
			case colorGray:
				cycle := extractCycle(stack, parent)
				signature, rotated := canonicalCycle(cycle)
				if !seen[signature] {
					seen[signature] = true
					findings = append(findings, cycleFinding(rotated))
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[node] = colorBlack
	}

	for _, key := range keys {
		if color[key] == colorWhite {
			visit(key)
		}
	}
	return findings
}

func extractCycle(stack []string, from string) []string {
	for i, node := range stack {
		if node == from {
			return append([]string(nil), stack[i:]...)
		}
	}
	return []string{from}
}

// canonicalCycle rotates the cycle so its smallest key leads, making the
// signature independent of where the walk entered it.
func canonicalCycle(cycle []string) (string, []string) {
	smallest := 0
	for i, node := range cycle {
		if node < cycle[smallest] {
			smallest = i
		}
	}
	rotated := make([]string, 0, len(cycle))
	rotated = append(rotated, cycle[smallest:]...)
	rotated = append(rotated, cycle[:smallest]...)
	return strings.Join(rotated, "->"), rotated
}

func cycleFinding(rotated []string) mvalidation.Finding {
	closed := append(append([]string(nil), rotated...), rotated[0])
	return mvalidation.Finding{
		EntityType: mentity.EntityTypeCategory,
		EntityKey:  rotated[0],
		FieldPath:  "/" + mentity.FieldParents,
		Code:       mvalidation.CodeInheritanceCycle,
		Message:    "inheritance cycle: " + strings.Join(closed, " -> "),
		Severity:   mvalidation.SeverityError,
		NewValue:   closed,
	}
}
