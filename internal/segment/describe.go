package segment

import (
	"fmt"
	"strings"
)

// Describe renders a short, human-readable summary of a filter, e.g.
// "participant in 2024 (period Last Minute)". It is used as a title fallback
// and in CLI output.
func Describe(root Root) string {
	if root.IsEmpty() {
		return "everyone"
	}
	return describeNode(root.Node())
}

func describeNode(n Node) string {
	switch node := n.(type) {
	case GroupNode:
		parts := make([]string, 0, len(node.Conditions))
		for _, c := range node.Conditions {
			parts = append(parts, describeNode(c))
		}
		var s string
		switch len(parts) {
		case 0:
			s = "everyone"
		case 1:
			s = parts[0]
		default:
			s = "(" + strings.Join(parts, " "+string(node.Op)+" ") + ")"
		}
		if node.Not {
			return "not " + s
		}
		return s
	case InvolvementNode:
		return describeInvolvement(node)
	case TransitionNode:
		return fmt.Sprintf("%s then %s", describeInvolvement(node.From), describeInvolvement(node.To))
	case UpsellNode:
		item := "an upsell"
		if node.UpsellItemName != "" {
			item = node.UpsellItemName
		} else if node.UpsellItemID != "" {
			item = "upsell " + node.UpsellItemID
		}
		return negate(node.Exists, fmt.Sprintf("bought %s %s", item, describeIteration(node.Iteration)))
	case EmailNode:
		return negate(node.Exists, fmt.Sprintf("%s email in last %d days", node.Direction, node.WithinDays))
	default:
		return "everyone"
	}
}

func describeInvolvement(n InvolvementNode) string {
	s := fmt.Sprintf("%s %s", n.Role, describeIteration(n.Iteration))
	if p := n.Participant; p != nil {
		var details []string
		if name := firstNonEmpty(p.TierName, p.TierID); name != "" {
			details = append(details, "tier "+name)
		}
		if name := firstNonEmpty(p.PeriodName, p.PeriodID); name != "" {
			details = append(details, "period "+name)
		}
		if len(details) > 0 {
			s += " (" + strings.Join(details, ", ") + ")"
		}
	}
	if v := n.Volunteer; v != nil {
		s += fmt.Sprintf(" (%d+ shifts)", v.MinShifts)
	}
	return negate(n.Exists, s)
}

func describeIteration(it Iteration) string {
	switch i := it.(type) {
	case PreviousIteration:
		return "in previous iteration"
	case SpecificIteration:
		return "in iteration " + i.InstanceID
	case YearIteration:
		return fmt.Sprintf("in %d", i.Year)
	case NamedIteration:
		return "in " + i.Name
	default:
		return "in current iteration"
	}
}

func negate(exists bool, s string) string {
	if exists {
		return s
	}
	return "not " + s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
