package segment

import (
	"encoding/json"
)

/*
 * Normalization of untrusted filter input.
 *
 * Input arrives in two forms: decoded JSON (map[string]any, []any, float64,
 * string, bool, nil) from the wire or persisted documents, and typed nodes
 * built in Go. Both paths funnel through normalize so that defaults live in
 * exactly one place.
 *
 * Rules:
 *   - unknown or missing "type" at any position becomes the empty group
 *   - group.op defaults to and; group.conditions is never nil
 *   - involvement.role defaults to participant; only the sub-object matching
 *     the role is kept, and an all-empty sub-object is dropped
 *   - email.direction defaults to outbound; withinDays defaults to 21
 *   - exists is true unless explicitly false
 *   - transition endpoints are always involvements with exists=true
 *
 * Root handling: {filter: node} is canonical. A bare node or an array of
 * nodes is legacy input and is wrapped (an array becomes an AND group).
 */

// SanitizeRoot coerces any input into a well-formed root document.
func SanitizeRoot(input any) Root {
	switch v := input.(type) {
	case Root:
		return Root{Filter: normalize(v.Filter)}
	case *Root:
		if v == nil {
			return Root{Filter: EmptyGroup()}
		}
		return Root{Filter: normalize(v.Filter)}
	case Node:
		return Root{Filter: normalize(v)}
	case json.RawMessage:
		return ParseRoot(v)
	case []byte:
		return ParseRoot(v)
	case []any:
		return Root{Filter: groupFromSlice(v)}
	case map[string]any:
		if filter, ok := v["filter"]; ok {
			return Root{Filter: SanitizeNode(filter)}
		}
		return Root{Filter: SanitizeNode(v)}
	default:
		return Root{Filter: EmptyGroup()}
	}
}

// SanitizeNode coerces any input into a canonical node.
func SanitizeNode(input any) Node {
	switch v := input.(type) {
	case Node:
		return normalize(v)
	case map[string]any:
		return nodeFromMap(v)
	case json.RawMessage:
		return ParseNode(v)
	case []byte:
		return ParseNode(v)
	default:
		return EmptyGroup()
	}
}

// ForceInvolvementExistsTrue returns node as an involvement with Exists set.
// Any other node type is replaced by the canonical empty involvement.
func ForceInvolvementExistsTrue(node Node) InvolvementNode {
	inv, ok := normalize(node).(InvolvementNode)
	if !ok {
		inv = EmptyInvolvement()
	}
	inv.Exists = true
	return inv
}

func nodeFromMap(m map[string]any) Node {
	kind, _ := m["type"].(string)
	switch NodeType(kind) {
	case TypeGroup:
		g := GroupNode{Not: m["not"] == true}
		if op, _ := m["op"].(string); op != "" {
			g.Op = GroupOp(op)
		}
		if conds, ok := m["conditions"].([]any); ok {
			g.Conditions = make([]Node, 0, len(conds))
			for _, c := range conds {
				g.Conditions = append(g.Conditions, SanitizeNode(c))
			}
		}
		return normalize(g)
	case TypeInvolvement:
		return normalize(involvementFromMap(m))
	case TypeTransition:
		return normalize(TransitionNode{
			From: ForceInvolvementExistsTrue(SanitizeNode(m["from"])),
			To:   ForceInvolvementExistsTrue(SanitizeNode(m["to"])),
		})
	case TypeUpsell:
		u := UpsellNode{
			Iteration: SanitizeIteration(m["iteration"]),
			Exists:    existsFlag(m),
		}
		u.UpsellItemID, _ = coerceString(m["upsellItemId"])
		u.UpsellItemName, _ = coerceString(m["upsellItemName"])
		return normalize(u)
	case TypeEmail:
		e := EmailNode{Exists: existsFlag(m)}
		if dir, _ := m["direction"].(string); dir != "" {
			e.Direction = Direction(dir)
		}
		e.WithinDays, _ = coerceInt(m["withinDays"])
		return normalize(e)
	default:
		return EmptyGroup()
	}
}

func involvementFromMap(m map[string]any) InvolvementNode {
	inv := InvolvementNode{
		Iteration: SanitizeIteration(m["iteration"]),
		Exists:    existsFlag(m),
	}
	if role, _ := m["role"].(string); role != "" {
		inv.Role = Role(role)
	}
	if p, ok := m["participant"].(map[string]any); ok {
		match := ParticipantMatch{}
		match.TierID, _ = coerceString(p["tierId"])
		match.TierName, _ = coerceString(p["tierName"])
		match.PeriodID, _ = coerceString(p["periodId"])
		match.PeriodName, _ = coerceString(p["periodName"])
		inv.Participant = &match
	}
	if v, ok := m["volunteer"].(map[string]any); ok {
		shifts, _ := coerceInt(v["minShifts"])
		inv.Volunteer = &VolunteerMatch{MinShifts: shifts}
	}
	return inv
}

func groupFromSlice(items []any) GroupNode {
	g := GroupNode{Op: OpAnd, Conditions: make([]Node, 0, len(items))}
	for _, item := range items {
		g.Conditions = append(g.Conditions, SanitizeNode(item))
	}
	return g
}

// normalize applies every canonicalization rule to a typed node.
func normalize(node Node) Node {
	switch v := node.(type) {
	case GroupNode:
		return normalizeGroup(v)
	case *GroupNode:
		if v == nil {
			return EmptyGroup()
		}
		return normalizeGroup(*v)
	case InvolvementNode:
		return normalizeInvolvement(v)
	case *InvolvementNode:
		if v == nil {
			return EmptyGroup()
		}
		return normalizeInvolvement(*v)
	case TransitionNode:
		return normalizeTransition(v)
	case *TransitionNode:
		if v == nil {
			return EmptyGroup()
		}
		return normalizeTransition(*v)
	case UpsellNode:
		return normalizeUpsell(v)
	case *UpsellNode:
		if v == nil {
			return EmptyGroup()
		}
		return normalizeUpsell(*v)
	case EmailNode:
		return normalizeEmail(v)
	case *EmailNode:
		if v == nil {
			return EmptyGroup()
		}
		return normalizeEmail(*v)
	default:
		return EmptyGroup()
	}
}

func normalizeGroup(g GroupNode) GroupNode {
	out := GroupNode{Op: g.Op, Not: g.Not, Conditions: make([]Node, 0, len(g.Conditions))}
	if out.Op != OpOr {
		out.Op = OpAnd
	}
	for _, c := range g.Conditions {
		out.Conditions = append(out.Conditions, normalize(c))
	}
	return out
}

func normalizeInvolvement(inv InvolvementNode) InvolvementNode {
	out := InvolvementNode{
		Role:      inv.Role,
		Iteration: SanitizeIteration(inv.Iteration),
		Exists:    inv.Exists,
	}
	if out.Role != RoleVolunteer {
		out.Role = RoleParticipant
	}
	switch out.Role {
	case RoleParticipant:
		if inv.Participant != nil && !inv.Participant.IsZero() {
			p := *inv.Participant
			out.Participant = &p
		}
	case RoleVolunteer:
		if inv.Volunteer != nil && inv.Volunteer.MinShifts > 0 {
			out.Volunteer = &VolunteerMatch{MinShifts: inv.Volunteer.MinShifts}
		}
	}
	return out
}

func normalizeTransition(t TransitionNode) TransitionNode {
	from := normalizeInvolvement(t.From)
	to := normalizeInvolvement(t.To)
	from.Exists = true
	to.Exists = true
	return TransitionNode{From: from, To: to}
}

func normalizeUpsell(u UpsellNode) UpsellNode {
	return UpsellNode{
		Iteration:      SanitizeIteration(u.Iteration),
		Exists:         u.Exists,
		UpsellItemID:   u.UpsellItemID,
		UpsellItemName: u.UpsellItemName,
	}
}

func normalizeEmail(e EmailNode) EmailNode {
	out := EmailNode{Direction: e.Direction, WithinDays: e.WithinDays, Exists: e.Exists}
	switch out.Direction {
	case DirectionOutbound, DirectionInbound, DirectionEither:
	default:
		out.Direction = DirectionOutbound
	}
	if out.WithinDays <= 0 {
		out.WithinDays = DefaultWithinDays
	}
	return out
}

// existsFlag is true unless the input carries an explicit false.
func existsFlag(m map[string]any) bool {
	return m["exists"] != false
}
