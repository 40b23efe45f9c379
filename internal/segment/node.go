// Package segment defines the filter AST used to describe a CRM audience.
//
// The tree is built from a closed set of node variants (group, involvement,
// transition, upsell, email) and iteration variants (current, previous,
// specific, year, name). Every exported operation that accepts untrusted input
// is total: malformed input degrades to the neutral filter (an empty AND group)
// instead of returning an error. Resource limits are enforced separately by
// Validate, which is the only fallible entry point.
package segment

/*
 * Node variants.
 *
 * Node is a sealed interface: only types in this package implement it, so a
 * type switch over Node in this package is exhaustive. Adding a variant means
 * touching normalize, EmptyNode, the JSON codec and Validate, and the compiler
 * points at each of them through the unexported isNode marker.
 *
 * Canonical empty shapes (EmptyNode):
 *   - group:       {op: and, conditions: []}
 *   - involvement: {role: participant, iteration: current, exists: true}
 *   - transition:  {from: <empty involvement>, to: <empty involvement>}
 *   - upsell:      {iteration: current, exists: true}
 *   - email:       {direction: outbound, withinDays: 21, exists: true}
 */

// NodeType discriminates node variants on the wire ("type" key).
type NodeType string

const (
	TypeGroup       NodeType = "group"
	TypeInvolvement NodeType = "involvement"
	TypeTransition  NodeType = "transition"
	TypeUpsell      NodeType = "upsell"
	TypeEmail       NodeType = "email"
)

// NodeTypes lists every node variant in display order.
var NodeTypes = []NodeType{TypeGroup, TypeInvolvement, TypeTransition, TypeUpsell, TypeEmail}

// GroupOp is the boolean combinator of a group.
type GroupOp string

const (
	OpAnd GroupOp = "and"
	OpOr  GroupOp = "or"
)

// Role is the kind of involvement a person had in an iteration.
type Role string

const (
	RoleParticipant Role = "participant"
	RoleVolunteer   Role = "volunteer"
)

// Direction restricts email activity by who sent the message.
type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
	DirectionEither   Direction = "either"
)

// DefaultWithinDays is the email lookback window used when none is given.
const DefaultWithinDays = 21

// Node is a single filter condition or combinator.
type Node interface {
	Type() NodeType
	isNode()
}

// GroupNode combines child conditions with AND/OR, optionally negated.
type GroupNode struct {
	Op         GroupOp
	Not        bool
	Conditions []Node // never nil after normalization
}

// ParticipantMatch narrows a participant involvement to a tier and/or period.
type ParticipantMatch struct {
	TierID     string
	TierName   string
	PeriodID   string
	PeriodName string
}

// IsZero reports whether no field is set.
func (p ParticipantMatch) IsZero() bool {
	return p.TierID == "" && p.TierName == "" && p.PeriodID == "" && p.PeriodName == ""
}

// VolunteerMatch narrows a volunteer involvement to a minimum shift count.
type VolunteerMatch struct {
	MinShifts int // > 0 when present
}

// InvolvementNode matches people who were (or were not) a participant or
// volunteer in an iteration. At most one of Participant/Volunteer is set and
// it always matches Role.
type InvolvementNode struct {
	Role        Role
	Iteration   Iteration
	Exists      bool
	Participant *ParticipantMatch
	Volunteer   *VolunteerMatch
}

// TransitionNode matches people satisfying both endpoints. Endpoints always
// have Exists=true after normalization.
type TransitionNode struct {
	From InvolvementNode
	To   InvolvementNode
}

// UpsellNode matches people who did (or did not) buy an upsell item.
type UpsellNode struct {
	Iteration      Iteration
	Exists         bool
	UpsellItemID   string
	UpsellItemName string
}

// EmailNode matches email activity within a lookback window.
type EmailNode struct {
	Direction  Direction
	WithinDays int
	Exists     bool
}

func (GroupNode) Type() NodeType       { return TypeGroup }
func (InvolvementNode) Type() NodeType { return TypeInvolvement }
func (TransitionNode) Type() NodeType  { return TypeTransition }
func (UpsellNode) Type() NodeType      { return TypeUpsell }
func (EmailNode) Type() NodeType       { return TypeEmail }

func (GroupNode) isNode()       {}
func (InvolvementNode) isNode() {}
func (TransitionNode) isNode()  {}
func (UpsellNode) isNode()      {}
func (EmailNode) isNode()       {}

// Root is the document wrapper stored and transmitted for every filter.
type Root struct {
	Filter Node
}

// Node returns the root filter, substituting the empty group for a nil filter.
func (r Root) Node() Node {
	if r.Filter == nil {
		return EmptyGroup()
	}
	return r.Filter
}

// IsEmpty reports whether the root is the neutral filter (a non-negated group
// with no conditions).
func (r Root) IsEmpty() bool {
	g, ok := r.Node().(GroupNode)
	return ok && !g.Not && len(g.Conditions) == 0
}

// EmptyGroup returns the neutral filter.
func EmptyGroup() GroupNode {
	return GroupNode{Op: OpAnd, Conditions: []Node{}}
}

// EmptyInvolvement returns the canonical empty involvement.
func EmptyInvolvement() InvolvementNode {
	return InvolvementNode{Role: RoleParticipant, Iteration: CurrentIteration{}, Exists: true}
}

// EmptyNode returns the canonical empty instance of t. Unknown types yield
// the empty group.
func EmptyNode(t NodeType) Node {
	switch t {
	case TypeInvolvement:
		return EmptyInvolvement()
	case TypeTransition:
		return TransitionNode{From: EmptyInvolvement(), To: EmptyInvolvement()}
	case TypeUpsell:
		return UpsellNode{Iteration: CurrentIteration{}, Exists: true}
	case TypeEmail:
		return EmailNode{Direction: DirectionOutbound, WithinDays: DefaultWithinDays, Exists: true}
	default:
		return EmptyGroup()
	}
}

// IsNodeType reports whether t names a known variant.
func IsNodeType(t NodeType) bool {
	for _, known := range NodeTypes {
		if t == known {
			return true
		}
	}
	return false
}
