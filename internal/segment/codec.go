package segment

import (
	"encoding/json"
)

/*
 * JSON codec.
 *
 * Encoding writes only the keys defined for each variant, with the "type"
 * discriminator first. Optional sub-objects are omitted rather than written as
 * {} so that "absent" and "empty" are never confused on the wire.
 *
 * Decoding never fails: bytes are decoded into generic JSON values and handed
 * to SanitizeRoot/SanitizeNode, so invalid JSON yields the neutral filter.
 */

type wireGroup struct {
	Type       NodeType `json:"type"`
	Op         GroupOp  `json:"op"`
	Not        bool     `json:"not,omitempty"`
	Conditions []Node   `json:"conditions"`
}

type wireParticipant struct {
	TierID     string `json:"tierId,omitempty"`
	TierName   string `json:"tierName,omitempty"`
	PeriodID   string `json:"periodId,omitempty"`
	PeriodName string `json:"periodName,omitempty"`
}

type wireVolunteer struct {
	MinShifts int `json:"minShifts,omitempty"`
}

type wireInvolvement struct {
	Type        NodeType         `json:"type"`
	Role        Role             `json:"role"`
	Iteration   Iteration        `json:"iteration"`
	Exists      bool             `json:"exists"`
	Participant *wireParticipant `json:"participant,omitempty"`
	Volunteer   *wireVolunteer   `json:"volunteer,omitempty"`
}

type wireTransition struct {
	Type NodeType        `json:"type"`
	From InvolvementNode `json:"from"`
	To   InvolvementNode `json:"to"`
}

type wireUpsell struct {
	Type           NodeType  `json:"type"`
	Iteration      Iteration `json:"iteration"`
	Exists         bool      `json:"exists"`
	UpsellItemID   string    `json:"upsellItemId,omitempty"`
	UpsellItemName string    `json:"upsellItemName,omitempty"`
}

type wireEmail struct {
	Type       NodeType  `json:"type"`
	Direction  Direction `json:"direction"`
	WithinDays int       `json:"withinDays"`
	Exists     bool      `json:"exists"`
}

// MarshalJSON implements json.Marshaler.
func (g GroupNode) MarshalJSON() ([]byte, error) {
	conds := g.Conditions
	if conds == nil {
		conds = []Node{}
	}
	return json.Marshal(wireGroup{Type: TypeGroup, Op: g.Op, Not: g.Not, Conditions: conds})
}

// MarshalJSON implements json.Marshaler.
func (n InvolvementNode) MarshalJSON() ([]byte, error) {
	w := wireInvolvement{
		Type:      TypeInvolvement,
		Role:      n.Role,
		Iteration: iterationOrCurrent(n.Iteration),
		Exists:    n.Exists,
	}
	if n.Participant != nil {
		w.Participant = &wireParticipant{
			TierID:     n.Participant.TierID,
			TierName:   n.Participant.TierName,
			PeriodID:   n.Participant.PeriodID,
			PeriodName: n.Participant.PeriodName,
		}
	}
	if n.Volunteer != nil {
		w.Volunteer = &wireVolunteer{MinShifts: n.Volunteer.MinShifts}
	}
	return json.Marshal(w)
}

// MarshalJSON implements json.Marshaler.
func (t TransitionNode) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireTransition{Type: TypeTransition, From: t.From, To: t.To})
}

// MarshalJSON implements json.Marshaler.
func (u UpsellNode) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireUpsell{
		Type:           TypeUpsell,
		Iteration:      iterationOrCurrent(u.Iteration),
		Exists:         u.Exists,
		UpsellItemID:   u.UpsellItemID,
		UpsellItemName: u.UpsellItemName,
	})
}

// MarshalJSON implements json.Marshaler.
func (e EmailNode) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEmail{Type: TypeEmail, Direction: e.Direction, WithinDays: e.WithinDays, Exists: e.Exists})
}

// MarshalJSON implements json.Marshaler.
func (CurrentIteration) MarshalJSON() ([]byte, error) {
	return []byte(`{"type":"current"}`), nil
}

// MarshalJSON implements json.Marshaler.
func (PreviousIteration) MarshalJSON() ([]byte, error) {
	return []byte(`{"type":"previous"}`), nil
}

// MarshalJSON implements json.Marshaler.
func (s SpecificIteration) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type       IterationType `json:"type"`
		InstanceID string        `json:"instanceId"`
	}{IterationSpecific, s.InstanceID})
}

// MarshalJSON implements json.Marshaler.
func (y YearIteration) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type IterationType `json:"type"`
		Year int           `json:"year"`
	}{IterationYear, y.Year})
}

// MarshalJSON implements json.Marshaler.
func (n NamedIteration) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type IterationType `json:"type"`
		Name string        `json:"name"`
	}{IterationName, n.Name})
}

// MarshalJSON implements json.Marshaler. A nil filter encodes as the empty group.
func (r Root) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Filter Node `json:"filter"`
	}{r.Node()})
}

// UnmarshalJSON implements json.Unmarshaler. The decoded document is always
// sanitized; legacy bare nodes and arrays are accepted.
func (r *Root) UnmarshalJSON(data []byte) error {
	*r = ParseRoot(data)
	return nil
}

// ParseRoot decodes and sanitizes a root document. Invalid JSON yields the
// neutral filter.
func ParseRoot(data []byte) Root {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Root{Filter: EmptyGroup()}
	}
	return SanitizeRoot(raw)
}

// ParseNode decodes and sanitizes a single node.
func ParseNode(data []byte) Node {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return EmptyGroup()
	}
	return SanitizeNode(raw)
}

func iterationOrCurrent(it Iteration) Iteration {
	if it == nil {
		return CurrentIteration{}
	}
	return it
}
