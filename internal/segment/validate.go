package segment

import (
	"errors"
	"fmt"
)

/*
 * Resource limits for filter trees.
 *
 * Sanitization guarantees shape; Validate guarantees size. A tree can be
 * perfectly canonical and still be unreasonable to execute (thousands of OR
 * branches, a lookback of fifty years), so the execution boundary rejects it
 * before any network or database work happens.
 *
 * Validate walks the tree depth-first and reports the first violation with a
 * dotted path ("filter.conditions[2].to") so the editor can highlight it.
 */

// Resource limits enforced by Validate.
const (
	// MaxDepth bounds group nesting (root counts as depth 1).
	MaxDepth = 16

	// MaxConditions bounds the children of a single group.
	MaxConditions = 64

	// MaxNodes bounds the total node count of a tree.
	MaxNodes = 512

	// MaxWithinDays bounds the email lookback window (ten years).
	MaxWithinDays = 3650

	// MinYear and MaxYear bound year iterations.
	MinYear = 1900
	MaxYear = 9999

	// MaxTextLength bounds free-text fields such as tier and item names.
	MaxTextLength = 256
)

// Sentinel errors returned (wrapped in *PathError) by Validate.
var (
	ErrTooDeep            = errors.New("filter exceeds maximum nesting depth")
	ErrTooManyConditions  = errors.New("group has too many conditions")
	ErrTooManyNodes       = errors.New("filter has too many nodes")
	ErrWithinDaysRange    = errors.New("withinDays out of range")
	ErrYearRange          = errors.New("iteration year out of range")
	ErrTextTooLong        = errors.New("text field too long")
	ErrUnsupportedElement = errors.New("unsupported filter element")
)

// PathError locates a validation failure inside a tree.
type PathError struct {
	Path string
	Err  error
}

func (e *PathError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *PathError) Unwrap() error {
	return e.Err
}

// Validate checks a root document against the resource limits. The root is
// expected to be sanitized; unsanitized variants are reported as
// ErrUnsupportedElement rather than normalized here.
func Validate(root Root) error {
	v := &validator{}
	return v.node(root.Node(), "filter", 1)
}

type validator struct {
	nodes int
}

func (v *validator) node(n Node, path string, depth int) error {
	v.nodes++
	if v.nodes > MaxNodes {
		return &PathError{Path: path, Err: ErrTooManyNodes}
	}

	switch node := n.(type) {
	case GroupNode:
		if depth > MaxDepth {
			return &PathError{Path: path, Err: ErrTooDeep}
		}
		if len(node.Conditions) > MaxConditions {
			return &PathError{Path: path + ".conditions", Err: ErrTooManyConditions}
		}
		for i, c := range node.Conditions {
			if err := v.node(c, fmt.Sprintf("%s.conditions[%d]", path, i), depth+1); err != nil {
				return err
			}
		}
		return nil
	case InvolvementNode:
		return v.involvement(node, path)
	case TransitionNode:
		if err := v.involvement(node.From, path+".from"); err != nil {
			return err
		}
		return v.involvement(node.To, path+".to")
	case UpsellNode:
		if err := v.iteration(node.Iteration, path+".iteration"); err != nil {
			return err
		}
		return v.texts(path, node.UpsellItemID, node.UpsellItemName)
	case EmailNode:
		if node.WithinDays < 1 || node.WithinDays > MaxWithinDays {
			return &PathError{Path: path + ".withinDays", Err: ErrWithinDaysRange}
		}
		return nil
	default:
		return &PathError{Path: path, Err: ErrUnsupportedElement}
	}
}

func (v *validator) involvement(n InvolvementNode, path string) error {
	if err := v.iteration(n.Iteration, path+".iteration"); err != nil {
		return err
	}
	if n.Participant != nil {
		p := n.Participant
		return v.texts(path+".participant", p.TierID, p.TierName, p.PeriodID, p.PeriodName)
	}
	return nil
}

func (v *validator) iteration(it Iteration, path string) error {
	switch i := it.(type) {
	case CurrentIteration, PreviousIteration:
		return nil
	case YearIteration:
		if i.Year < MinYear || i.Year > MaxYear {
			return &PathError{Path: path + ".year", Err: ErrYearRange}
		}
		return nil
	case SpecificIteration:
		return v.texts(path, i.InstanceID)
	case NamedIteration:
		return v.texts(path, i.Name)
	default:
		return &PathError{Path: path, Err: ErrUnsupportedElement}
	}
}

func (v *validator) texts(path string, values ...string) error {
	for _, s := range values {
		if len(s) > MaxTextLength {
			return &PathError{Path: path, Err: ErrTextTooLong}
		}
	}
	return nil
}
