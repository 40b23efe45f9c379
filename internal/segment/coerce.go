package segment

import (
	"math"
	"strconv"
	"strings"
)

/*
 * Type switching and scalar coercion.
 *
 * CoerceNodeType backs the editor's type picker. Switching to the node's own
 * type keeps its fields; switching to any other type discards every field and
 * yields the target's canonical empty shape. Partial carryover (for example
 * keeping "exists" when going from upsell to email) would produce hybrids that
 * are valid for neither type, so it is never attempted.
 *
 * Scalar coercion mirrors JSON decoding: numbers arrive as float64, but
 * hand-edited documents sometimes carry numeric strings. Strings are trimmed
 * before parsing; whitespace-only strings are not numbers.
 */

// CoerceNodeType returns a shallow copy of node when it already has type
// target, and target's canonical empty instance otherwise.
func CoerceNodeType(node Node, target NodeType) Node {
	if node != nil && node.Type() == target {
		switch v := node.(type) {
		case GroupNode:
			return v
		case *GroupNode:
			if v != nil {
				return *v
			}
		case InvolvementNode:
			return v
		case *InvolvementNode:
			if v != nil {
				return *v
			}
		case TransitionNode:
			return v
		case *TransitionNode:
			if v != nil {
				return *v
			}
		case UpsellNode:
			return v
		case *UpsellNode:
			if v != nil {
				return *v
			}
		case EmailNode:
			return v
		case *EmailNode:
			if v != nil {
				return *v
			}
		}
	}
	return EmptyNode(target)
}

// coerceString accepts strings as-is and renders integral numbers as decimal
// text (IDs are sometimes numeric in hand-written documents).
func coerceString(value any) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, true
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1e15 {
			return strconv.FormatInt(int64(v), 10), true
		}
		return "", false
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	default:
		return "", false
	}
}

// coerceInt converts numbers and numeric strings to int, truncating
// fractions. Booleans are rejected.
func coerceInt(value any) (int, bool) {
	switch v := value.(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) || v > math.MaxInt32 || v < math.MinInt32 {
			return 0, false
		}
		return int(v), true
	case int:
		return v, true
	case int64:
		if v > math.MaxInt32 || v < math.MinInt32 {
			return 0, false
		}
		return int(v), true
	case string:
		v = strings.TrimSpace(v)
		if v == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		return coerceInt(f)
	default:
		return 0, false
	}
}
