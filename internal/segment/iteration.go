package segment

/*
 * Iteration variants.
 *
 * An iteration scopes a condition to one occurrence of the event:
 *   - current:  the occurrence being viewed
 *   - previous: the occurrence immediately before it
 *   - specific: an occurrence by instance ID
 *   - year:     the occurrence held in a calendar year
 *   - name:     an occurrence by display name
 *
 * SanitizeIteration maps arbitrary input onto exactly one of these shapes,
 * drops unknown keys, and falls back to current when the type is unknown or
 * the variant's required field is missing (a specific iteration without an
 * instance ID cannot be resolved, so it is not kept half-built).
 */

// IterationType discriminates iteration variants on the wire.
type IterationType string

const (
	IterationCurrent  IterationType = "current"
	IterationPrevious IterationType = "previous"
	IterationSpecific IterationType = "specific"
	IterationYear     IterationType = "year"
	IterationName     IterationType = "name"
)

// Iteration is the temporal scope of a condition.
type Iteration interface {
	Kind() IterationType
	isIteration()
}

type CurrentIteration struct{}

type PreviousIteration struct{}

type SpecificIteration struct {
	InstanceID string
}

type YearIteration struct {
	Year int
}

type NamedIteration struct {
	Name string
}

func (CurrentIteration) Kind() IterationType  { return IterationCurrent }
func (PreviousIteration) Kind() IterationType { return IterationPrevious }
func (SpecificIteration) Kind() IterationType { return IterationSpecific }
func (YearIteration) Kind() IterationType     { return IterationYear }
func (NamedIteration) Kind() IterationType    { return IterationName }

func (CurrentIteration) isIteration()  {}
func (PreviousIteration) isIteration() {}
func (SpecificIteration) isIteration() {}
func (YearIteration) isIteration()     {}
func (NamedIteration) isIteration()    {}

// SanitizeIteration coerces input (a typed Iteration or decoded JSON) into
// one of the five canonical iteration shapes.
func SanitizeIteration(input any) Iteration {
	switch v := input.(type) {
	case Iteration:
		return normalizeIteration(v)
	case map[string]any:
		return iterationFromMap(v)
	default:
		return CurrentIteration{}
	}
}

func iterationFromMap(m map[string]any) Iteration {
	kind, _ := m["type"].(string)
	switch IterationType(kind) {
	case IterationPrevious:
		return PreviousIteration{}
	case IterationSpecific:
		id, _ := coerceString(m["instanceId"])
		return normalizeIteration(SpecificIteration{InstanceID: id})
	case IterationYear:
		year, _ := coerceInt(m["year"])
		return normalizeIteration(YearIteration{Year: year})
	case IterationName:
		name, _ := coerceString(m["name"])
		return normalizeIteration(NamedIteration{Name: name})
	default:
		return CurrentIteration{}
	}
}

func normalizeIteration(it Iteration) Iteration {
	switch v := it.(type) {
	case PreviousIteration:
		return v
	case SpecificIteration:
		if v.InstanceID == "" {
			return CurrentIteration{}
		}
		return v
	case YearIteration:
		if v.Year <= 0 {
			return CurrentIteration{}
		}
		return v
	case NamedIteration:
		if v.Name == "" {
			return CurrentIteration{}
		}
		return v
	default:
		return CurrentIteration{}
	}
}
