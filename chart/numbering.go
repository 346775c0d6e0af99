package chart

// NumberingScheme selects how tooth numbers are validated. The clinic
// configures one scheme; mixing schemes within a chart is not supported.
type NumberingScheme string

const (
	// SchemeUniversal numbers adult teeth 1..32.
	SchemeUniversal NumberingScheme = "universal"
	// SchemeFDI uses two digits: quadrant 1..4, position 1..8 (11..48).
	SchemeFDI NumberingScheme = "fdi"
)

// ValidTooth reports whether n names a tooth under the scheme.
func ValidTooth(scheme NumberingScheme, n int) bool {
	switch scheme {
	case SchemeFDI:
		quadrant, position := n/10, n%10
		return quadrant >= 1 && quadrant <= 4 && position >= 1 && position <= 8
	default:
		return n >= 1 && n <= 32
	}
}
