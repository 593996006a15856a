package irp

// A Match selects requests by opcode.  A wildcard flag makes the
// corresponding opcode irrelevant.
type Match struct {
	Major    Major
	Minor    Minor
	AnyMajor bool
	AnyMinor bool
}

// Any matches every request.
func Any() Match {
	return Match{AnyMajor: true, AnyMinor: true}
}

// ForMajor matches every request of one Major, whatever its Minor.
func ForMajor(major Major) Match {
	return Match{Major: major, AnyMinor: true}
}

// Exact matches a single Major and Minor pair.
func Exact(major Major, minor Minor) Match {
	return Match{Major: major, Minor: minor}
}

// Matches reports whether a request with the given opcodes is selected by m.
func (m Match) Matches(major Major, minor Minor) bool {
	return (m.AnyMajor || m.Major == major) && (m.AnyMinor || m.Minor == minor)
}

// CatchAll reports whether m matches every request.
func (m Match) CatchAll() bool {
	return m.AnyMajor && m.AnyMinor
}

// An Outcome is the result of visiting one element during a Walk.
type Outcome int

const (
	// Continue lets the walk move on to the next element.
	Continue Outcome = iota

	// Completed stops the walk: the request has its final status.
	Completed

	// Pending stops the walk: the request will be completed later.
	Pending
)

// String returns the name of an Outcome.
func (o Outcome) String() string {
	switch o {
	case Continue:
		return "continue"
	case Completed:
		return "completed"
	case Pending:
		return "pending"
	default:
		return "unknown"
	}
}

// Walk visits stack from the top (last element) down to the base (first
// element) and stops at the first visit that does not return Continue.
//
// Walk returns that terminal Outcome together with the index it was
// produced at, or Continue and -1 if the stack was exhausted.
func Walk[E any](stack []E, visit func(E) Outcome) (Outcome, int) {
	for i := len(stack) - 1; i >= 0; i-- {
		if o := visit(stack[i]); o != Continue {
			return o, i
		}
	}

	return Continue, -1
}
