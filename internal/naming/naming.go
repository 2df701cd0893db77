package naming

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// #region interfaces

// Namer maps a textual model identifier to its canonical form and the number
// of qubits the model acts on. Two names with the same canonical form and
// qubit count describe the same model.
type Namer interface {
	Canonicalize(name string) (canonical string, qubits int, err error)
}

// Composer splits a model name into its additive terms and joins terms back
// into a model name. Used by the champion reduction pass.
type Composer interface {
	Terms(name string) []string
	Join(terms []string) (string, error)
}

// Convention is a naming scheme that can both canonicalise and decompose.
type Convention interface {
	Namer
	Composer
}

// ErrMalformedName is returned for empty names or names with empty segments.
var ErrMalformedName = errors.New("malformed model name")

// #endregion interfaces

// #region pauli

// Pauli implements the operator naming convention where `P` runs denote sums,
// `T` runs denote tensor products, `M` runs denote matrix products and `+`
// joins independently-dimensioned terms (e.g. pauliSet_1J2_xJx_d3).
type Pauli struct{}

// Canonicalize returns the alphabetised name and its qubit count.
func (Pauli) Canonicalize(name string) (string, int, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", 0, ErrMalformedName
	}
	canon, err := alph(name)
	if err != nil {
		return "", 0, fmt.Errorf("canonicalize %q: %w", name, err)
	}
	q, err := numQubits(canon)
	if err != nil {
		return "", 0, fmt.Errorf("canonicalize %q: %w", name, err)
	}
	return canon, q, nil
}

// Terms splits name into its summed constituents.
func (Pauli) Terms(name string) []string {
	return terms(name)
}

// Join builds a model name summing the given terms. Dimension-tagged terms are
// joined with `+`, plain Pauli strings with a `P` run matching the qubit count.
func (p Pauli) Join(ts []string) (string, error) {
	if len(ts) == 0 {
		return "", fmt.Errorf("join: %w", ErrMalformedName)
	}
	sep := "+"
	if _, tagged := dimensionTag(ts[0]); !tagged {
		q, err := numQubits(ts[0])
		if err != nil {
			return "", err
		}
		sep = strings.Repeat("P", q)
	}
	canon, _, err := p.Canonicalize(strings.Join(ts, sep))
	return canon, err
}

// #endregion pauli

// #region alphabetise

func alph(name string) (string, error) {
	if strings.Contains(name, "+") {
		parts := strings.Split(name, "+")
		for i, part := range parts {
			if part == "" {
				return "", ErrMalformedName
			}
			a, err := alph(part)
			if err != nil {
				return "", err
			}
			parts[i] = a
		}
		sort.Strings(parts)
		return strings.Join(parts, "+"), nil
	}

	t := longestRun(name, 'T')
	p := longestRun(name, 'P')
	m := longestRun(name, 'M')
	if t == 0 && p == 0 && m == 0 {
		return name, nil
	}

	// sums are commutative; tensor and matrix products are not
	var sep string
	commutative := false
	switch {
	case p > t && p >= m:
		sep, commutative = strings.Repeat("P", p), true
	case t >= m:
		sep = strings.Repeat("T", t)
	default:
		sep = strings.Repeat("M", m)
	}

	parts := strings.Split(name, sep)
	for i, part := range parts {
		if part == "" {
			return "", ErrMalformedName
		}
		a, err := alph(part)
		if err != nil {
			return "", err
		}
		parts[i] = a
	}
	if commutative {
		sort.Strings(parts)
	}
	return strings.Join(parts, sep), nil
}

// longestRun returns the length of the longest consecutive run of letter.
func longestRun(s string, letter byte) int {
	best, cur := 0, 0
	for i := 0; i < len(s); i++ {
		if s[i] == letter {
			cur++
			if cur > best {
				best = cur
			}
			continue
		}
		cur = 0
	}
	return best
}

// #endregion alphabetise

// #region structure

func terms(name string) []string {
	if strings.Contains(name, "+") {
		return strings.Split(name, "+")
	}
	t := longestRun(name, 'T')
	p := longestRun(name, 'P')
	if t >= p {
		return []string{name}
	}
	return strings.Split(name, strings.Repeat("P", p))
}

func numQubits(name string) (int, error) {
	for _, term := range terms(name) {
		if d, ok := dimensionTag(term); ok {
			if d <= 0 {
				return 0, fmt.Errorf("dimension tag in %q: %w", term, ErrMalformedName)
			}
			return d, nil
		}
	}
	return longestRun(name, 'T') + 1, nil
}

// dimensionTag parses a trailing `_d<N>` component.
func dimensionTag(term string) (int, bool) {
	idx := strings.LastIndex(term, "_")
	if idx < 0 || idx == len(term)-1 {
		return 0, false
	}
	last := term[idx+1:]
	if len(last) < 2 || last[0] != 'd' {
		return 0, false
	}
	d, err := strconv.Atoi(last[1:])
	if err != nil {
		return 0, false
	}
	return d, true
}

// #endregion structure
