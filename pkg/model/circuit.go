package model

import "fmt"

// Circuit is a (terminal, label) pair — what a service endpoint designates.
type Circuit struct {
	Terminal string
	Label    int
}

func (c Circuit) String() string {
	return fmt.Sprintf("%s@%d", c.Terminal, c.Label)
}

// Canonical is the resolved, comparable identity of a circuit: the
// terminal it belongs to plus the concrete (port, outer tag, inner tag)
// triple it maps to. Two circuits reached through different but
// equivalent descriptor forms (e.g. a "phys.3x2@L" compact split vs. its
// explicit stag/ctag equivalent) canonicalize to the same value, which is
// what lets the fabric manager key bridges by circuit *set* rather than by
// literal descriptor text.
type Canonical struct {
	Terminal string
	Port     int
	OuterTag int
	InnerTag int
}

// CanonicalSet is a set of Canonical circuits, used as a bridge's identity
// key. It is built via NewCanonicalSet so two sets with the same members in
// different orders compare equal as map keys.
type CanonicalSet string

// Canonicalize resolves a circuit against the interface descriptor that
// governs its terminal.
func Canonicalize(c Circuit, iface *Interface) (Canonical, error) {
	td, err := iface.ToTunnelDesc(c.Label)
	if err != nil {
		return Canonical{}, err
	}
	return Canonical{
		Terminal: c.Terminal,
		Port:     td.Port,
		OuterTag: td.OuterTag,
		InnerTag: td.InnerTag,
	}, nil
}

// NewCanonicalSet produces a deterministic, order-independent key for a set
// of canonical circuits.
func NewCanonicalSet(circuits []Canonical) CanonicalSet {
	sorted := make([]Canonical, len(circuits))
	copy(sorted, circuits)
	// Insertion sort: circuit sets are small (handful of endpoints per
	// service), so this avoids pulling in sort for a handful of elements
	// while staying O(n^2) worst case on a tiny n.
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && less(sorted[j], sorted[j-1]); j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}

	key := ""
	for _, c := range sorted {
		key += fmt.Sprintf("%s|%d|%d|%d;", c.Terminal, c.Port, c.OuterTag, c.InnerTag)
	}
	return CanonicalSet(key)
}

func less(a, b Canonical) bool {
	if a.Terminal != b.Terminal {
		return a.Terminal < b.Terminal
	}
	if a.Port != b.Port {
		return a.Port < b.Port
	}
	if a.OuterTag != b.OuterTag {
		return a.OuterTag < b.OuterTag
	}
	return a.InnerTag < b.InnerTag
}
