// Package model implements the interface descriptor grammar and the
// canonical mapping between a user-visible circuit (terminal + label) and
// its hardware tunnel description (port + VLAN tags).
package model

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/fabricbroker/fabricd/pkg/fabricerr"
)

// Kind distinguishes a physical-port interface from a link-aggregation
// group interface.
type Kind int

const (
	KindPhys Kind = iota
	KindLag
)

func (k Kind) String() string {
	if k == KindLag {
		return "lag"
	}
	return "phys"
}

// Encapsulation selects how a circuit's label maps onto VLAN tags for this
// interface.
type Encapsulation int

const (
	// Untagged: the interface carries no VLAN tag at all. Only one
	// circuit can ever occupy it.
	Untagged Encapsulation = iota
	// SingleTag: one customer tag (ctag), equal to the circuit's label.
	SingleTag
	// DoubleTagSplit ("Nx2"): the label is a 24-bit composite split into
	// a 12-bit outer (stag) and 12-bit inner (ctag) half.
	DoubleTagSplit
	// DoubleTagExplicit ("N.M"): a fixed outer tag M shared by every
	// circuit on this descriptor, with the label carried as the inner
	// (ctag) tag.
	DoubleTagExplicit
)

// tagBits is the width of a single VLAN tag field.
const tagBits = 12

// MaxSingleTagLabel is the largest legal label for single-tag and
// double-tag-explicit encapsulations (12-bit VLAN tag space, reserving 0
// and the all-ones value as the teacher's device layer also treats
// VLAN 1/4095 as reserved).
const MaxSingleTagLabel = (1 << tagBits) - 2

// MaxSplitLabel is the largest legal label for a double-tag-split
// descriptor: a 24-bit composite of two 12-bit tags.
const MaxSplitLabel = (1 << (2 * tagBits)) - 1

// grammarRe is the interface descriptor grammar from the wire contract:
// ^(lag|phys|)(\.?\d+(x2)?(\.\d+)?)?$
// The suffix is wrapped as one non-capturing unit so the dot stays optional
// but the port digits remain mandatory whenever a suffix is present at all.
var grammarRe = regexp.MustCompile(`^(lag|phys|)(?:(\.?)(\d+)(x2)?(?:\.(\d+))?)?$`)

// Interface is a parsed interface descriptor.
type Interface struct {
	Kind          Kind
	Port          int
	Encapsulation Encapsulation
	// OuterTag is the fixed stag for DoubleTagExplicit; unused otherwise.
	OuterTag int
	raw       string
}

// Raw returns the original descriptor string.
func (i *Interface) Raw() string { return i.raw }

// ParseInterface parses a descriptor string per the wire grammar.
//
// Resolution of the "Open Question" left unresolved by spec.md: the
// grammar's (lag|phys) prefix selects the interface kind and N is the
// terminal's own resolved port/LAG number (not a free-floating index) —
// see DESIGN.md. A bare "phys"/"lag" with no digit group is the grammar's
// Untagged form (spec.md §3: "untagged port"): the interface carries no
// VLAN tag and only one circuit can ever occupy it, so it has no port
// number to address beyond the terminal itself.
func ParseInterface(descriptor string) (*Interface, error) {
	m := grammarRe.FindStringSubmatch(descriptor)
	if m == nil || descriptor == "" {
		return nil, fabricerr.New(fabricerr.KindTerminalConfig, map[string]interface{}{"config": descriptor})
	}

	kind := KindPhys
	if m[1] == "lag" {
		kind = KindLag
	}

	portStr := m[3]
	hasX2 := m[4] == "x2"
	outerStr := m[5]

	iface := &Interface{Kind: kind, raw: descriptor}

	if portStr == "" {
		iface.Encapsulation = Untagged
		return iface, nil
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fabricerr.New(fabricerr.KindTerminalConfig, map[string]interface{}{"config": descriptor})
	}
	iface.Port = port

	switch {
	case hasX2 && outerStr != "":
		return nil, fabricerr.New(fabricerr.KindTerminalConfig, map[string]interface{}{"config": descriptor})
	case hasX2:
		iface.Encapsulation = DoubleTagSplit
	case outerStr != "":
		outer, err := strconv.Atoi(outerStr)
		if err != nil {
			return nil, fabricerr.New(fabricerr.KindTerminalConfig, map[string]interface{}{"config": descriptor})
		}
		iface.Encapsulation = DoubleTagExplicit
		iface.OuterTag = outer
	default:
		iface.Encapsulation = SingleTag
	}

	return iface, nil
}

// LabelRange returns the inclusive legal label range for this interface's
// encapsulation. Untagged has no wire-encoded label (only one circuit can
// ever occupy it); 0 is its sole accepted label.
func (i *Interface) LabelRange() (min, max int) {
	switch i.Encapsulation {
	case DoubleTagSplit:
		return 0, MaxSplitLabel
	case Untagged:
		return 0, 0
	default:
		return 1, MaxSingleTagLabel
	}
}

// ValidLabel reports whether label falls within this interface's legal
// circuit-space range.
func (i *Interface) ValidLabel(label int) bool {
	min, max := i.LabelRange()
	return label >= min && label <= max
}

// TunnelDesc is the hardware-facing description of one circuit's
// encapsulation on a port: an OF-facing port number plus up to two VLAN
// tags. A tag value of -1 means "not present".
type TunnelDesc struct {
	Port     int
	OuterTag int
	InnerTag int
}

// ToTunnelDesc computes the TunnelDesc for label on this interface.
func (i *Interface) ToTunnelDesc(label int) (TunnelDesc, error) {
	if !i.ValidLabel(label) {
		return TunnelDesc{}, fmt.Errorf("model: label %d out of range for %s", label, i.raw)
	}
	td := TunnelDesc{Port: i.Port, OuterTag: -1, InnerTag: -1}
	switch i.Encapsulation {
	case SingleTag:
		td.InnerTag = label
	case DoubleTagSplit:
		td.OuterTag = label >> tagBits
		td.InnerTag = label & ((1 << tagBits) - 1)
	case DoubleTagExplicit:
		td.OuterTag = i.OuterTag
		td.InnerTag = label
	}
	return td, nil
}

// LabelFromTunnel inverts ToTunnelDesc: given an observed tunnel on the
// switch, it recovers the label this interface would have produced, or
// false if the tunnel does not match this interface's descriptor (wrong
// port, or an explicit outer tag mismatch).
func (i *Interface) LabelFromTunnel(td TunnelDesc) (int, bool) {
	if td.Port != i.Port {
		return 0, false
	}
	switch i.Encapsulation {
	case SingleTag:
		if td.OuterTag != -1 || td.InnerTag == -1 {
			return 0, false
		}
		return td.InnerTag, true
	case DoubleTagSplit:
		if td.OuterTag == -1 || td.InnerTag == -1 {
			return 0, false
		}
		return (td.OuterTag << tagBits) | td.InnerTag, true
	case DoubleTagExplicit:
		if td.OuterTag != i.OuterTag || td.InnerTag == -1 {
			return 0, false
		}
		return td.InnerTag, true
	case Untagged:
		if td.OuterTag != -1 || td.InnerTag != -1 {
			return 0, false
		}
		return 0, true
	default:
		return 0, false
	}
}
