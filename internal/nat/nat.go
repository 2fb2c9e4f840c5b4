// Package nat determines what kind of NAT (if any) sits in front of the
// local endpoint, using STUN Binding probes against multiple servers.
// Classification failure is never fatal: callers treat TypeUnknown as a
// degraded mode and lean on ICE plus relay fallback.
package nat

import (
	"github.com/doublegate/wraith/internal/logging"
)

var log = logging.DefaultLogger.WithTag("nat")

// Type classifies the local NAT behavior.
type Type int

const (
	TypeUnknown Type = iota
	TypeNone         // public IP, no translation
	TypeFullCone
	TypeRestrictedCone
	TypePortRestricted
	TypeSymmetric
)

func (t Type) String() string {
	switch t {
	case TypeNone:
		return "None"
	case TypeFullCone:
		return "FullCone"
	case TypeRestrictedCone:
		return "RestrictedCone"
	case TypePortRestricted:
		return "PortRestricted"
	case TypeSymmetric:
		return "Symmetric"
	default:
		return "Unknown"
	}
}

// Traversable reports whether hole punching has a chance against this NAT
// when the remote side is not symmetric.
func (t Type) Traversable() bool {
	switch t {
	case TypeNone, TypeFullCone, TypeRestrictedCone, TypePortRestricted:
		return true
	default:
		return false
	}
}
