package token

import (
	"encoding/base64"
	"strings"
)

// Kind distinguishes the two credential shapes an operator can scan.
type Kind int

const (
	// KindDurable is an opaque identifier verified by lookup.
	KindDurable Kind = iota
	// KindEphemeral is a signed presentation token verified by signature.
	KindEphemeral
)

func (k Kind) String() string {
	switch k {
	case KindEphemeral:
		return "ephemeral"
	default:
		return "durable"
	}
}

// KindOf classifies a scanned credential. Anything shaped like a compact JWS
// (three base64url segments) is ephemeral; everything else is looked up as a
// durable token. Classification never implies validity.
func KindOf(presented string) Kind {
	parts := strings.Split(strings.TrimSpace(presented), ".")
	if len(parts) != 3 {
		return KindDurable
	}
	for _, p := range parts {
		if p == "" {
			return KindDurable
		}
		if _, err := base64.RawURLEncoding.DecodeString(p); err != nil {
			return KindDurable
		}
	}
	return KindEphemeral
}
