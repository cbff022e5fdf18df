package kss

import (
	"strconv"
	"strings"
)

// refKind discriminates a parsed source_ref (§4.4).
type refKind int

const (
	refWave refKind = iota
	refTP
)

// parsedRef is the result of parsing an opaque source_ref. Only
// FillRouter inspects its structure (§9 design note).
type parsedRef struct {
	sessionID int64
	kind      refKind
	waveNum   int
}

// parseSourceRef parses "pyramid:{id}:wave:{n}" or "pyramid:{id}:tp".
// Malformed or unrecognized references return an error; callers must drop
// the notification without side effects (§4.4, P11).
func parseSourceRef(ref string) (parsedRef, error) {
	parts := strings.Split(ref, ":")
	if len(parts) < 3 || parts[0] != "pyramid" {
		return parsedRef{}, newFieldError(KindInvalidParameters, "source_ref", "malformed source_ref: "+ref)
	}
	sessionID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return parsedRef{}, newFieldError(KindInvalidParameters, "source_ref", "non-numeric session id in source_ref: "+ref)
	}

	switch {
	case len(parts) == 3 && parts[2] == "tp":
		return parsedRef{sessionID: sessionID, kind: refTP}, nil
	case len(parts) == 4 && parts[2] == "wave":
		n, err := strconv.Atoi(parts[3])
		if err != nil || n < 0 {
			return parsedRef{}, newFieldError(KindInvalidParameters, "source_ref", "non-numeric wave index in source_ref: "+ref)
		}
		return parsedRef{sessionID: sessionID, kind: refWave, waveNum: n}, nil
	default:
		return parsedRef{}, newFieldError(KindInvalidParameters, "source_ref", "unrecognized source_ref shape: "+ref)
	}
}
