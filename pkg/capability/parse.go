package capability

import (
	"bytes"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/crankbird/crank/pkg/types"
)

// MaxPayloadBytes is the size cap spec §4.1 places on a capability
// definition payload (1 MiB).
const MaxPayloadBytes = 1 << 20

// MaxNestingDepth is the deepest object/array nesting Parse accepts before
// rejecting the payload as adversarial.
const MaxNestingDepth = 32

// ParseError reports why a raw payload was rejected before it ever
// reached json.Unmarshal.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return "capability parse rejected: " + e.Reason
}

// Parse is the strict decoder for a single JSON capability definition: it
// rejects oversized payloads, deeply nested structures, non-UTF-8 strings,
// and unknown top-level keys before decoding into a CapabilityDefinition.
// The controller's registration handler and LoadManifest do not call it.
func Parse(data []byte) (*types.CapabilityDefinition, error) {
	if len(data) >= MaxPayloadBytes {
		return nil, &ParseError{Reason: fmt.Sprintf("payload size %d bytes exceeds %d byte cap", len(data), MaxPayloadBytes)}
	}
	if !utf8.Valid(data) {
		return nil, &ParseError{Reason: "payload contains invalid UTF-8"}
	}
	if err := checkNesting(data); err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var def types.CapabilityDefinition
	if err := dec.Decode(&def); err != nil {
		return nil, &ParseError{Reason: "malformed or unknown field: " + err.Error()}
	}
	if dec.More() {
		return nil, &ParseError{Reason: "trailing data after top-level object"}
	}

	return &def, nil
}

// checkNesting walks the raw JSON token stream counting object/array
// nesting depth, rejecting anything at or beyond MaxNestingDepth without
// ever building the full structure in memory.
func checkNesting(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	depth := 0
	for {
		tok, err := dec.Token()
		if err != nil {
			break // malformed JSON surfaces again at the strict decode step
		}
		switch v := tok.(type) {
		case json.Delim:
			switch v {
			case '{', '[':
				depth++
				if depth >= MaxNestingDepth {
					return &ParseError{Reason: fmt.Sprintf("nesting depth %d reaches %d level cap", depth, MaxNestingDepth)}
				}
			case '}', ']':
				depth--
			}
		case string:
			if !utf8.ValidString(v) {
				return &ParseError{Reason: "string token contains invalid UTF-8"}
			}
		}
	}
	return nil
}
