// Package capability implements the schema vocabulary both controller and
// worker use for capability definitions: structural validation, version/
// constraint compatibility, and a strict JSON parser for a single
// capability definition.
package capability

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/crankbird/crank/pkg/types"
	"github.com/xeipuuv/gojsonschema"
)

// MaxTags caps the number of free-form tags a CapabilityDefinition may
// carry; an implementation-chosen limit per spec §4.1.
const MaxTags = 32

// SchemaViolation is one structural defect found by Validate.
type SchemaViolation struct {
	Field  string
	Reason string
}

func (v SchemaViolation) String() string {
	return fmt.Sprintf("%s: %s", v.Field, v.Reason)
}

// ValidationError collects every SchemaViolation found for a single
// CapabilityDefinition. A nil *ValidationError (via Validate's return)
// means the definition is structurally sound.
type ValidationError struct {
	Violations []SchemaViolation
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Violations) == 0 {
		return "no violations"
	}
	msg := fmt.Sprintf("%d schema violation(s)", len(e.Violations))
	for _, v := range e.Violations {
		msg += "; " + v.String()
	}
	return msg
}

func (e *ValidationError) add(field, reason string) {
	e.Violations = append(e.Violations, SchemaViolation{Field: field, Reason: reason})
}

// Validate checks a CapabilityDefinition against spec §4.1: required
// fields present, version matches MAJOR.MINOR.PATCH, error codes unique,
// tags within MaxTags, and both io_contract schemas are well-formed JSON
// Schema documents. It returns nil when the definition is valid.
func Validate(def *types.CapabilityDefinition) error {
	verr := &ValidationError{}

	if def.ID == "" {
		verr.add("id", "must not be empty")
	}
	if def.Version == "" {
		verr.add("version", "must not be empty")
	} else if _, err := semver.StrictNewVersion(def.Version); err != nil {
		verr.add("version", "must match MAJOR.MINOR.PATCH: "+err.Error())
	}

	if len(def.Tags) > MaxTags {
		verr.add("tags", fmt.Sprintf("exceeds maximum of %d", MaxTags))
	}

	seenCodes := make(map[string]bool, len(def.IOContract.ErrorCodes))
	for _, ec := range def.IOContract.ErrorCodes {
		if ec.Code == "" {
			verr.add("io_contract.error_codes", "error code must not be empty")
			continue
		}
		if seenCodes[ec.Code] {
			verr.add("io_contract.error_codes", fmt.Sprintf("duplicate code %q", ec.Code))
			continue
		}
		seenCodes[ec.Code] = true
	}

	if err := compileSchema(def.IOContract.InputSchema); err != nil {
		verr.add("io_contract.input_schema", err.Error())
	}
	if err := compileSchema(def.IOContract.OutputSchema); err != nil {
		verr.add("io_contract.output_schema", err.Error())
	}

	if len(verr.Violations) > 0 {
		return verr
	}
	return nil
}

func compileSchema(schema map[string]interface{}) error {
	if schema == nil {
		return nil
	}
	_, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema))
	if err != nil {
		return fmt.Errorf("not well-formed JSON Schema: %w", err)
	}
	return nil
}

// IsCompatible implements spec §4.1: MAJOR must equal between requested
// and advertised version, advertised MINOR.PATCH must be >= requested,
// and every constraint the request names must be present with an equal
// value in the advertised constraint set (a subset check).
func IsCompatible(requested, advertised *types.CapabilityDefinition) bool {
	if requested == nil || advertised == nil {
		return false
	}
	if requested.ID != advertised.ID {
		return false
	}

	reqVer, err := semver.StrictNewVersion(requested.Version)
	if err != nil {
		return false
	}
	advVer, err := semver.StrictNewVersion(advertised.Version)
	if err != nil {
		return false
	}
	if reqVer.Major() != advVer.Major() {
		return false
	}
	if advVer.Minor() < reqVer.Minor() {
		return false
	}
	if advVer.Minor() == reqVer.Minor() && advVer.Patch() < reqVer.Patch() {
		return false
	}

	for k, v := range requested.Constraints {
		if advertised.Constraints[k] != v {
			return false
		}
	}
	return true
}

// ValidatePayload checks that payload conforms to def's input_schema, used
// by the controller's dispatch path before a job is routed to a worker.
// A capability with no input_schema accepts any payload.
func ValidatePayload(def *types.CapabilityDefinition, payload map[string]interface{}) error {
	if def.IOContract.InputSchema == nil {
		return nil
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(def.IOContract.InputSchema))
	if err != nil {
		return fmt.Errorf("input_schema not well-formed: %w", err)
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(payload))
	if err != nil {
		return fmt.Errorf("payload validation error: %w", err)
	}
	if !result.Valid() {
		msg := "payload does not conform to input_schema"
		for _, re := range result.Errors() {
			msg += "; " + re.String()
		}
		return fmt.Errorf("%s", msg)
	}
	return nil
}
