/*
Package capability implements the shared vocabulary controller and worker
use for capability definitions: structural validation, version and
constraint compatibility, the strict wire parser, and YAML manifest
loading.

	def, err := capability.Parse(body)          // strict decode off the wire
	err = capability.Validate(def)               // structural + schema checks
	ok := capability.IsCompatible(requested, advertised)

Validate checks required fields, MAJOR.MINOR.PATCH version form (via
Masterminds/semver/v3), unique error codes, a tag count cap, and that both
io_contract schemas are well-formed JSON Schema (via xeipuuv/gojsonschema).
IsCompatible requires an equal MAJOR version, an advertised MINOR.PATCH
at or above the requested one, and the requested constraint set to be a
subset of the advertised one.

Parse is the strict decoder for a single JSON capability definition:
it rejects payloads at or above 1 MiB, object/array nesting at or beyond
32 levels, non-UTF-8 strings, and unknown top-level keys, before the
payload ever reaches encoding/json's struct decoder. The controller's
registration handler and LoadManifest decode without going through Parse.

LoadManifest reads a worker's static capability manifest from a YAML file
and validates every entry, the data-first alternative to declaring
capabilities in code.
*/
package capability
