// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time so manifest validation works the same
// in installed binaries, tests, and library consumers.
package schemasassets

import _ "embed"

// FunctionManifestSchema is the embedded function-manifest JSON schema.
//
//go:embed function-manifest.schema.json
var FunctionManifestSchema []byte
