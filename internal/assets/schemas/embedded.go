// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time so config validation works regardless
// of the working directory or installation location.
package schemasassets

import _ "embed"

// OpsJobsSchema is the embedded ops-jobs configuration schema.
//
//go:embed ops-jobs.schema.json
var OpsJobsSchema []byte
