// Package schemasassets embeds the JSON schemas used to validate job records.
//
// Schemas are embedded at compile time so validation works regardless of the
// working directory or installation location.
package schemasassets

import _ "embed"

// JobRecordSchema is the embedded job-record JSON schema.
//
// It describes the known fields of a job.yml metadata file after conversion
// to JSON. Unknown keys are allowed; the scheduler may add its own.
//
//go:embed job-record.schema.json
var JobRecordSchema []byte
