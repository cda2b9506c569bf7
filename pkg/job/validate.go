package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/schema"

	schemasassets "github.com/3leaps/conductor/internal/assets/schemas"
)

// SchemaID is the schema identifier for job records.
const SchemaID = "conductor/v1.0.0/job-record"

var (
	// ErrSchemaNotFound indicates the embedded schema is missing.
	ErrSchemaNotFound = errors.New("job record schema not found")

	// ErrInvalidJob indicates the record failed validation.
	ErrInvalidJob = errors.New("invalid job record")
)

var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

// ValidationError is a single validation issue.
type ValidationError struct {
	// Path is the JSON pointer to the problematic field (e.g. "/job_type").
	Path    string
	Message string
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors collects every issue found in one record.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "job record validation failed"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("job record validation failed with %d errors:\n", len(e)))
	for i, err := range e {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

func (e ValidationErrors) Unwrap() error {
	return ErrInvalidJob
}

// Validate checks that j is well-formed: required fields present, known
// type and status, and an id that is usable as a directory name.
func Validate(j *Job) error {
	if j == nil {
		return fmt.Errorf("%w: record is nil", ErrInvalidJob)
	}

	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("failed to serialize job record for validation: %w", err)
	}
	if err := ValidateRaw(data); err != nil {
		return err
	}

	var errs ValidationErrors
	if j.CreateTime.IsZero() {
		errs = append(errs, ValidationError{Path: "/create", Message: "create time is required"})
	}
	if j.StartTime != nil && j.EndTime != nil && j.EndTime.Before(*j.StartTime) {
		errs = append(errs, ValidationError{Path: "/end", Message: "end time is before start time"})
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// ValidateRaw checks JSON data against the embedded job-record schema.
func ValidateRaw(jsonData []byte) error {
	v, err := getValidator()
	if err != nil {
		return err
	}

	diags, err := v.ValidateJSON(jsonData)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if len(diags) == 0 {
		return nil
	}

	var errs ValidationErrors
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			errs = append(errs, ValidationError{Path: d.Pointer, Message: d.Message})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

func getValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		if len(schemasassets.JobRecordSchema) == 0 {
			validatorErr = fmt.Errorf("%w: embedded job-record schema is empty", ErrSchemaNotFound)
			return
		}
		validator, validatorErr = schema.NewValidator(schemasassets.JobRecordSchema)
		if validatorErr != nil {
			validatorErr = fmt.Errorf("failed to compile job record schema: %w", validatorErr)
		}
	})
	return validator, validatorErr
}
