package jobspec

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	schemasassets "github.com/3leaps/opswatch/internal/assets/schemas"
	"github.com/fulmenhq/gofulmen/schema"
)

// ErrInvalidConfig is the root of every load failure.
var ErrInvalidConfig = errors.New("invalid ops-jobs config")

var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

// ConfigError wraps any failure to load a job configuration.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", ErrInvalidConfig, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", ErrInvalidConfig, e.Path, e.Err)
}

func (e *ConfigError) Unwrap() []error {
	return []error{ErrInvalidConfig, e.Err}
}

// SchemaViolation is a single schema diagnostic.
type SchemaViolation struct {
	Pointer string
	Message string
}

func (v SchemaViolation) Error() string {
	if v.Pointer == "" {
		return v.Message
	}
	return fmt.Sprintf("%s: %s", v.Pointer, v.Message)
}

// SchemaViolations collects every schema diagnostic for one document.
type SchemaViolations []SchemaViolation

func (vs SchemaViolations) Error() string {
	if len(vs) == 1 {
		return vs[0].Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d schema violations:", len(vs))
	for _, v := range vs {
		b.WriteString("\n  - ")
		b.WriteString(v.Error())
	}
	return b.String()
}

// ValidateSchema checks a JSON document against the embedded ops-jobs schema.
func ValidateSchema(jsonData []byte) error {
	v, err := getValidator()
	if err != nil {
		return err
	}
	diags, err := v.ValidateJSON(jsonData)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	var out SchemaViolations
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			out = append(out, SchemaViolation{Pointer: d.Pointer, Message: d.Message})
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func getValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		if len(schemasassets.OpsJobsSchema) == 0 {
			validatorErr = errors.New("embedded ops-jobs schema is empty")
			return
		}
		validator, validatorErr = schema.NewValidator(schemasassets.OpsJobsSchema)
		if validatorErr != nil {
			validatorErr = fmt.Errorf("failed to compile ops-jobs schema: %w", validatorErr)
		}
	})
	return validator, validatorErr
}
