// Package errors declares the typed error kinds surfaced by the dose
// calculation pipeline. Every kind carries the identifiers needed to locate
// the offending input; callers discriminate with errors.As.
package errors

import "fmt"

// ConfigurationError reports an invalid plan or calculation setting.
// It aborts before any computation starts.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// MissingDataError reports an unresolved base-data profile or a required
// table field that is absent from it.
type MissingDataError struct {
	Resource string
	Detail   string
}

func (e *MissingDataError) Error() string {
	return fmt.Sprintf("missing data: %s: %s", e.Resource, e.Detail)
}

// GeometryError reports a ray-tracing inconsistency (unbalanced target
// entry/exit crossings, or a patient surface that was never found). It is
// fatal for the offending beam.
type GeometryError struct {
	Beam   int
	Ray    int
	Reason string
}

func (e *GeometryError) Error() string {
	return fmt.Sprintf("geometry inconsistency on beam %d ray %d: %s", e.Beam, e.Ray, e.Reason)
}

// MissingWeightError reports a direct-dose computation whose weight vector
// is shorter than the number of layers touched.
type MissingWeightError struct {
	Beam  int
	Ray   int
	Layer int
}

func (e *MissingWeightError) Error() string {
	return fmt.Sprintf("missing spot weight for beam %d ray %d layer %d", e.Beam, e.Ray, e.Layer)
}
