package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// InternalErrorHint is appended to every synthesized internal-error diagnostic.
const InternalErrorHint = "Run phpscan again with --debug to see the full trace, and report the failure along with the file that triggered it."

// Diagnostic is one finding reported for a file, or a process-level failure
// when IsFileSpecific is false.
type Diagnostic struct {
	Message        string `json:"message"`
	File           string `json:"file"`
	Line           *int   `json:"line,omitempty"`
	IsFileSpecific bool   `json:"isFileSpecific"`
}

// NewDiagnostic builds a file-specific finding. A line <= 0 means "no line".
func NewDiagnostic(file string, line int, message string) Diagnostic {
	d := Diagnostic{Message: message, File: file, IsFileSpecific: true}
	if line > 0 {
		d.Line = &line
	}
	return d
}

// InternalError synthesizes the diagnostic reported when the analyzer fails on file.
func InternalError(file string, cause error) Diagnostic {
	return Diagnostic{
		Message: fmt.Sprintf("Internal error: %v while analysing file %s\n%s", cause, file, InternalErrorHint),
		File:    file,
	}
}

// Failure builds a bare, process-level diagnostic. On the wire it is a plain string.
func Failure(message string) Diagnostic {
	return Diagnostic{Message: message}
}

// bare reports whether d carries nothing but a message.
func (d Diagnostic) bare() bool {
	return d.File == "" && d.Line == nil && !d.IsFileSpecific
}

// MarshalJSON writes bare diagnostics as strings and everything else as objects.
func (d Diagnostic) MarshalJSON() ([]byte, error) {
	if d.bare() {
		return json.Marshal(d.Message)
	}
	type plain Diagnostic
	return json.Marshal(plain(d))
}

// UnmarshalJSON accepts either a diagnostic object or a plain failure string.
func (d *Diagnostic) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var msg string
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		*d = Failure(msg)
		return nil
	}

	var p struct {
		Message        *string `json:"message"`
		File           string  `json:"file"`
		Line           *int    `json:"line"`
		IsFileSpecific bool    `json:"isFileSpecific"`
	}
	if err := strictDecode(data, &p); err != nil {
		return fmt.Errorf("diagnostic: %w", err)
	}
	if p.Message == nil {
		return errors.New("diagnostic: message is required")
	}
	*d = Diagnostic{Message: *p.Message, File: p.File, Line: p.Line, IsFileSpecific: p.IsFileSpecific}
	return nil
}

// FileResult is what a file analyzer returns for one file.
type FileResult struct {
	Diagnostics                               []Diagnostic
	HasInferrablePropertyTypesFromConstructor bool
}

// AnalysisResult summarizes one analysed batch.
type AnalysisResult struct {
	Errors                                    []Diagnostic `json:"errors"`
	FilesCount                                int          `json:"filesCount"`
	InternalErrorsCount                       int          `json:"internalErrorsCount"`
	HasInferrablePropertyTypesFromConstructor bool         `json:"hasInferrablePropertyTypesFromConstructor"`
}

// FailureResult is the terminal result a worker sends when its connection fails.
func FailureResult(err error) AnalysisResult {
	return AnalysisResult{
		Errors:              []Diagnostic{Failure(err.Error())},
		FilesCount:          0,
		InternalErrorsCount: 1,
	}
}

// Report is the job-wide accumulation of batch results.
type Report struct {
	Errors                                    []Diagnostic `json:"errors"`
	FilesCount                                int          `json:"filesCount"`
	InternalErrorsCount                       int          `json:"internalErrorsCount"`
	HasInferrablePropertyTypesFromConstructor bool         `json:"hasInferrablePropertyTypesFromConstructor"`
}

// Merge folds one batch result into the report.
func (r *Report) Merge(res AnalysisResult) {
	r.Errors = append(r.Errors, res.Errors...)
	r.FilesCount += res.FilesCount
	r.InternalErrorsCount += res.InternalErrorsCount
	r.HasInferrablePropertyTypesFromConstructor = r.HasInferrablePropertyTypesFromConstructor ||
		res.HasInferrablePropertyTypesFromConstructor
}

// MergeReport folds another report into r.
func (r *Report) MergeReport(other Report) {
	r.Merge(AnalysisResult(other))
}

// FileErrors returns the file-specific findings sorted by file and line.
func (r *Report) FileErrors() []Diagnostic {
	var out []Diagnostic
	for _, d := range r.Errors {
		if d.IsFileSpecific {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].File != out[j].File {
			return out[i].File < out[j].File
		}
		return lineOf(out[i]) < lineOf(out[j])
	})
	return out
}

// NotFileSpecificErrors returns internal and process-level failures in arrival order.
func (r *Report) NotFileSpecificErrors() []Diagnostic {
	var out []Diagnostic
	for _, d := range r.Errors {
		if !d.IsFileSpecific {
			out = append(out, d)
		}
	}
	return out
}

// HasFindings reports whether any file-specific diagnostic was produced.
func (r *Report) HasFindings() bool {
	for _, d := range r.Errors {
		if d.IsFileSpecific {
			return true
		}
	}
	return false
}

func lineOf(d Diagnostic) int {
	if d.Line == nil {
		return 0
	}
	return *d.Line
}
