package model

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiagnosticWireForms(t *testing.T) {
	var d Diagnostic
	require.NoError(t, json.Unmarshal([]byte(`"worker crashed"`), &d))
	assert.Equal(t, Failure("worker crashed"), d)

	require.NoError(t, json.Unmarshal([]byte(`{"message":"m","file":"a.php","line":3,"isFileSpecific":true}`), &d))
	assert.Equal(t, NewDiagnostic("a.php", 3, "m"), d)

	data, err := json.Marshal(NewDiagnostic("a.php", 0, "m"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"message":"m","file":"a.php","isFileSpecific":true}`, string(data))
}

func TestInternalErrorIsNotFileSpecific(t *testing.T) {
	d := InternalError("src/b.php", errors.New("nesting level too deep"))

	assert.False(t, d.IsFileSpecific)
	assert.Equal(t, "src/b.php", d.File)
	assert.Contains(t, d.Message, "nesting level too deep")
	assert.True(t, strings.HasSuffix(d.Message, InternalErrorHint))
}

func TestReportMerge(t *testing.T) {
	var r Report
	r.Merge(AnalysisResult{
		Errors:     []Diagnostic{NewDiagnostic("b.php", 9, "late"), NewDiagnostic("a.php", 4, "x")},
		FilesCount: 2,
	})
	r.Merge(AnalysisResult{
		Errors:              []Diagnostic{InternalError("c.php", errors.New("boom")), NewDiagnostic("a.php", 1, "y")},
		FilesCount:          3,
		InternalErrorsCount: 1,
		HasInferrablePropertyTypesFromConstructor: true,
	})

	assert.Equal(t, 5, r.FilesCount)
	assert.Equal(t, 1, r.InternalErrorsCount)
	assert.True(t, r.HasInferrablePropertyTypesFromConstructor)
	assert.True(t, r.HasFindings())

	files := r.FileErrors()
	require.Len(t, files, 3)
	assert.Equal(t, "y", files[0].Message)
	assert.Equal(t, "x", files[1].Message)
	assert.Equal(t, "late", files[2].Message)

	internal := r.NotFileSpecificErrors()
	require.Len(t, internal, 1)
	assert.Equal(t, "c.php", internal[0].File)
}
