// Package rules is the built-in file analyzer: a small catalog of
// pattern-based checks over PHP sources.
package rules

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/taskmgr818/phpscan/internal/model"
)

// Version identifies the rule catalog. Cached results from another version are ignored.
const Version = "2"

// MaxLevel is the strictest rule level.
const MaxLevel = 9

// Rule inspects one source file.
type Rule interface {
	// Level is the lowest analysis level at which the rule runs.
	Level() int
	Check(file string, src string) []model.Diagnostic
}

// Analyzer runs every rule enabled at its level against one file at a time.
type Analyzer struct {
	level    int
	rules    []Rule
	readFile func(string) ([]byte, error)
}

// New creates an analyzer. With no rules given, Default is used.
func New(level int, rules ...Rule) *Analyzer {
	if len(rules) == 0 {
		rules = Default()
	}
	return &Analyzer{level: level, rules: rules, readFile: os.ReadFile}
}

// Default returns the built-in catalog.
func Default() []Rule {
	return []Rule{
		ConstantCondition{},
		StrictComparison{},
	}
}

// Level returns the configured analysis level.
func (a *Analyzer) Level() int {
	return a.level
}

// AnalyseFile reads file and applies the enabled rules. A file that cannot be
// read is an analyzer failure, not a finding.
func (a *Analyzer) AnalyseFile(ctx context.Context, file string) (model.FileResult, error) {
	if err := ctx.Err(); err != nil {
		return model.FileResult{}, err
	}

	data, err := a.readFile(file)
	if err != nil {
		return model.FileResult{}, fmt.Errorf("read source: %w", err)
	}
	src := maskComments(string(data))

	var res model.FileResult
	for _, r := range a.rules {
		if r.Level() > a.level {
			continue
		}
		res.Diagnostics = append(res.Diagnostics, r.Check(file, src)...)
	}
	res.HasInferrablePropertyTypesFromConstructor = hasInferrablePropertyTypes(src)
	return res, nil
}

// ─────────────────────────────────────────────
// Rules
// ─────────────────────────────────────────────

var constantConditionRe = regexp.MustCompile(`(?i)\b(if|elseif|while)\s*\(\s*(true|false)\s*\)`)

// ConstantCondition reports if/elseif/while conditions that are a bare boolean literal.
type ConstantCondition struct{}

func (ConstantCondition) Level() int { return 4 }

func (ConstantCondition) Check(file, src string) []model.Diagnostic {
	var out []model.Diagnostic
	for _, m := range constantConditionRe.FindAllStringSubmatchIndex(src, -1) {
		keyword := strings.ToLower(src[m[2]:m[3]])
		value := strings.ToLower(src[m[4]:m[5]])

		var subject string
		switch keyword {
		case "if":
			subject = "If condition"
		case "elseif":
			subject = "Elseif condition"
		case "while":
			if value == "true" {
				// while (true) is the idiomatic infinite loop
				continue
			}
			subject = "While loop condition"
		}
		out = append(out, model.NewDiagnostic(file, lineAt(src, m[0]),
			fmt.Sprintf("%s is always %s.", subject, value)))
	}
	return out
}

const literalPattern = `-?\d+\.\d+|-?\d+|'[^'\n]*'|"[^"\n]*"|(?i:true|false|null)`

var strictComparisonRe = regexp.MustCompile(`(?m)(?:^|[^\w$.'"])(` + literalPattern + `)\s*(===|!==)\s*(` + literalPattern + `)`)

// StrictComparison reports === and !== between literals of different types.
type StrictComparison struct{}

func (StrictComparison) Level() int { return 4 }

func (StrictComparison) Check(file, src string) []model.Diagnostic {
	var out []model.Diagnostic
	for _, m := range strictComparisonRe.FindAllStringSubmatchIndex(src, -1) {
		left := literalType(src[m[2]:m[3]])
		op := src[m[4]:m[5]]
		right := literalType(src[m[6]:m[7]])
		if left == right {
			continue
		}
		outcome := "false"
		if op == "!==" {
			outcome = "true"
		}
		out = append(out, model.NewDiagnostic(file, lineAt(src, m[2]),
			fmt.Sprintf("Strict comparison using %s between %s and %s will always evaluate to %s.", op, left, right, outcome)))
	}
	return out
}

func literalType(lit string) string {
	switch l := strings.ToLower(lit); {
	case l == "true" || l == "false":
		return "bool"
	case l == "null":
		return "null"
	case strings.HasPrefix(l, "'") || strings.HasPrefix(l, `"`):
		return "string"
	case strings.Contains(l, "."):
		return "float"
	default:
		return "int"
	}
}

// ─────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────

var (
	constructorRe     = regexp.MustCompile(`(?i)function\s+__construct\s*\(`)
	untypedPropertyRe = regexp.MustCompile(`(?im)^\s*(public|protected|private)(\s+static)?\s+\$\w+`)
)

// hasInferrablePropertyTypes reports a class with a constructor and at least
// one property declared without a native type.
func hasInferrablePropertyTypes(src string) bool {
	return constructorRe.MatchString(src) && untypedPropertyRe.MatchString(src)
}

// lineAt returns the 1-based line of byte offset off.
func lineAt(src string, off int) int {
	return strings.Count(src[:off], "\n") + 1
}

// maskComments blanks out comments while keeping offsets and line breaks intact.
func maskComments(src string) string {
	b := []byte(src)
	for i := 0; i < len(b); i++ {
		switch {
		case b[i] == '\'' || b[i] == '"':
			quote := b[i]
			for i++; i < len(b) && b[i] != quote && b[i] != '\n'; i++ {
				if b[i] == '\\' {
					i++
				}
			}
		case (b[i] == '#' && (i+1 >= len(b) || b[i+1] != '[')) || (b[i] == '/' && i+1 < len(b) && b[i+1] == '/'):
			for ; i < len(b) && b[i] != '\n'; i++ {
				b[i] = ' '
			}
		case b[i] == '/' && i+1 < len(b) && b[i+1] == '*':
			for ; i < len(b); i++ {
				if b[i] == '*' && i+1 < len(b) && b[i+1] == '/' {
					b[i], b[i+1] = ' ', ' '
					i++
					break
				}
				if b[i] != '\n' {
					b[i] = ' '
				}
			}
		}
	}
	return string(b)
}
