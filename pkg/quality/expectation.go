package quality

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/pkg/errors"
)

// Expectation is a named row-level predicate. Records for which the
// expression does not evaluate to true are dropped before the merge.
type Expectation struct {
	Name       string `yaml:"name" json:"name" jsonschema:"required"`
	Expression string `yaml:"expression" json:"expression" jsonschema:"required"`
}

// Predicate is a compiled expression evaluated against the fields of one
// change record.
type Predicate struct {
	Name       string
	Expression string
	program    *vm.Program
}

var (
	isNotNullPattern = regexp.MustCompile(`(?i)\bIS\s+NOT\s+NULL\b`)
	isNullPattern    = regexp.MustCompile(`(?i)\bIS\s+NULL\b`)
	andPattern       = regexp.MustCompile(`\bAND\b`)
	orPattern        = regexp.MustCompile(`\bOR\b`)
	notInPattern     = regexp.MustCompile(`\bNOT\s+IN\b`)
	inPattern        = regexp.MustCompile(`\bIN\b`)
	notLikePattern   = regexp.MustCompile(`(?i)\bNOT\s+LIKE\b`)
	likePattern      = regexp.MustCompile(`(?i)\bLIKE\b`)
	trailingLike     = regexp.MustCompile(`(?i)\bLIKE\s*$`)
	notPattern       = regexp.MustCompile(`\bNOT\b`)
	nullPattern      = regexp.MustCompile(`\bNULL\b`)
	listOpenPattern  = regexp.MustCompile(`\bin\s*$`)
)

// Translate rewrites the SQL-flavoured constructs commonly used in
// expectations ("user_id IS NOT NULL", "a <> b AND c = 1", "s NOT IN ('a')",
// "name LIKE 'A%'") into the expression language. Quoted literals are left
// untouched except for LIKE patterns, and expressions already written in expr
// syntax pass through as-is.
func Translate(expression string) string {
	var (
		sb      strings.Builder
		likeArg bool
	)
	for _, seg := range splitQuoted(expression) {
		if seg.quoted {
			if likeArg {
				sb.WriteString(likeToRegex(seg.text))
			} else {
				sb.WriteString(seg.text)
			}
			likeArg = false
			continue
		}
		likeArg = trailingLike.MatchString(seg.text)
		sb.WriteString(translateSegment(seg.text))
	}
	return bracketLists(sb.String())
}

func translateSegment(s string) string {
	out := isNotNullPattern.ReplaceAllString(s, "!= nil")
	out = isNullPattern.ReplaceAllString(out, "== nil")
	out = andPattern.ReplaceAllString(out, "&&")
	out = orPattern.ReplaceAllString(out, "||")
	out = notInPattern.ReplaceAllString(out, "not in")
	out = inPattern.ReplaceAllString(out, "in")
	out = notLikePattern.ReplaceAllString(out, "not matches")
	out = likePattern.ReplaceAllString(out, "matches")
	out = notPattern.ReplaceAllString(out, "!")
	out = nullPattern.ReplaceAllString(out, "nil")
	out = strings.ReplaceAll(out, "<>", "!=")
	return singleEquals(out)
}

type segment struct {
	text   string
	quoted bool
}

func splitQuoted(s string) []segment {
	var (
		segments []segment
		start    int
		quote    byte
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote == 0 && (c == '\'' || c == '"'):
			if i > start {
				segments = append(segments, segment{text: s[start:i]})
			}
			quote = c
			start = i
		case quote != 0 && c == '\\':
			i++
		case quote != 0 && c == quote:
			segments = append(segments, segment{text: s[start : i+1], quoted: true})
			quote = 0
			start = i + 1
		}
	}
	if start < len(s) {
		segments = append(segments, segment{text: s[start:], quoted: quote != 0})
	}
	return segments
}

// likeToRegex turns a quoted LIKE pattern into an anchored regular expression
// literal: % matches any run of characters and _ a single one.
func likeToRegex(quoted string) string {
	if len(quoted) < 2 || quoted[len(quoted)-1] != quoted[0] {
		return quoted
	}
	inner := strings.ReplaceAll(quoted[1:len(quoted)-1], `\`+quoted[:1], quoted[:1])

	var sb strings.Builder
	sb.WriteString("^")
	for _, r := range inner {
		switch r {
		case '%':
			sb.WriteString(".*")
		case '_':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")
	return strconv.Quote(sb.String())
}

// bracketLists rewrites the parenthesised list after "in" into an array
// literal, e.g. "in ('a', 'b')" becomes "in ['a', 'b']".
func bracketLists(s string) string {
	var (
		out   = []byte(s)
		quote byte
		stack []bool
	)
	for i := 0; i < len(out); i++ {
		c := out[i]
		switch {
		case quote != 0 && c == '\\':
			i++
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '(':
			isList := listOpenPattern.Match(out[:i])
			if isList {
				out[i] = '['
			}
			stack = append(stack, isList)
		case c == ')' && len(stack) > 0:
			if stack[len(stack)-1] {
				out[i] = ']'
			}
			stack = stack[:len(stack)-1]
		}
	}
	return string(out)
}

// singleEquals turns a lone SQL "=" into "==", leaving "==", "!=", "<=" and
// ">=" alone.
func singleEquals(s string) string {
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '=' {
			sb.WriteByte(c)
			continue
		}
		prev := byte(0)
		if i > 0 {
			prev = s[i-1]
		}
		next := byte(0)
		if i+1 < len(s) {
			next = s[i+1]
		}
		if next == '=' {
			sb.WriteString("==")
			i++
			continue
		}
		if prev == '!' || prev == '<' || prev == '>' || prev == '=' {
			sb.WriteByte(c)
			continue
		}
		sb.WriteString("==")
	}
	return sb.String()
}

// Compile compiles a single named expression.
func Compile(name, expression string) (*Predicate, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, errors.Errorf("expectation '%s' has an empty expression", name)
	}

	program, err := expr.Compile(
		Translate(expression),
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to compile expectation '%s'", name)
	}

	return &Predicate{Name: name, Expression: expression, program: program}, nil
}

// CompileAll compiles a list of expectations, failing on duplicate names.
func CompileAll(expectations []Expectation) ([]*Predicate, error) {
	seen := make(map[string]bool, len(expectations))
	predicates := make([]*Predicate, 0, len(expectations))
	for _, e := range expectations {
		if e.Name == "" {
			return nil, errors.New("expectations must have a name")
		}
		if seen[e.Name] {
			return nil, errors.Errorf("duplicate expectation name '%s'", e.Name)
		}
		seen[e.Name] = true

		p, err := Compile(e.Name, e.Expression)
		if err != nil {
			return nil, err
		}
		predicates = append(predicates, p)
	}
	return predicates, nil
}

// Eval runs the predicate against a record's fields. A runtime error, such as
// comparing a string with a number, counts as a failed predicate and is
// returned alongside false.
func (p *Predicate) Eval(fields map[string]any) (bool, error) {
	env := make(map[string]any, len(fields))
	for k, v := range fields {
		env[k] = v
	}

	out, err := expr.Run(p.program, env)
	if err != nil {
		return false, errors.Wrapf(err, "failed to evaluate expectation '%s'", p.Name)
	}

	ok, isBool := out.(bool)
	if !isBool {
		return false, errors.Errorf("expectation '%s' did not return a boolean", p.Name)
	}
	return ok, nil
}

// Verdict is the outcome of checking one record against all predicates.
type Verdict struct {
	Passed bool
	// Failed is the name of the first predicate the record failed.
	Failed string
	Err    error
}

// Check evaluates predicates in order and stops at the first failure.
func Check(predicates []*Predicate, fields map[string]any) Verdict {
	for _, p := range predicates {
		ok, err := p.Eval(fields)
		if err != nil || !ok {
			return Verdict{Failed: p.Name, Err: err}
		}
	}
	return Verdict{Passed: true}
}
