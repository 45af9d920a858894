package kb

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ValentinKolb/dKB/lib/store"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// DefaultSourceExpr selects the prolog field of an entry's payload.
const DefaultSourceExpr = "payload.prolog"

var errNoSource = errors.New("entry has no source")

// Extractor evaluates an expression against an entry to get its compilable source.
//
// The expression sees the variables key, origin, fileName and payload (the decoded JSON).
// It must evaluate to a string or a list of strings (joined by newlines).
type Extractor struct {
	expression string
	program    *vm.Program
}

// NewExtractor compiles the extraction expression.
func NewExtractor(expression string) (*Extractor, error) {
	if strings.TrimSpace(expression) == "" {
		expression = DefaultSourceExpr
	}
	program, err := expr.Compile(expression, expr.Env(extractEnv(store.Entry{}, nil)))
	if err != nil {
		return nil, fmt.Errorf("invalid source expression %q: %w", expression, err)
	}
	return &Extractor{expression: expression, program: program}, nil
}

// Extract returns the trimmed source text of an entry.
func (x *Extractor) Extract(entry store.Entry) (string, error) {
	var payload any
	dec := json.NewDecoder(bytes.NewReader(entry.Payload))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return "", fmt.Errorf("invalid payload: %w", err)
	}

	out, err := expr.Run(x.program, extractEnv(entry, payload))
	if err != nil {
		return "", fmt.Errorf("evaluating %q: %w", x.expression, err)
	}

	var src string
	switch v := out.(type) {
	case nil:
		return "", errNoSource
	case string:
		src = v
	case []any:
		lines := make([]string, 0, len(v))
		for i, l := range v {
			s, ok := l.(string)
			if !ok {
				return "", fmt.Errorf("element %d of %q is %T, not a string", i, x.expression, l)
			}
			lines = append(lines, s)
		}
		src = strings.Join(lines, "\n")
	default:
		return "", fmt.Errorf("%q evaluated to %T, not a string", x.expression, out)
	}

	src = strings.TrimSpace(src)
	if src == "" {
		return "", errNoSource
	}
	return src, nil
}

// String returns the expression.
func (x *Extractor) String() string {
	return x.expression
}

func extractEnv(entry store.Entry, payload any) map[string]any {
	if payload == nil {
		payload = map[string]any{}
	}
	return map[string]any{
		"key":      entry.Key,
		"origin":   entry.Origin.String(),
		"fileName": entry.FileName,
		"payload":  payload,
	}
}
