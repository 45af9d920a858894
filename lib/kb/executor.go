package kb

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/ichiban/prolog"
	"github.com/ichiban/prolog/engine"
)

// prologExecutor is an IExecutor backed by an embedded ISO Prolog interpreter.
// The interpreter is not safe for concurrent queries, so queries are serialized.
type prologExecutor struct {
	mu     sync.Mutex
	interp *prolog.Interpreter
}

// NewPrologExecutor creates a new, empty executor.
func NewPrologExecutor() IExecutor {
	return &prologExecutor{interp: newInterpreter()}
}

// newInterpreter creates an interpreter whose halt/0 and halt/1 raise a permission error
// instead of exiting the process.
func newInterpreter() *prolog.Interpreter {
	i := prolog.New(nil, nil)
	i.Register0(atomHalt, func(_ *engine.VM, _ engine.Cont, env *engine.Env) *engine.Promise {
		return engine.Error(haltError(0, env))
	})
	i.Register1(atomHalt, func(_ *engine.VM, _ engine.Term, _ engine.Cont, env *engine.Env) *engine.Promise {
		return engine.Error(haltError(1, env))
	})
	return i
}

var (
	atomHalt  = engine.NewAtom("halt")
	atomSlash = engine.NewAtom("/")
	atomIf    = engine.NewAtom(":-")
	atomDCG   = engine.NewAtom("-->")
)

func haltError(arity int, env *engine.Env) engine.Exception {
	pi := atomSlash.Apply(atomHalt, engine.Integer(arity))
	return engine.PermissionError(engine.NewAtom("access"), engine.NewAtom("private_procedure"), pi, env)
}

// --------------------------------------------------------------------------
// Interface Methods (docu see kb/interface.go)
// --------------------------------------------------------------------------

func (p *prologExecutor) Load(ctx context.Context, source string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.interp.ExecContext(ctx, source); err != nil {
		return fmt.Errorf("failed to load source: %w", err)
	}
	return nil
}

func (p *prologExecutor) Query(ctx context.Context, query string, limit int) ([]Bindings, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// only parse errors are returned here, everything else is raised while solving
	sols, err := p.interp.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	defer sols.Close()

	var out []Bindings
	for sols.Next() {
		m := map[string]prolog.TermString{}
		if err := sols.Scan(m); err != nil {
			return nil, err
		}
		b := make(Bindings, len(m))
		for name, term := range m {
			b[name] = string(term)
		}
		out = append(out, b)

		if limit > 0 && len(out) >= limit {
			break
		}
	}
	if err := sols.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Check consults the source in a scratch interpreter and returns the indicators of the
// predicates the source defines clauses for.
func (p *prologExecutor) Check(ctx context.Context, source string) ([]string, error) {
	scratch := newInterpreter()
	if err := scratch.ExecContext(ctx, source); err != nil {
		return nil, err
	}
	return definedPredicates(&scratch.VM, source)
}

// definedPredicates parses the clauses of source and returns the indicator of every clause head,
// in order of first appearance. Directives are skipped.
func definedPredicates(vm *engine.VM, source string) ([]string, error) {
	parser := engine.NewParser(vm, strings.NewReader(source))

	var out []string
	seen := make(map[string]struct{})
	for parser.More() {
		t, err := parser.Term()
		if err != nil {
			return nil, err
		}

		head, extra := t, 0
		if c, ok := t.(engine.Compound); ok && c.Arity() <= 2 {
			switch {
			case c.Functor() == atomIf && c.Arity() == 1:
				continue
			case c.Functor() == atomIf:
				head = c.Arg(0)
			case c.Functor() == atomDCG && c.Arity() == 2:
				head, extra = c.Arg(0), 2
			}
		}

		var pi string
		switch h := head.(type) {
		case engine.Atom:
			pi = indicator(h.String(), extra)
		case engine.Compound:
			pi = indicator(h.Functor().String(), h.Arity()+extra)
		default:
			continue
		}
		if _, ok := seen[pi]; !ok {
			seen[pi] = struct{}{}
			out = append(out, pi)
		}
	}
	return out, nil
}

var plainAtom = regexp.MustCompile(`^[a-z][a-zA-Z0-9_]*$`)

// indicator formats name/arity, quoting the name if it is not a plain atom.
func indicator(name string, arity int) string {
	if !plainAtom.MatchString(name) {
		r := strings.NewReplacer(`\`, `\\`, `'`, `\'`, "\n", `\n`)
		name = "'" + r.Replace(name) + "'"
	}
	return fmt.Sprintf("%s/%d", name, arity)
}
