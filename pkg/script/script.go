// Package script compiles user scripts into stage callables and span hooks
// on top of expr-lang/expr.
//
// Filter scripts are a single boolean expression. Exec and hook scripts are
// statements separated by ';'. In exec scripts a statement may assign a
// field (`level = upper(e.level)`, `e.status = 200`, `e["@t"] = now()`);
// assigning nil removes the field. Every other statement is evaluated for its
// side effects, which is how the track_*, state_* and print functions are
// used.
package script

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/logflow/logstream/internal/model"
	lserrors "github.com/logflow/logstream/pkg/errors"
	"github.com/logflow/logstream/pkg/stage"
)

var (
	bareTarget  = regexp.MustCompile(`^(?:e\.)?([A-Za-z_][A-Za-z0-9_]*)$`)
	indexTarget = regexp.MustCompile(`^e\[\s*(?:"([^"]*)"|'([^']*)')\s*\]$`)
	stateUse    = regexp.MustCompile(`\bstate_(get|set|has)\s*\(`)
	windowUse   = regexp.MustCompile(`\bwindow_(values|numbers|len)\s*\(`)
)

// Option configures compilation.
type Option func(*options)

type options struct {
	out io.Writer
}

// WithOutput sets where print() writes. Writes are serialized so parallel
// workers never interleave within a line.
func WithOutput(w io.Writer) Option {
	return func(o *options) { o.out = w }
}

func buildOptions(opts []Option) options {
	o := options{out: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}
	o.out = &lockedWriter{w: o.out}
	return o
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

type statement struct {
	field string // assignment target; empty for expression statements
	src   string
	prog  *vm.Program
}

type program struct {
	src   string
	stmts []statement
	caps  stage.Capability
	out   io.Writer
}

// Source returns the script text.
func (p *program) Source() string { return p.src }

// Capabilities reports the sequential-only facilities the script calls.
func (p *program) Capabilities() stage.Capability { return p.caps }

func capabilities(src string) stage.Capability {
	var caps stage.Capability
	if stateUse.MatchString(src) {
		caps |= stage.CapState
	}
	if windowUse.MatchString(src) {
		caps |= stage.CapWindow
	}
	return caps
}

func compileExpr(src string) (*vm.Program, error) {
	// No Env option: identifiers resolve at run time against the per-call
	// environment map, which carries the event and the helper functions.
	return expr.Compile(src)
}

func compileStatements(kind, src string, allowAssign bool, o options) (*program, error) {
	p := &program{src: src, caps: capabilities(src), out: o.out}
	for _, raw := range splitStatements(src) {
		st := statement{src: raw}
		body := raw
		if i := assignIndex(raw); i >= 0 {
			if !allowAssign {
				return nil, lserrors.Config("%s script: assignment is only allowed in exec scripts: %q", kind, raw)
			}
			field, ok := assignTarget(strings.TrimSpace(raw[:i]))
			if !ok {
				return nil, lserrors.Config("%s script: invalid assignment target in %q", kind, raw)
			}
			st.field = field
			body = strings.TrimSpace(raw[i+1:])
		}
		prog, err := compileExpr(body)
		if err != nil {
			return nil, lserrors.Wrapf(err, lserrors.CodeConfig, "%s script does not compile", kind).
				WithContext("statement", raw)
		}
		st.prog = prog
		p.stmts = append(p.stmts, st)
	}
	if len(p.stmts) == 0 {
		return nil, lserrors.Config("%s script is empty", kind)
	}
	return p, nil
}

// Filter is a compiled predicate script.
type Filter struct {
	program
}

// CompileFilter compiles a boolean expression.
func CompileFilter(src string, opts ...Option) (*Filter, error) {
	o := buildOptions(opts)
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, lserrors.Config("filter script is empty")
	}
	prog, err := compileExpr(src)
	if err != nil {
		return nil, lserrors.Wrap(err, lserrors.CodeConfig, "filter script does not compile").
			WithContext("script", src)
	}
	return &Filter{program{
		src:   src,
		stmts: []statement{{src: src, prog: prog}},
		caps:  capabilities(src),
		out:   o.out,
	}}, nil
}

// Invoke implements stage.Callable.
func (f *Filter) Invoke(e *model.Event, ctx *stage.Context) (stage.Verdict, error) {
	rt := newRuntime(ctx, f.out)
	out, err := expr.Run(f.stmts[0].prog, rt.eventEnv(e))
	if err != nil {
		return stage.Verdict{}, err
	}
	keep, ok := out.(bool)
	if !ok {
		return stage.Verdict{}, fmt.Errorf("filter returned %T, want bool", out)
	}
	return stage.Verdict{Keep: keep}, nil
}

// Exec is a compiled transform script.
type Exec struct {
	program
}

// CompileExec compiles a statement list that may assign fields.
func CompileExec(src string, opts ...Option) (*Exec, error) {
	p, err := compileStatements("exec", src, true, buildOptions(opts))
	if err != nil {
		return nil, err
	}
	return &Exec{*p}, nil
}

// Invoke implements stage.Callable. Statements see the assignments of
// earlier statements. Calling drop() discards the event once the script
// finishes.
func (x *Exec) Invoke(e *model.Event, ctx *stage.Context) (stage.Verdict, error) {
	rt := newRuntime(ctx, x.out)
	env := rt.eventEnv(e)
	fields := env["e"].(map[string]interface{})
	for _, st := range x.stmts {
		out, err := expr.Run(st.prog, env)
		if err != nil {
			return stage.Verdict{}, err
		}
		if st.field == "" {
			continue
		}
		if out == nil {
			e.Delete(st.field)
			delete(fields, st.field)
			continue
		}
		e.Set(st.field, out)
		fields[st.field], _ = e.Get(st.field)
	}
	if rt.dropped {
		return stage.Verdict{}, nil
	}
	return stage.Verdict{Event: e, Keep: true}, nil
}

// Hook is a compiled begin, end or span-close script.
type Hook struct {
	program
}

// CompileHook compiles a statement list run for its side effects.
func CompileHook(src string, opts ...Option) (*Hook, error) {
	p, err := compileStatements("hook", src, false, buildOptions(opts))
	if err != nil {
		return nil, err
	}
	return &Hook{*p}, nil
}

// Run evaluates the hook with vars bound as top-level names.
func (h *Hook) Run(vars map[string]interface{}, ctx *stage.Context) error {
	rt := newRuntime(ctx, h.out)
	env := rt.env()
	for k, v := range vars {
		env[k] = v
	}
	for _, st := range h.stmts {
		if _, err := expr.Run(st.prog, env); err != nil {
			return err
		}
	}
	return nil
}

func splitStatements(src string) []string {
	var out []string
	var quote rune
	escaped := false
	depth, start := 0, 0
	for i, r := range src {
		if quote != 0 {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == quote:
				quote = 0
			}
			continue
		}
		switch r {
		case '"', '\'', '`':
			quote = r
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case ';':
			if depth == 0 {
				out = append(out, src[start:i])
				start = i + 1
			}
		}
	}
	out = append(out, src[start:])

	stmts := out[:0]
	for _, s := range out {
		if s = strings.TrimSpace(s); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}

// assignIndex returns the index of a top-level '=' that is not part of a
// comparison operator, or -1.
func assignIndex(stmt string) int {
	var quote byte
	depth := 0
	for i := 0; i < len(stmt); i++ {
		c := stmt[i]
		if quote != 0 {
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'', '`':
			quote = c
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case '=':
			if depth != 0 {
				continue
			}
			if i+1 < len(stmt) && stmt[i+1] == '=' {
				i++
				continue
			}
			if i > 0 && strings.IndexByte("=!<>", stmt[i-1]) >= 0 {
				continue
			}
			return i
		}
	}
	return -1
}

func assignTarget(lhs string) (string, bool) {
	if m := bareTarget.FindStringSubmatch(lhs); m != nil {
		return m[1], true
	}
	if m := indexTarget.FindStringSubmatch(lhs); m != nil {
		if m[1] != "" {
			return m[1], true
		}
		return m[2], m[2] != ""
	}
	return "", false
}
