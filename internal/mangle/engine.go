package mangle

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"scrapingbrowser-mcp-server/internal/browser"
	"scrapingbrowser-mcp-server/internal/config"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	"github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"
	"go.uber.org/zap"
)

// Fact is one extensional fact fed to the rules.
type Fact struct {
	Predicate string        `json:"predicate"`
	Args      []interface{} `json:"args"`
	Timestamp time.Time     `json:"timestamp"`
}

// Finding is a fact derived by a rule, reported back to the caller.
type Finding struct {
	Kind    string        `json:"kind"`
	Summary string        `json:"summary"`
	Args    []interface{} `json:"args"`
}

// BuiltinRules derive findings from console and network diagnostics.
const BuiltinRules = `
Decl console_event(Type, Msg, Ts).
Decl net_request(Id, Url, Method, ResourceType).
Decl net_status(Id, Status, Class).

failed_request(Id, Url, Status) :- net_request(Id, Url, _, _), net_status(Id, Status, "client_error").
failed_request(Id, Url, Status) :- net_request(Id, Url, _, _), net_status(Id, Status, "server_error").

document_error(Url, Status) :- net_request(Id, Url, _, "document"), net_status(Id, Status, "client_error").
document_error(Url, Status) :- net_request(Id, Url, _, "document"), net_status(Id, Status, "server_error").

console_error(Msg, Ts) :- console_event("error", Msg, Ts).

answered(Id) :- net_status(Id, _, _).
pending_request(Id, Url) :- net_request(Id, Url, _, _), !answered(Id).
`

// helperPredicates are rule heads that only support other rules.
var helperPredicates = map[string]bool{
	"answered": true,
}

// Engine evaluates diagnostics rules. Each evaluation runs against a fresh
// store, so results describe exactly the facts passed in.
type Engine struct {
	cfg config.MangleConfig
	log *zap.Logger

	mu          sync.RWMutex
	source      string
	extra       []string
	programInfo *analysis.ProgramInfo
	derived     map[ast.PredicateSym]bool
}

// NewEngine compiles the builtin rules plus any rules file named by cfg.
func NewEngine(cfg config.MangleConfig, log *zap.Logger) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{cfg: cfg, log: log, derived: make(map[ast.PredicateSym]bool)}
	if !cfg.Enable {
		return e, nil
	}

	src, err := e.baseSource()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(src) == "" {
		return e, nil
	}
	if err := e.compile(src); err != nil {
		return nil, err
	}
	return e, nil
}

// baseSource is the builtin rules followed by the rules file.
func (e *Engine) baseSource() (string, error) {
	var b strings.Builder
	if !e.cfg.DisableBuiltin {
		b.WriteString(BuiltinRules)
	}
	if e.cfg.RulesPath != "" {
		data, err := os.ReadFile(e.cfg.RulesPath)
		if err != nil {
			return "", fmt.Errorf("read rules: %w", err)
		}
		b.WriteString("\n")
		b.Write(data)
	}
	return b.String(), nil
}

// AddRule appends rule source to the program and recompiles it. On failure the
// previous program stays in place.
func (e *Engine) AddRule(ruleSource string) error {
	if !e.cfg.Enable {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.source + "\n" + ruleSource
	if err := e.compileLocked(next); err != nil {
		return err
	}
	e.extra = append(e.extra, ruleSource)
	return nil
}

// Reload re-reads the rules file and recompiles it together with the builtin
// rules and every rule added since start. On failure the previous program
// stays in place.
func (e *Engine) Reload() error {
	if !e.cfg.Enable {
		return nil
	}
	base, err := e.baseSource()
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	src := base
	for _, rule := range e.extra {
		src += "\n" + rule
	}
	if err := e.compileLocked(src); err != nil {
		return err
	}
	e.log.Info("diagnostics rules reloaded", zap.String("path", e.cfg.RulesPath))
	return nil
}

func (e *Engine) compile(src string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.compileLocked(src)
}

func (e *Engine) compileLocked(src string) error {
	unit, err := parse.Unit(bytes.NewReader([]byte(src)))
	if err != nil {
		return fmt.Errorf("parse rules: %w", err)
	}
	programInfo, err := analysis.AnalyzeOneUnit(unit, make(map[ast.PredicateSym]ast.Decl))
	if err != nil {
		return fmt.Errorf("analyze rules: %w", err)
	}

	derived := make(map[ast.PredicateSym]bool)
	for _, clause := range unit.Clauses {
		if len(clause.Premises) == 0 || helperPredicates[clause.Head.Predicate.Symbol] {
			continue
		}
		derived[clause.Head.Predicate] = true
	}

	e.source = src
	e.programInfo = programInfo
	e.derived = derived
	return nil
}

// Ready reports whether a program is loaded.
func (e *Engine) Ready() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg.Enable && e.programInfo != nil
}

// Evaluate runs the program over facts and returns every derived fact of the
// finding predicates, sorted by predicate then arguments.
func (e *Engine) Evaluate(ctx context.Context, facts []Fact) ([]Fact, error) {
	if !e.Ready() {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if limit := e.cfg.FactBufferLimit; limit > 0 && len(facts) > limit {
		facts = facts[len(facts)-limit:]
	}

	e.mu.RLock()
	programInfo := e.programInfo
	derived := make([]ast.PredicateSym, 0, len(e.derived))
	for sym := range e.derived {
		derived = append(derived, sym)
	}
	e.mu.RUnlock()

	store := factstore.NewSimpleInMemoryStore()
	for _, f := range facts {
		store.Add(factToAtom(f))
	}
	if err := engine.EvalProgram(programInfo, store); err != nil {
		return nil, fmt.Errorf("eval program: %w", err)
	}

	out := make([]Fact, 0)
	for _, sym := range derived {
		args := make([]ast.BaseTerm, sym.Arity)
		for i := range args {
			args[i] = ast.Variable{Symbol: fmt.Sprintf("V%d", i)}
		}
		err := store.GetFacts(ast.Atom{Predicate: sym, Args: args}, func(atom ast.Atom) error {
			out = append(out, atomToFact(atom))
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("get facts: %w", err)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Predicate != out[j].Predicate {
			return out[i].Predicate < out[j].Predicate
		}
		return fmt.Sprint(out[i].Args) < fmt.Sprint(out[j].Args)
	})
	e.log.Debug("diagnostics rules evaluated", zap.Int("facts", len(facts)), zap.Int("derived", len(out)))
	return out, nil
}

// AnalyzeDiagnostics turns a diagnostics report into findings.
func (e *Engine) AnalyzeDiagnostics(ctx context.Context, report browser.DiagnosticsReport) ([]Finding, error) {
	derived, err := e.Evaluate(ctx, FactsFromDiagnostics(report))
	if err != nil {
		return nil, err
	}
	findings := make([]Finding, 0, len(derived))
	for _, f := range derived {
		findings = append(findings, Finding{Kind: f.Predicate, Summary: summarize(f), Args: f.Args})
	}
	return findings, nil
}

// FactsFromDiagnostics encodes console and network records as facts. Requests
// are numbered by position; a request with a status also yields net_status.
func FactsFromDiagnostics(report browser.DiagnosticsReport) []Fact {
	facts := make([]Fact, 0, len(report.ConsoleTail)+2*len(report.NetworkTail))
	for _, msg := range report.ConsoleTail {
		facts = append(facts, Fact{
			Predicate: "console_event",
			Args:      []interface{}{strings.ToLower(msg.Type), msg.Message, msg.Timestamp},
			Timestamp: time.UnixMilli(msg.Timestamp),
		})
	}
	for i, req := range report.NetworkTail {
		id := fmt.Sprintf("req-%d", i+1)
		ts := time.UnixMilli(req.Timestamp)
		facts = append(facts, Fact{
			Predicate: "net_request",
			Args:      []interface{}{id, req.URL, req.Method, req.ResourceType},
			Timestamp: ts,
		})
		if req.StatusCode != nil {
			facts = append(facts, Fact{
				Predicate: "net_status",
				Args:      []interface{}{id, *req.StatusCode, StatusClass(*req.StatusCode)},
				Timestamp: ts,
			})
		}
	}
	return facts
}

// StatusClass buckets an HTTP status code.
func StatusClass(status int) string {
	switch {
	case status >= 500:
		return "server_error"
	case status >= 400:
		return "client_error"
	case status >= 300:
		return "redirect"
	case status >= 200:
		return "success"
	default:
		return "informational"
	}
}

func summarize(f Fact) string {
	arg := func(i int) interface{} {
		if i < len(f.Args) {
			return f.Args[i]
		}
		return ""
	}
	switch f.Predicate {
	case "failed_request":
		return fmt.Sprintf("request to %v failed with status %v", arg(1), arg(2))
	case "document_error":
		return fmt.Sprintf("document %v returned status %v", arg(0), arg(1))
	case "console_error":
		return fmt.Sprintf("console error: %v", arg(0))
	case "pending_request":
		return fmt.Sprintf("request to %v has no response yet", arg(1))
	default:
		parts := make([]string, len(f.Args))
		for i, a := range f.Args {
			parts[i] = fmt.Sprint(a)
		}
		return fmt.Sprintf("%s(%s)", f.Predicate, strings.Join(parts, ", "))
	}
}

func factToAtom(f Fact) ast.Atom {
	args := make([]ast.BaseTerm, len(f.Args))
	for i, arg := range f.Args {
		args[i] = toConstant(arg)
	}
	return ast.Atom{
		Predicate: ast.PredicateSym{Symbol: f.Predicate, Arity: len(f.Args)},
		Args:      args,
	}
}

func atomToFact(atom ast.Atom) Fact {
	args := make([]interface{}, len(atom.Args))
	for i, arg := range atom.Args {
		args[i] = convertConstant(arg)
	}
	return Fact{Predicate: atom.Predicate.Symbol, Args: args, Timestamp: time.Now()}
}

func toConstant(v interface{}) ast.Constant {
	switch val := v.(type) {
	case string:
		return ast.String(val)
	case int:
		return ast.Number(int64(val))
	case int64:
		return ast.Number(val)
	case float64:
		return ast.Float64(val)
	case bool:
		if val {
			return ast.String("true")
		}
		return ast.String("false")
	default:
		return ast.String(fmt.Sprintf("%v", v))
	}
}

func convertConstant(c ast.BaseTerm) interface{} {
	switch term := c.(type) {
	case ast.Constant:
		switch term.Type {
		case ast.StringType:
			val, _ := term.StringValue()
			return val
		case ast.NumberType:
			return term.NumValue
		case ast.Float64Type:
			if val, err := term.Float64Value(); err == nil {
				return val
			}
		}
		return term.String()
	case ast.Variable:
		return term.Symbol
	default:
		return fmt.Sprintf("%v", c)
	}
}
