package browser

import (
	"sync"

	"github.com/felixgeelhaar/statekit"
)

const (
	stateHealthy   statekit.StateID = "healthy"
	stateResetting statekit.StateID = "resetting"

	eventFailure   statekit.EventType = "FAILURE"
	eventResetDone statekit.EventType = "RESET_DONE"
)

// HealOutcome describes what the self-heal path did for one failed interaction.
type HealOutcome struct {
	Domain      string           `json:"domain"`
	DidReset    bool             `json:"didReset"`
	ConsoleTail []ConsoleMessage `json:"consoleTail"`
	NetworkTail []NetworkRequest `json:"networkTail"`
}

// failurePayload rides on the FAILURE event.
type failurePayload struct {
	domain string
	err    error
}

// healContext is the statekit machine context.
type healContext struct {
	reset  func(domain string)
	resets int
}

// selfHealer runs the healthy/resetting machine. The interpreter is not safe
// for concurrent Send, so every transition happens under mu.
type selfHealer struct {
	mu     sync.Mutex
	hctx   *healContext
	interp *statekit.Interpreter[*healContext]
	diag   *DiagnosticsStore
}

func newSelfHealer(diag *DiagnosticsStore, reset func(domain string)) (*selfHealer, error) {
	hctx := &healContext{reset: reset}
	machine, err := statekit.NewMachine[*healContext]("self-heal").
		WithInitial(stateHealthy).
		WithContext(hctx).
		WithAction("resetDomain", resetDomain).
		WithGuard("isTransient", guardTransient).
		State(stateHealthy).
		On(eventFailure).Target(stateResetting).Guard("isTransient").Do("resetDomain").
		Done().
		State(stateResetting).
		On(eventResetDone).Target(stateHealthy).
		Done().
		Build()
	if err != nil {
		return nil, err
	}

	interp := statekit.NewInterpreter(machine)
	interp.UpdateContext(func(c **healContext) {
		*c = hctx
	})
	interp.Start()

	return &selfHealer{hctx: hctx, interp: interp, diag: diag}, nil
}

// Handle captures the domain's diagnostics tails and, when err carries a
// transient signature, resets the domain through the machine.
func (h *selfHealer) Handle(domain string, err error) HealOutcome {
	out := HealOutcome{
		Domain:      domain,
		ConsoleTail: h.diag.ConsoleTail(domain, 10),
		NetworkTail: h.diag.NetworkTail(domain, 20),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.interp.Send(statekit.Event{
		Type:    eventFailure,
		Payload: failurePayload{domain: domain, err: err},
	})
	if h.interp.Matches(stateResetting) {
		out.DidReset = true
		h.interp.Send(statekit.Event{Type: eventResetDone})
	}
	return out
}

// Resets returns how many resets the machine performed.
func (h *selfHealer) Resets() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hctx.resets
}

// State returns the current machine state.
func (h *selfHealer) State() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return string(h.interp.State().Value)
}

func guardTransient(_ *healContext, event statekit.Event) bool {
	p, ok := event.Payload.(failurePayload)
	return ok && IsTransient(p.err)
}

func resetDomain(ctx **healContext, event statekit.Event) {
	if ctx == nil || *ctx == nil {
		return
	}
	p, ok := event.Payload.(failurePayload)
	if !ok {
		return
	}
	c := *ctx
	if c.reset != nil {
		c.reset(p.domain)
	}
	c.resets++
}
