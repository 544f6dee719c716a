// Package gate implements the human review gate protocol: a gated phase opens a
// request, parks until an authorized reviewer decides or the deadline passes, and
// every resolution is written to the audit chain.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hochfrequenz/epistemic-engine/internal/audit"
	"github.com/hochfrequenz/epistemic-engine/internal/domain"
)

// NoTimeout makes Await wait until a decision or cancellation
const NoTimeout time.Duration = -1

// AutoApprovedMarker is recorded with every automated gate resolution
const AutoApprovedMarker = "auto-approved, human oversight bypassed"

// SystemActor is the actor role recorded for automated resolutions
const SystemActor = "system"

// Options configures a Controller
type Options struct {
	Roles    RoleHierarchy
	Clock    func() time.Time
	Logger   *slog.Logger
	OnChange func(domain.GateRequest)
	// NewID names the request for a phase of a run; defaults to a random UUID
	NewID func(runID string, phaseIndex int) string
}

// Controller owns gate requests for the runs of one engine
type Controller struct {
	audit    audit.Appender
	roles    RoleHierarchy
	now      func() time.Time
	log      *slog.Logger
	onChange func(domain.GateRequest)
	newID    func(string, int) string

	mu       sync.Mutex
	requests map[string]*entry
	order    []string
	openID   string
}

type entry struct {
	req  domain.GateRequest
	done chan struct{}
	err  error
}

type decisionRecord struct {
	GateID       string            `json:"gate_id"`
	RunID        string            `json:"run_id"`
	PhaseIndex   int               `json:"phase_index"`
	RequiredRole string            `json:"required_role"`
	Decision     domain.GateStatus `json:"decision"`
	ActorRole    string            `json:"actor_role"`
	Rationale    string            `json:"rationale"`
	Timestamp    time.Time         `json:"timestamp"`
	AutoApproved bool              `json:"auto_approved,omitempty"`
	Note         string            `json:"note,omitempty"`
}

type timeoutRecord struct {
	GateID       string    `json:"gate_id"`
	RunID        string    `json:"run_id"`
	PhaseIndex   int       `json:"phase_index"`
	RequiredRole string    `json:"required_role"`
	Cause        string    `json:"cause"`
	Timestamp    time.Time `json:"timestamp"`
}

// NewController creates a Controller recording decisions to chain
func NewController(chain audit.Appender, opts Options) *Controller {
	c := &Controller{
		audit:    chain,
		roles:    opts.Roles,
		now:      opts.Clock,
		log:      opts.Logger,
		onChange: opts.OnChange,
		newID:    opts.NewID,
		requests: make(map[string]*entry),
	}
	if c.roles == nil {
		c.roles = DefaultLadder()
	}
	if c.now == nil {
		c.now = func() time.Time { return time.Now().UTC() }
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.newID == nil {
		c.newID = func(string, int) string { return uuid.NewString() }
	}
	return c
}

// Open creates a pending request for a gated phase of runID
func (c *Controller) Open(runID string, phaseIndex int, requiredRole string) (domain.GateRequest, error) {
	c.mu.Lock()
	if c.openID != "" {
		open := c.requests[c.openID].req
		c.mu.Unlock()
		return domain.GateRequest{}, fmt.Errorf("%w: %s (phase %d)", domain.ErrGateAlreadyOpen, open.ID, open.PhaseIndex)
	}
	id := c.newID(runID, phaseIndex)
	if _, dup := c.requests[id]; dup {
		c.mu.Unlock()
		return domain.GateRequest{}, fmt.Errorf("%w: id %s already used", domain.ErrGateAlreadyClosed, id)
	}

	e := &entry{
		req: domain.GateRequest{
			ID:           id,
			RunID:        runID,
			PhaseIndex:   phaseIndex,
			RequiredRole: requiredRole,
			CreatedAt:    c.now(),
			Status:       domain.GatePending,
		},
		done: make(chan struct{}),
	}
	c.requests[e.req.ID] = e
	c.order = append(c.order, e.req.ID)
	c.openID = e.req.ID
	req := e.req
	c.mu.Unlock()

	c.log.Info("gate opened", "run_id", runID, "gate_id", req.ID, "phase", phaseIndex, "required_role", requiredRole)
	c.changed(req)
	return req, nil
}

// Decide resolves a pending request on behalf of a human reviewer
func (c *Controller) Decide(gateID string, decision domain.Decision, actorRole, rationale string) (domain.GateRequest, error) {
	c.mu.Lock()
	e, ok := c.requests[gateID]
	if !ok {
		c.mu.Unlock()
		return domain.GateRequest{}, fmt.Errorf("%w: %s", domain.ErrUnknownGate, gateID)
	}
	var status domain.GateStatus
	switch decision {
	case domain.DecisionApprove:
		status = domain.GateApproved
	case domain.DecisionReject:
		status = domain.GateRejected
	default:
		c.mu.Unlock()
		return domain.GateRequest{}, fmt.Errorf("%w: %q", domain.ErrInvalidDecision, decision)
	}
	if !c.roles.Outranks(actorRole, e.req.RequiredRole) {
		c.mu.Unlock()
		return domain.GateRequest{}, fmt.Errorf("%w: %q cannot decide for %q", domain.ErrRoleMismatch, actorRole, e.req.RequiredRole)
	}
	if e.req.Status.IsTerminal() || e.err != nil {
		c.mu.Unlock()
		return domain.GateRequest{}, fmt.Errorf("%w: %s is %s", domain.ErrGateAlreadyClosed, gateID, e.req.Status)
	}

	now := c.now()
	_, err := c.audit.Append(domain.EventGateDecision, decisionRecord{
		GateID:       gateID,
		RunID:        e.req.RunID,
		PhaseIndex:   e.req.PhaseIndex,
		RequiredRole: e.req.RequiredRole,
		Decision:     status,
		ActorRole:    actorRole,
		Rationale:    rationale,
		Timestamp:    now,
	})
	if err != nil {
		c.fail(e, err)
		c.mu.Unlock()
		return domain.GateRequest{}, err
	}
	c.resolve(e, status, actorRole, rationale, now)
	req := e.req
	c.mu.Unlock()

	c.log.Info("gate decided", "gate_id", gateID, "decision", status, "actor_role", actorRole)
	c.changed(req)
	return req, nil
}

// AutoApprove resolves a pending request without a human. It is only used
// when gate enforcement is disabled and is audited as such.
func (c *Controller) AutoApprove(gateID string) (domain.GateRequest, error) {
	c.mu.Lock()
	e, ok := c.requests[gateID]
	if !ok {
		c.mu.Unlock()
		return domain.GateRequest{}, fmt.Errorf("%w: %s", domain.ErrUnknownGate, gateID)
	}
	if e.req.Status.IsTerminal() || e.err != nil {
		c.mu.Unlock()
		return domain.GateRequest{}, fmt.Errorf("%w: %s is %s", domain.ErrGateAlreadyClosed, gateID, e.req.Status)
	}

	now := c.now()
	_, err := c.audit.Append(domain.EventGateDecision, decisionRecord{
		GateID:       gateID,
		RunID:        e.req.RunID,
		PhaseIndex:   e.req.PhaseIndex,
		RequiredRole: e.req.RequiredRole,
		Decision:     domain.GateAutoApproved,
		ActorRole:    SystemActor,
		Rationale:    AutoApprovedMarker,
		Timestamp:    now,
		AutoApproved: true,
		Note:         AutoApprovedMarker,
	})
	if err != nil {
		c.fail(e, err)
		c.mu.Unlock()
		return domain.GateRequest{}, err
	}
	c.resolve(e, domain.GateAutoApproved, SystemActor, AutoApprovedMarker, now)
	req := e.req
	c.mu.Unlock()

	c.log.Warn("gate auto-approved", "gate_id", gateID, "phase", req.PhaseIndex)
	c.changed(req)
	return req, nil
}

// Await blocks until the request is resolved. If timeout is not NoTimeout and
// elapses first, or ctx is cancelled, the request times out. A non-nil error
// means the resolution could not be audited.
func (c *Controller) Await(ctx context.Context, gateID string, timeout time.Duration) (domain.GateRequest, error) {
	c.mu.Lock()
	e, ok := c.requests[gateID]
	c.mu.Unlock()
	if !ok {
		return domain.GateRequest{}, fmt.Errorf("%w: %s", domain.ErrUnknownGate, gateID)
	}

	var deadline <-chan time.Time
	if timeout >= 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	select {
	case <-e.done:
	case <-deadline:
		c.expire(e, fmt.Sprintf("no decision within %s", timeout))
	case <-ctx.Done():
		cause := context.Cause(ctx)
		if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
			cause = domain.ErrAborted
		}
		c.expire(e, cause.Error())
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return e.req, e.err
}

func (c *Controller) expire(e *entry, cause string) {
	c.mu.Lock()
	if e.req.Status.IsTerminal() || e.err != nil {
		c.mu.Unlock()
		return
	}
	now := c.now()
	_, err := c.audit.Append(domain.EventGateTimedOut, timeoutRecord{
		GateID:       e.req.ID,
		RunID:        e.req.RunID,
		PhaseIndex:   e.req.PhaseIndex,
		RequiredRole: e.req.RequiredRole,
		Cause:        cause,
		Timestamp:    now,
	})
	if err != nil {
		c.fail(e, err)
		c.mu.Unlock()
		return
	}
	c.resolve(e, domain.GateTimedOut, "", cause, now)
	req := e.req
	c.mu.Unlock()

	c.log.Warn("gate timed out", "gate_id", req.ID, "phase", req.PhaseIndex, "cause", cause)
	c.changed(req)
}

// resolve and fail must be called with c.mu held
func (c *Controller) resolve(e *entry, status domain.GateStatus, actorRole, rationale string, at time.Time) {
	e.req.Status = status
	e.req.ActorRole = actorRole
	e.req.Rationale = rationale
	e.req.ResolvedAt = &at
	if c.openID == e.req.ID {
		c.openID = ""
	}
	close(e.done)
}

// fail wakes the waiter with an audit error; the request stays pending but is
// no longer the open gate, since nothing can be recorded for it.
func (c *Controller) fail(e *entry, err error) {
	if e.err != nil {
		return
	}
	e.err = err
	if c.openID == e.req.ID {
		c.openID = ""
	}
	close(e.done)
	c.log.Error("gate resolution not audited", "gate_id", e.req.ID, "err", err)
}

func (c *Controller) changed(req domain.GateRequest) {
	if c.onChange != nil {
		c.onChange(req)
	}
}

// Get returns the request with the given ID
func (c *Controller) Get(gateID string) (domain.GateRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.requests[gateID]
	if !ok {
		return domain.GateRequest{}, false
	}
	return e.req, true
}

// Current returns the open request, if any
func (c *Controller) Current() (domain.GateRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.openID == "" {
		return domain.GateRequest{}, false
	}
	return c.requests[c.openID].req, true
}

// History returns every request in creation order
func (c *Controller) History() []domain.GateRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.GateRequest, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.requests[id].req)
	}
	return out
}
