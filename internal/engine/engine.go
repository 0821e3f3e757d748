// Package engine implements the conversational flow execution engine.
//
// Given a resolved tenant and a normalized inbound event, the engine
// advances the citizen's session through the tenant's flow graph and
// emits outbound actions. Runs are serialized per (tenant, citizen)
// key; different citizens' conversations execute fully in parallel.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/civicflow/civicflow/internal/flowgraph"
	"github.com/civicflow/civicflow/internal/models"
	"github.com/civicflow/civicflow/internal/store"
)

// MaxChainSteps bounds one pass-through chain. Production graphs are
// edited by non-engineers; a cycle of message/delay nodes must fail
// loudly instead of looping forever.
const MaxChainSteps = 64

// Dispatcher delivers one outbound action on the tenant's channel.
// Defined here to keep the engine decoupled from payload rendering.
type Dispatcher interface {
	Dispatch(ctx context.Context, binding models.ChannelBinding, to string, action models.Action) (models.DeliveryReceipt, error)
}

// Engine is the flow state machine.
type Engine struct {
	sessions   store.SessionRepo
	flows      flowgraph.Provider
	dispatcher Dispatcher
	keys       *keyedMutex

	// sleep implements Wait for delay nodes; injectable for tests.
	sleep func(ctx context.Context, d time.Duration)
}

// New creates an engine over the given session store, flow provider,
// and dispatcher.
func New(sessions store.SessionRepo, flows flowgraph.Provider, dispatcher Dispatcher) *Engine {
	return &Engine{
		sessions:   sessions,
		flows:      flows,
		dispatcher: dispatcher,
		keys:       newKeyedMutex(),
		sleep:      ctxSleep,
	}
}

func ctxSleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// HandleEvent runs the state machine for one inbound event. The event
// has already passed the idempotency guard and tenant resolution.
//
// Errors are internal outcomes for the audit trail; the webhook layer
// acknowledges the provider regardless.
func (e *Engine) HandleEvent(ctx context.Context, tenant models.Tenant, binding models.ChannelBinding, event models.InboundEvent) error {
	if event.From == "" {
		return models.ErrEmptyAddress
	}

	unlock := e.keys.Lock(tenant.ID + "|" + event.From)
	defer unlock()

	sess, err := e.sessions.LoadOrCreate(ctx, tenant.ID, event.From)
	if err != nil {
		slog.Error("Engine could not load session, dropping event", "error", err, "tenant_id", tenant.ID, "message_id", event.MessageID)
		return err
	}

	if sess.AwaitingTrigger() {
		return e.handleTriggerCandidate(ctx, tenant, binding, event, sess)
	}
	return e.handleInConversation(ctx, binding, event, sess)
}

// handleTriggerCandidate matches the first inbound message of a
// conversation against the tenant's active flow triggers. No match
// means silent ignore: no session is created and no reply is sent.
func (e *Engine) handleTriggerCandidate(ctx context.Context, tenant models.Tenant, binding models.ChannelBinding, event models.InboundEvent, sess *models.Session) error {
	if event.Kind != models.EventText && event.Kind != models.EventMedia {
		slog.Debug("Engine ignoring non-text event without session", "kind", event.Kind, "from", event.From)
		return nil
	}

	g, err := e.flows.ActiveFlow(ctx, tenant.ID)
	if err != nil {
		if errors.Is(err, models.ErrFlowNotFound) {
			slog.Debug("Engine no active flow for tenant", "tenant_id", tenant.ID)
			return nil
		}
		return err
	}

	entry, ok := g.MatchTrigger(event.Text)
	if !ok {
		slog.Debug("Engine no trigger match", "tenant_id", tenant.ID, "from", event.From)
		return nil
	}

	slog.Info("Engine trigger matched, starting conversation", "tenant_id", tenant.ID, "flow_id", g.ID, "entry_node", entry, "from", event.From)
	sess.FlowID = g.ID
	return e.runFrom(ctx, g, binding, sess, entry)
}

// handleInConversation advances an existing session by one transition.
func (e *Engine) handleInConversation(ctx context.Context, binding models.ChannelBinding, event models.InboundEvent, sess *models.Session) error {
	g, err := e.flows.FlowByID(ctx, sess.FlowID)
	if err != nil {
		slog.Error("Engine could not load session's flow", "error", err, "flow_id", sess.FlowID, "tenant_id", sess.TenantID)
		return err
	}

	node, ok := g.Node(sess.CurrentNode)
	if !ok {
		slog.Error("Engine session points at node missing from graph", "node", sess.CurrentNode, "flow_id", g.ID)
		return fmt.Errorf("session at node %q: %w", sess.CurrentNode, models.ErrMissingNode)
	}

	switch node.Type {
	case models.NodeChoice, models.NodeList:
		return e.handleSelection(ctx, g, binding, event, sess, node)
	case models.NodeInput:
		return e.handleInput(ctx, g, binding, event, sess, node)
	default:
		// A pass-through node as the stored state means a previous run
		// was interrupted mid-chain; resume from it.
		slog.Warn("Engine resuming interrupted chain", "node", node.ID, "type", node.Type, "flow_id", g.ID)
		return e.runFrom(ctx, g, binding, sess, node.ID)
	}
}

// handleSelection processes a reply at a choice/list node. A selection
// matching no edge falls back to the node's default branch; with no
// default the node re-prompts itself exactly once and the session does
// not move.
func (e *Engine) handleSelection(ctx context.Context, g *flowgraph.Graph, binding models.ChannelBinding, event models.InboundEvent, sess *models.Session, node models.Node) error {
	selection := resolveSelection(node, event)

	// EdgeFor falls back to the node's handle-less default edge, so an
	// unparseable reply still advances when the author provided one.
	if edge, ok := g.EdgeFor(node.ID, selection); ok {
		return e.runFrom(ctx, g, binding, sess, edge.Target)
	}

	// Unrecognized selection and no default branch: self-loop.
	slog.Debug("Engine re-prompting unmatched selection", "node", node.ID, "selection", selection, "kind", event.Kind)
	e.emit(ctx, binding, sess.Address, promptFor(node))
	if err := e.sessions.Save(ctx, sess); err != nil {
		slog.Error("Engine failed to save session after re-prompt", "error", err, "tenant_id", sess.TenantID)
		return err
	}
	return nil
}

// resolveSelection extracts the effective option id from the event.
// Interactive replies carry the option id directly. Text replies are
// accepted as a menu number or an exact option label, so citizens on
// text-only channels can still answer.
func resolveSelection(node models.Node, event models.InboundEvent) string {
	switch event.Kind {
	case models.EventChoiceReply, models.EventListReply:
		return event.SelectionID
	case models.EventText:
		text := strings.TrimSpace(event.Text)
		if n, err := strconv.Atoi(text); err == nil {
			if n >= 1 && n <= len(node.Options) {
				return node.Options[n-1].ID
			}
			return ""
		}
		for _, opt := range node.Options {
			if strings.EqualFold(opt.Label, text) {
				return opt.ID
			}
		}
	}
	return ""
}

// handleInput captures free text at an input node and advances. Replies
// failing the node's validation rule re-prompt without advancing.
func (e *Engine) handleInput(ctx context.Context, g *flowgraph.Graph, binding models.ChannelBinding, event models.InboundEvent, sess *models.Session, node models.Node) error {
	value := strings.TrimSpace(event.Text)
	if !validInput(node.Rule, value) {
		slog.Debug("Engine input failed validation, re-prompting", "node", node.ID, "rule", node.Rule)
		e.emit(ctx, binding, sess.Address, models.SendText{Body: node.Text})
		if err := e.sessions.Save(ctx, sess); err != nil {
			return err
		}
		return nil
	}

	sess.Capture(node.ID, value)

	edges := g.Outgoing(node.ID)
	if len(edges) == 0 {
		slog.Warn("Engine input node has no outgoing edge, ending conversation", "node", node.ID, "flow_id", g.ID)
		return e.endConversation(ctx, binding, sess)
	}
	if len(edges) > 1 {
		slog.Warn("Engine malformed graph: input node branches, using first edge", "node", node.ID, "edges", len(edges))
	}
	return e.runFrom(ctx, g, binding, sess, edges[0].Target)
}

var (
	numberRe = regexp.MustCompile(`^[0-9]+$`)
	emailRe  = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	phoneRe  = regexp.MustCompile(`^\+?[0-9]{6,15}$`)
)

func validInput(rule models.InputRule, value string) bool {
	if value == "" {
		return false
	}
	switch rule {
	case models.RuleNumber:
		return numberRe.MatchString(value)
	case models.RuleEmail:
		return emailRe.MatchString(value)
	case models.RulePhone:
		return phoneRe.MatchString(value)
	default:
		return true
	}
}

// runFrom executes the chain starting at nodeID: pass-through nodes
// emit their action and advance immediately; the chain stops at a node
// that waits for input or at an end node. The session is saved in its
// post-transition state even when a send fails along the way.
func (e *Engine) runFrom(ctx context.Context, g *flowgraph.Graph, binding models.ChannelBinding, sess *models.Session, nodeID string) error {
	for step := 0; ; step++ {
		if step >= MaxChainSteps {
			slog.Error("Engine pass-through chain exceeded limit", "flow_id", g.ID, "node", nodeID, "limit", MaxChainSteps)
			if err := e.sessions.Save(ctx, sess); err != nil {
				slog.Error("Engine failed to save session after chain abort", "error", err)
			}
			return fmt.Errorf("pass-through chain exceeded %d steps in flow %s", MaxChainSteps, g.ID)
		}

		node, ok := g.Node(nodeID)
		if !ok {
			slog.Error("Engine edge target missing from graph", "node", nodeID, "flow_id", g.ID)
			if err := e.sessions.Save(ctx, sess); err != nil {
				slog.Error("Engine failed to save session after missing node", "error", err)
			}
			return fmt.Errorf("node %q: %w", nodeID, models.ErrMissingNode)
		}
		sess.CurrentNode = node.ID

		switch node.Type {
		case models.NodeStart:
			// Entry marker, no action.
		case models.NodeMessage:
			e.emit(ctx, binding, sess.Address, models.SendText{Body: node.Text})
		case models.NodeDelay:
			d := time.Duration(node.DelaySeconds) * time.Second
			e.emit(ctx, binding, sess.Address, models.Wait{Duration: d})
			e.sleep(ctx, d)
		case models.NodeChoice:
			e.emit(ctx, binding, sess.Address, promptFor(node))
			return e.sessions.Save(ctx, sess)
		case models.NodeList:
			e.emit(ctx, binding, sess.Address, promptFor(node))
			return e.sessions.Save(ctx, sess)
		case models.NodeInput:
			e.emit(ctx, binding, sess.Address, models.SendText{Body: node.Text})
			return e.sessions.Save(ctx, sess)
		case models.NodeEnd:
			return e.endConversation(ctx, binding, sess)
		}

		edges := g.Outgoing(node.ID)
		if len(edges) == 0 {
			slog.Warn("Engine pass-through node has no outgoing edge, ending conversation", "node", node.ID, "flow_id", g.ID)
			return e.endConversation(ctx, binding, sess)
		}
		if len(edges) > 1 {
			slog.Warn("Engine malformed graph: pass-through node branches, using first edge", "node", node.ID, "type", node.Type, "edges", len(edges))
		}
		nodeID = edges[0].Target
	}
}

// endConversation emits EndConversation and removes the session.
func (e *Engine) endConversation(ctx context.Context, binding models.ChannelBinding, sess *models.Session) error {
	e.emit(ctx, binding, sess.Address, models.EndConversation{})
	if err := e.sessions.Delete(ctx, sess.TenantID, sess.Address); err != nil {
		slog.Error("Engine failed to delete ended session", "error", err, "tenant_id", sess.TenantID)
		return err
	}
	slog.Info("Engine conversation ended", "tenant_id", sess.TenantID, "flow_id", sess.FlowID)
	return nil
}

// emit dispatches one action. A send failure is a delivery failure, not
// a state-machine failure: it is logged and the transition proceeds, so
// one bad send cannot wedge the conversation.
func (e *Engine) emit(ctx context.Context, binding models.ChannelBinding, to string, action models.Action) {
	if _, err := e.dispatcher.Dispatch(ctx, binding, to, action); err != nil {
		slog.Error("Engine delivery failure", "error", err, "action", action.Kind(), "to", to)
	}
}

// promptFor renders the waiting prompt for a choice/list node, used
// both on entry and on re-prompt.
func promptFor(node models.Node) models.Action {
	if node.Type == models.NodeList {
		return models.SendList{Body: node.Text, ButtonLabel: node.ButtonLabel, Options: node.Options}
	}
	return models.SendChoiceButtons{Body: node.Text, Options: node.Options}
}
