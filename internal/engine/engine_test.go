package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/civicflow/civicflow/internal/flowgraph"
	"github.com/civicflow/civicflow/internal/models"
	"github.com/civicflow/civicflow/internal/store"
)

// recordingDispatcher captures emitted actions; optionally fails sends.
type recordingDispatcher struct {
	mu      sync.Mutex
	actions []models.Action
	fail    bool
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, binding models.ChannelBinding, to string, action models.Action) (models.DeliveryReceipt, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.actions = append(d.actions, action)
	if d.fail {
		return models.DeliveryReceipt{}, errors.New("provider unavailable")
	}
	return models.DeliveryReceipt{MessageID: "wamid.OUT"}, nil
}

func (d *recordingDispatcher) kinds() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.actions))
	for i, a := range d.actions {
		out[i] = a.Kind()
	}
	return out
}

func (d *recordingDispatcher) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.actions = nil
}

// grievanceFlow is the scenario graph from the engine's contract:
// trigger "hi" -> N1 (message "Welcome") -> N2 (choice) with
// "report" -> N3 -> N5 (input) -> N6 (end) and "status" -> N4 -> N6.
func grievanceFlow() *models.FlowGraph {
	return &models.FlowGraph{
		ID: "f1", TenantID: "t1", Active: true,
		Nodes: []models.Node{
			{ID: "N1", Type: models.NodeMessage, Text: "Welcome"},
			{ID: "N2", Type: models.NodeChoice, Text: "What do you need?", Options: []models.Option{
				{ID: "report", Label: "Report Issue"},
				{ID: "status", Label: "Check Status"},
			}},
			{ID: "N3", Type: models.NodeMessage, Text: "Please describe the issue."},
			{ID: "N4", Type: models.NodeMessage, Text: "Your application is being processed."},
			{ID: "N5", Type: models.NodeInput, Text: "Type the details of your complaint."},
			{ID: "N6", Type: models.NodeEnd},
		},
		Edges: []models.Edge{
			{Source: "N1", Target: "N2"},
			{Source: "N2", SourceHandle: "report", Target: "N3"},
			{Source: "N2", SourceHandle: "status", Target: "N4"},
			{Source: "N3", Target: "N5"},
			{Source: "N4", Target: "N6"},
			{Source: "N5", Target: "N6"},
		},
		Triggers: []models.Trigger{{Keyword: "hi", Target: "N1"}},
	}
}

type harness struct {
	repo       *store.InMemoryStore
	loader     *flowgraph.Loader
	dispatcher *recordingDispatcher
	engine     *Engine
	tenant     models.Tenant
	binding    models.ChannelBinding
	slept      []time.Duration
}

func newHarness(t *testing.T, flow *models.FlowGraph) *harness {
	t.Helper()
	ctx := context.Background()
	repo := store.NewInMemoryStore()
	if err := repo.SaveFlow(ctx, flow); err != nil {
		t.Fatalf("seed flow failed: %v", err)
	}
	dispatcher := &recordingDispatcher{}
	h := &harness{
		repo:       repo,
		dispatcher: dispatcher,
		tenant:     models.Tenant{ID: "t1", Name: "Municipality", Active: true},
		binding:    models.ChannelBinding{PhoneNumberID: "phone-1", TenantID: "t1", Active: true},
	}
	h.loader = flowgraph.NewLoader(repo)
	h.engine = New(repo, h.loader, dispatcher)
	h.engine.sleep = func(ctx context.Context, d time.Duration) { h.slept = append(h.slept, d) }
	return h
}

func textEvent(id, from, text string) models.InboundEvent {
	return models.InboundEvent{MessageID: id, From: from, PhoneNumberID: "phone-1", Kind: models.EventText, Text: text}
}

func choiceEvent(id, from, selection string) models.InboundEvent {
	return models.InboundEvent{MessageID: id, From: from, PhoneNumberID: "phone-1", Kind: models.EventChoiceReply, SelectionID: selection}
}

func (h *harness) session(t *testing.T, from string) *models.Session {
	t.Helper()
	sess, err := h.repo.LoadOrCreate(context.Background(), "t1", from)
	if err != nil {
		t.Fatalf("load session failed: %v", err)
	}
	return sess
}

func TestScenarioA_TriggerEntersFlow(t *testing.T) {
	h := newHarness(t, grievanceFlow())
	ctx := context.Background()

	if err := h.engine.HandleEvent(ctx, h.tenant, h.binding, textEvent("m1", "1555", "hi")); err != nil {
		t.Fatalf("HandleEvent failed: %v", err)
	}

	kinds := h.dispatcher.kinds()
	if len(kinds) != 2 || kinds[0] != "send_text" || kinds[1] != "send_choice_buttons" {
		t.Fatalf("expected [send_text send_choice_buttons], got %v", kinds)
	}
	if text := h.dispatcher.actions[0].(models.SendText); text.Body != "Welcome" {
		t.Errorf("expected Welcome, got %q", text.Body)
	}
	buttons := h.dispatcher.actions[1].(models.SendChoiceButtons)
	if len(buttons.Options) != 2 || buttons.Options[0].Label != "Report Issue" || buttons.Options[1].Label != "Check Status" {
		t.Errorf("unexpected options: %+v", buttons.Options)
	}
	if sess := h.session(t, "1555"); sess.CurrentNode != "N2" {
		t.Errorf("expected session at N2, got %q", sess.CurrentNode)
	}
}

func TestScenarioB_SelectionAdvancesThroughChain(t *testing.T) {
	h := newHarness(t, grievanceFlow())
	ctx := context.Background()

	if err := h.engine.HandleEvent(ctx, h.tenant, h.binding, textEvent("m1", "1555", "hi")); err != nil {
		t.Fatalf("trigger failed: %v", err)
	}
	h.dispatcher.reset()

	if err := h.engine.HandleEvent(ctx, h.tenant, h.binding, choiceEvent("m2", "1555", "report")); err != nil {
		t.Fatalf("selection failed: %v", err)
	}

	kinds := h.dispatcher.kinds()
	if len(kinds) != 2 || kinds[0] != "send_text" || kinds[1] != "send_text" {
		t.Fatalf("expected two text sends (N3 then N5 prompt), got %v", kinds)
	}
	if sess := h.session(t, "1555"); sess.CurrentNode != "N5" {
		t.Errorf("expected session at input node N5, got %q", sess.CurrentNode)
	}
}

func TestScenarioC_UnrecognizedSelectionSelfLoops(t *testing.T) {
	h := newHarness(t, grievanceFlow())
	ctx := context.Background()

	if err := h.engine.HandleEvent(ctx, h.tenant, h.binding, textEvent("m1", "1555", "hi")); err != nil {
		t.Fatalf("trigger failed: %v", err)
	}
	h.dispatcher.reset()

	if err := h.engine.HandleEvent(ctx, h.tenant, h.binding, choiceEvent("m2", "1555", "no-such-option")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Policy: exactly one re-prompt, session unchanged.
	kinds := h.dispatcher.kinds()
	if len(kinds) != 1 || kinds[0] != "send_choice_buttons" {
		t.Fatalf("expected exactly one re-prompt, got %v", kinds)
	}
	if sess := h.session(t, "1555"); sess.CurrentNode != "N2" {
		t.Errorf("session should remain at N2, got %q", sess.CurrentNode)
	}
}

func TestSelectionDefaultBranch(t *testing.T) {
	flow := grievanceFlow()
	flow.Edges = append(flow.Edges, models.Edge{Source: "N2", Target: "N4"}) // default branch
	h := newHarness(t, flow)
	ctx := context.Background()

	if err := h.engine.HandleEvent(ctx, h.tenant, h.binding, textEvent("m1", "1555", "hi")); err != nil {
		t.Fatalf("trigger failed: %v", err)
	}
	h.dispatcher.reset()

	if err := h.engine.HandleEvent(ctx, h.tenant, h.binding, choiceEvent("m2", "1555", "no-such-option")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Default branch leads N4 -> N6 (end): message then end, session gone.
	kinds := h.dispatcher.kinds()
	if len(kinds) != 2 || kinds[0] != "send_text" || kinds[1] != "end_conversation" {
		t.Fatalf("expected default branch to run N4 then end, got %v", kinds)
	}
	if sess := h.session(t, "1555"); !sess.AwaitingTrigger() {
		t.Error("session should be deleted after end node")
	}
}

func TestNumericTextSelectsOption(t *testing.T) {
	h := newHarness(t, grievanceFlow())
	ctx := context.Background()

	if err := h.engine.HandleEvent(ctx, h.tenant, h.binding, textEvent("m1", "1555", "hi")); err != nil {
		t.Fatalf("trigger failed: %v", err)
	}
	h.dispatcher.reset()

	// "2" maps to the second option ("status") for text-only channels.
	if err := h.engine.HandleEvent(ctx, h.tenant, h.binding, textEvent("m2", "1555", "2")); err != nil {
		t.Fatalf("numeric selection failed: %v", err)
	}
	kinds := h.dispatcher.kinds()
	if len(kinds) != 2 || kinds[1] != "end_conversation" {
		t.Fatalf("expected status branch to end, got %v", kinds)
	}
}

func TestNumericTextSelectsDoubleDigitOption(t *testing.T) {
	// Text-only channels render list menus as "1..10"; the reply "10"
	// must resolve to the tenth option, not re-prompt.
	options := make([]models.Option, 10)
	for i := range options {
		options[i] = models.Option{ID: fmt.Sprintf("opt%d", i+1), Label: fmt.Sprintf("Ward %d", i+1)}
	}
	flow := &models.FlowGraph{
		ID: "f-wards", TenantID: "t1", Active: true,
		Nodes: []models.Node{
			{ID: "w1", Type: models.NodeList, Text: "Pick your ward", ButtonLabel: "Wards", Options: options},
			{ID: "w2", Type: models.NodeEnd},
		},
		Edges:    []models.Edge{{Source: "w1", SourceHandle: "opt10", Target: "w2"}},
		Triggers: []models.Trigger{{Keyword: "ward", Target: "w1"}},
	}
	h := newHarness(t, flow)
	ctx := context.Background()

	if err := h.engine.HandleEvent(ctx, h.tenant, h.binding, textEvent("m1", "1555", "ward")); err != nil {
		t.Fatalf("trigger failed: %v", err)
	}
	h.dispatcher.reset()

	// Out-of-range numbers re-prompt without advancing.
	for _, reply := range []string{"0", "11"} {
		if err := h.engine.HandleEvent(ctx, h.tenant, h.binding, textEvent("m-"+reply, "1555", reply)); err != nil {
			t.Fatalf("reply %q errored: %v", reply, err)
		}
		if sess := h.session(t, "1555"); sess.CurrentNode != "w1" {
			t.Fatalf("reply %q should re-prompt, session at %q", reply, sess.CurrentNode)
		}
	}
	h.dispatcher.reset()

	if err := h.engine.HandleEvent(ctx, h.tenant, h.binding, textEvent("m2", "1555", "10")); err != nil {
		t.Fatalf("reply 10 errored: %v", err)
	}
	if kinds := h.dispatcher.kinds(); len(kinds) != 1 || kinds[0] != "end_conversation" {
		t.Errorf("reply 10 should select the tenth option and end, got %v", kinds)
	}
	if sess := h.session(t, "1555"); !sess.AwaitingTrigger() {
		t.Errorf("session should be gone, at %q", sess.CurrentNode)
	}
}

// failingSessionRepo wraps the in-memory repo and fails on demand.
type failingSessionRepo struct {
	store.SessionRepo
	failLoad bool
	failSave bool
}

func (r *failingSessionRepo) LoadOrCreate(ctx context.Context, tenantID, address string) (*models.Session, error) {
	if r.failLoad {
		return nil, models.ErrSessionStoreUnavailable
	}
	return r.SessionRepo.LoadOrCreate(ctx, tenantID, address)
}

func (r *failingSessionRepo) Save(ctx context.Context, sess *models.Session) error {
	if r.failSave {
		return models.ErrSessionStoreUnavailable
	}
	return r.SessionRepo.Save(ctx, sess)
}

func TestSessionStoreUnavailableDropsEvent(t *testing.T) {
	ctx := context.Background()
	repo := store.NewInMemoryStore()
	if err := repo.SaveFlow(ctx, grievanceFlow()); err != nil {
		t.Fatalf("seed flow failed: %v", err)
	}
	failing := &failingSessionRepo{SessionRepo: repo, failLoad: true}
	dispatcher := &recordingDispatcher{}
	eng := New(failing, flowgraph.NewLoader(repo), dispatcher)

	err := eng.HandleEvent(ctx, models.Tenant{ID: "t1", Active: true}, models.ChannelBinding{PhoneNumberID: "phone-1", TenantID: "t1", Active: true}, textEvent("m1", "1555", "hi"))
	if !errors.Is(err, models.ErrSessionStoreUnavailable) {
		t.Fatalf("expected ErrSessionStoreUnavailable, got %v", err)
	}
	// Dropped before any transition: nothing goes out, nothing persists.
	if kinds := dispatcher.kinds(); len(kinds) != 0 {
		t.Errorf("dropped event must emit no actions, got %v", kinds)
	}
	if sess, err := repo.LoadOrCreate(ctx, "t1", "1555"); err != nil || !sess.AwaitingTrigger() {
		t.Errorf("no session should be persisted, got %+v (err %v)", sess, err)
	}
}

func TestSaveFailureSurfacesAfterTransition(t *testing.T) {
	ctx := context.Background()
	repo := store.NewInMemoryStore()
	if err := repo.SaveFlow(ctx, grievanceFlow()); err != nil {
		t.Fatalf("seed flow failed: %v", err)
	}
	failing := &failingSessionRepo{SessionRepo: repo, failSave: true}
	dispatcher := &recordingDispatcher{}
	eng := New(failing, flowgraph.NewLoader(repo), dispatcher)

	err := eng.HandleEvent(ctx, models.Tenant{ID: "t1", Active: true}, models.ChannelBinding{PhoneNumberID: "phone-1", TenantID: "t1", Active: true}, textEvent("m1", "1555", "hi"))
	if !errors.Is(err, models.ErrSessionStoreUnavailable) {
		t.Fatalf("expected ErrSessionStoreUnavailable, got %v", err)
	}
	// The chain ran up to the waiting node before the save failed.
	kinds := dispatcher.kinds()
	if len(kinds) != 2 || kinds[1] != "send_choice_buttons" {
		t.Errorf("expected the chain to emit before the failed save, got %v", kinds)
	}
}

func TestInputCaptureAndValidation(t *testing.T) {
	flow := grievanceFlow()
	// Make the input node numeric to exercise validation.
	for i := range flow.Nodes {
		if flow.Nodes[i].ID == "N5" {
			flow.Nodes[i].Rule = models.RuleNumber
		}
	}
	h := newHarness(t, flow)
	ctx := context.Background()

	h.engine.HandleEvent(ctx, h.tenant, h.binding, textEvent("m1", "1555", "hi"))
	h.engine.HandleEvent(ctx, h.tenant, h.binding, choiceEvent("m2", "1555", "report"))
	h.dispatcher.reset()

	// Invalid input re-prompts and does not advance.
	if err := h.engine.HandleEvent(ctx, h.tenant, h.binding, textEvent("m3", "1555", "not a number")); err != nil {
		t.Fatalf("invalid input errored: %v", err)
	}
	if sess := h.session(t, "1555"); sess.CurrentNode != "N5" {
		t.Errorf("session should remain at N5, got %q", sess.CurrentNode)
	}
	if kinds := h.dispatcher.kinds(); len(kinds) != 1 || kinds[0] != "send_text" {
		t.Errorf("expected one re-prompt, got %v", kinds)
	}
	h.dispatcher.reset()

	// Valid input is captured under the node id and the flow ends.
	if err := h.engine.HandleEvent(ctx, h.tenant, h.binding, textEvent("m4", "1555", "42")); err != nil {
		t.Fatalf("valid input errored: %v", err)
	}
	if kinds := h.dispatcher.kinds(); len(kinds) != 1 || kinds[0] != "end_conversation" {
		t.Errorf("expected end after capture, got %v", kinds)
	}
}

func TestInputValueStoredUnderNodeID(t *testing.T) {
	flow := grievanceFlow()
	// Re-route N5 to a second input so the session survives the capture.
	flow.Nodes = append(flow.Nodes, models.Node{ID: "N7", Type: models.NodeInput, Text: "And your ward number?", Rule: models.RuleNumber})
	for i := range flow.Edges {
		if flow.Edges[i].Source == "N5" {
			flow.Edges[i].Target = "N7"
		}
	}
	flow.Edges = append(flow.Edges, models.Edge{Source: "N7", Target: "N6"})
	h := newHarness(t, flow)
	ctx := context.Background()

	h.engine.HandleEvent(ctx, h.tenant, h.binding, textEvent("m1", "1555", "hi"))
	h.engine.HandleEvent(ctx, h.tenant, h.binding, choiceEvent("m2", "1555", "report"))
	h.engine.HandleEvent(ctx, h.tenant, h.binding, textEvent("m3", "1555", "streetlight broken"))

	sess := h.session(t, "1555")
	if got := sess.Captured["N5"]; got != "streetlight broken" {
		t.Errorf("expected captured value under N5, got %q", got)
	}
	if sess.CurrentNode != "N7" {
		t.Errorf("expected session at N7, got %q", sess.CurrentNode)
	}
}

func TestPassThroughChainTerminates(t *testing.T) {
	// A flow of only pass-through nodes chained to end must terminate.
	flow := &models.FlowGraph{
		ID: "f-chain", TenantID: "t1", Active: true,
		Triggers: []models.Trigger{{Keyword: "go", Target: "c0"}},
	}
	const chain = 10
	for i := 0; i < chain; i++ {
		flow.Nodes = append(flow.Nodes, models.Node{ID: fmt.Sprintf("c%d", i), Type: models.NodeMessage, Text: fmt.Sprintf("step %d", i)})
		flow.Edges = append(flow.Edges, models.Edge{Source: fmt.Sprintf("c%d", i), Target: fmt.Sprintf("c%d", i+1)})
	}
	flow.Nodes = append(flow.Nodes, models.Node{ID: fmt.Sprintf("c%d", chain), Type: models.NodeEnd})

	h := newHarness(t, flow)
	if err := h.engine.HandleEvent(context.Background(), h.tenant, h.binding, textEvent("m1", "1555", "go")); err != nil {
		t.Fatalf("chain failed: %v", err)
	}
	kinds := h.dispatcher.kinds()
	if len(kinds) != chain+1 {
		t.Fatalf("expected %d actions, got %d: %v", chain+1, len(kinds), kinds)
	}
	if kinds[len(kinds)-1] != "end_conversation" {
		t.Errorf("chain should terminate at end, got %v", kinds)
	}
	if sess := h.session(t, "1555"); !sess.AwaitingTrigger() {
		t.Error("session should be deleted after chain reaches end")
	}
}

func TestPassThroughCycleFailsLoudly(t *testing.T) {
	flow := &models.FlowGraph{
		ID: "f-cycle", TenantID: "t1", Active: true,
		Nodes: []models.Node{
			{ID: "a", Type: models.NodeMessage, Text: "a"},
			{ID: "b", Type: models.NodeMessage, Text: "b"},
		},
		Edges: []models.Edge{
			{Source: "a", Target: "b"},
			{Source: "b", Target: "a"},
		},
		Triggers: []models.Trigger{{Keyword: "loop", Target: "a"}},
	}
	h := newHarness(t, flow)
	err := h.engine.HandleEvent(context.Background(), h.tenant, h.binding, textEvent("m1", "1555", "loop"))
	if err == nil {
		t.Fatal("expected error for unbounded pass-through cycle")
	}
	if len(h.dispatcher.kinds()) > MaxChainSteps {
		t.Errorf("cycle ran past the chain limit: %d actions", len(h.dispatcher.kinds()))
	}
}

func TestDelayNodeWaitsWithoutBlockingOthers(t *testing.T) {
	flow := &models.FlowGraph{
		ID: "f-delay", TenantID: "t1", Active: true,
		Nodes: []models.Node{
			{ID: "d1", Type: models.NodeDelay, DelaySeconds: 3},
			{ID: "d2", Type: models.NodeMessage, Text: "after the pause"},
			{ID: "d3", Type: models.NodeEnd},
		},
		Edges: []models.Edge{
			{Source: "d1", Target: "d2"},
			{Source: "d2", Target: "d3"},
		},
		Triggers: []models.Trigger{{Keyword: "wait", Target: "d1"}},
	}
	h := newHarness(t, flow)
	if err := h.engine.HandleEvent(context.Background(), h.tenant, h.binding, textEvent("m1", "1555", "wait")); err != nil {
		t.Fatalf("delay flow failed: %v", err)
	}
	if len(h.slept) != 1 || h.slept[0] != 3*time.Second {
		t.Errorf("expected one 3s sleep, got %v", h.slept)
	}
	kinds := h.dispatcher.kinds()
	if len(kinds) != 3 || kinds[0] != "wait_3s" || kinds[1] != "send_text" || kinds[2] != "end_conversation" {
		t.Errorf("unexpected actions: %v", kinds)
	}
}

func TestMalformedBranchingPicksFirstEdge(t *testing.T) {
	flow := grievanceFlow()
	// The validator should have rejected this; the engine must not crash.
	flow.Edges = append(flow.Edges, models.Edge{Source: "N1", Target: "N6"})
	h := newHarness(t, flow)
	if err := h.engine.HandleEvent(context.Background(), h.tenant, h.binding, textEvent("m1", "1555", "hi")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// First edge in declaration order is N1 -> N2.
	if sess := h.session(t, "1555"); sess.CurrentNode != "N2" {
		t.Errorf("expected first edge to win, session at %q", sess.CurrentNode)
	}
}

func TestMissingEdgeTargetFailsLoudly(t *testing.T) {
	flow := grievanceFlow()
	flow.Triggers = append(flow.Triggers, models.Trigger{Keyword: "ghost", Target: "nowhere"})
	h := newHarness(t, flow)
	err := h.engine.HandleEvent(context.Background(), h.tenant, h.binding, textEvent("m1", "1555", "ghost"))
	if !errors.Is(err, models.ErrMissingNode) {
		t.Errorf("expected ErrMissingNode, got %v", err)
	}
}

func TestNoTriggerMatchIsSilentlyIgnored(t *testing.T) {
	h := newHarness(t, grievanceFlow())
	if err := h.engine.HandleEvent(context.Background(), h.tenant, h.binding, textEvent("m1", "1555", "completely unrelated")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if kinds := h.dispatcher.kinds(); len(kinds) != 0 {
		t.Errorf("expected silence, got %v", kinds)
	}
	if sess := h.session(t, "1555"); !sess.AwaitingTrigger() || sess.Seq != 0 {
		t.Error("no session should be created without a trigger match")
	}
}

func TestRetiredFlowSessionStaysDrivable(t *testing.T) {
	h := newHarness(t, grievanceFlow())
	ctx := context.Background()

	h.engine.HandleEvent(ctx, h.tenant, h.binding, textEvent("m1", "1555", "hi"))

	// Retire the flow mid-conversation.
	retired := grievanceFlow()
	retired.Active = false
	if err := h.repo.SaveFlow(ctx, retired); err != nil {
		t.Fatalf("retire failed: %v", err)
	}
	h.loader.Invalidate("t1", "f1")
	h.dispatcher.reset()

	// The existing session still advances...
	if err := h.engine.HandleEvent(ctx, h.tenant, h.binding, choiceEvent("m2", "1555", "report")); err != nil {
		t.Fatalf("retired flow session failed to advance: %v", err)
	}
	if sess := h.session(t, "1555"); sess.CurrentNode != "N5" {
		t.Errorf("expected N5, got %q", sess.CurrentNode)
	}

	// ...but new citizens cannot enter.
	h.dispatcher.reset()
	if err := h.engine.HandleEvent(ctx, h.tenant, h.binding, textEvent("m3", "1666", "hi")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if kinds := h.dispatcher.kinds(); len(kinds) != 0 {
		t.Errorf("inactive flow must not match new triggers, got %v", kinds)
	}
}

func TestSendFailureDoesNotBlockTransition(t *testing.T) {
	h := newHarness(t, grievanceFlow())
	h.dispatcher.fail = true

	if err := h.engine.HandleEvent(context.Background(), h.tenant, h.binding, textEvent("m1", "1555", "hi")); err != nil {
		t.Fatalf("send failure must not fail the transition: %v", err)
	}
	// Session advanced despite every send failing.
	if sess := h.session(t, "1555"); sess.CurrentNode != "N2" {
		t.Errorf("expected session at N2 despite delivery failures, got %q", sess.CurrentNode)
	}
}

func TestConcurrentCitizensDoNotInterleavePerKey(t *testing.T) {
	h := newHarness(t, grievanceFlow())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		from := fmt.Sprintf("155%d", i%4)
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.engine.HandleEvent(ctx, h.tenant, h.binding, textEvent("m", from, "hi"))
		}()
	}
	wg.Wait()

	// Each of the 4 citizens must land in a consistent waiting state.
	for i := 0; i < 4; i++ {
		from := fmt.Sprintf("155%d", i)
		if sess := h.session(t, from); sess.CurrentNode != "N2" {
			t.Errorf("citizen %s: expected N2, got %q", from, sess.CurrentNode)
		}
	}
}

func TestKeyedMutexSerializes(t *testing.T) {
	km := newKeyedMutex()
	var inside, max int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("same-key")
			defer unlock()
			mu.Lock()
			inside++
			if inside > max {
				max = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()

	if max != 1 {
		t.Errorf("expected at most one holder per key, saw %d", max)
	}
	if len(km.entries) != 0 {
		t.Errorf("expected entries map to drain, has %d", len(km.entries))
	}
}
