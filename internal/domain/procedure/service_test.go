package procedure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/labcore/labcore/internal/domain/activity"
	"github.com/labcore/labcore/internal/domain/orders"
	"github.com/labcore/labcore/internal/domain/results"
	"github.com/labcore/labcore/internal/platform/auth"
	"github.com/labcore/labcore/internal/platform/db"
	"github.com/labcore/labcore/internal/platform/extraction"
)

type mockRepo struct {
	defs      map[uuid.UUID]*Definition
	instances map[uuid.UUID]*Instance
	versions  map[string]int
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		defs:      map[uuid.UUID]*Definition{},
		instances: map[uuid.UUID]*Instance{},
		versions:  map[string]int{},
	}
}

func (m *mockRepo) CreateDefinition(_ context.Context, d *Definition) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	m.versions[d.Key]++
	d.Version = m.versions[d.Key]
	d.CreatedAt = time.Now().UTC()
	cp := *d
	m.defs[d.ID] = &cp
	return nil
}

func (m *mockRepo) GetDefinition(_ context.Context, id uuid.UUID) (*Definition, error) {
	d, ok := m.defs[id]
	if !ok {
		return nil, ErrDefinitionNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *mockRepo) ListDefinitions(_ context.Context) ([]*Definition, error) {
	latest := map[string]*Definition{}
	for _, d := range m.defs {
		if cur, ok := latest[d.Key]; !ok || d.Version > cur.Version {
			latest[d.Key] = d
		}
	}
	var out []*Definition
	for _, d := range latest {
		cp := *d
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockRepo) CreateInstance(_ context.Context, inst *Instance) error {
	if inst.ID == uuid.Nil {
		inst.ID = uuid.New()
	}
	inst.CreatedAt = time.Now().UTC()
	inst.UpdatedAt = inst.CreatedAt
	m.instances[inst.ID] = copyInstance(inst)
	return nil
}

func (m *mockRepo) GetInstance(_ context.Context, id uuid.UUID) (*Instance, error) {
	inst, ok := m.instances[id]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	return copyInstance(inst), nil
}

func (m *mockRepo) UpdateInstance(_ context.Context, inst *Instance) error {
	if _, ok := m.instances[inst.ID]; !ok {
		return ErrInstanceNotFound
	}
	inst.UpdatedAt = time.Now().UTC()
	m.instances[inst.ID] = copyInstance(inst)
	return nil
}

func (m *mockRepo) ListInstancesByOrder(_ context.Context, orderID uuid.UUID) ([]*Instance, error) {
	var out []*Instance
	for _, inst := range m.instances {
		if inst.OrderID == orderID {
			out = append(out, copyInstance(inst))
		}
	}
	return out, nil
}

func copyInstance(inst *Instance) *Instance {
	cp := *inst
	cp.Data = map[string]json.RawMessage{}
	for k, v := range inst.Data {
		cp.Data[k] = v
	}
	return &cp
}

type mockOrderRepo struct {
	orders map[uuid.UUID]*orders.Order
}

func (m *mockOrderRepo) Create(_ context.Context, o *orders.Order) error {
	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *mockOrderRepo) GetByID(_ context.Context, id uuid.UUID) (*orders.Order, error) {
	o, ok := m.orders[id]
	if !ok {
		return nil, orders.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *mockOrderRepo) GetByAccession(_ context.Context, _ string) (*orders.Order, error) {
	return nil, orders.ErrNotFound
}

func (m *mockOrderRepo) SetStatus(_ context.Context, id uuid.UUID, _, to orders.Status, by string) error {
	if o, ok := m.orders[id]; ok {
		o.Status = to
		o.StatusUpdatedBy = by
	}
	return nil
}

func (m *mockOrderRepo) SetSampleCollected(_ context.Context, id uuid.UUID, by string, at time.Time) error {
	if o, ok := m.orders[id]; ok {
		o.SampleCollectedAt = &at
		o.SampleCollectedBy = &by
	}
	return nil
}

func (m *mockOrderRepo) CompletionCounts(_ context.Context, _ uuid.UUID) (orders.Counts, error) {
	return orders.Counts{}, nil
}

func (m *mockOrderRepo) ListByPatient(_ context.Context, _ uuid.UUID, _, _ int) ([]*orders.Order, int, error) {
	return nil, 0, nil
}

func (m *mockOrderRepo) Search(_ context.Context, _ map[string]string, _, _ int) ([]*orders.Order, int, error) {
	return nil, 0, nil
}

func (m *mockOrderRepo) NextAccessionSeq(_ context.Context, _ string) (int, error) {
	return 1, nil
}

type mockActivityRepo struct {
	entries []*activity.Entry
}

func (m *mockActivityRepo) Append(_ context.Context, e *activity.Entry) error {
	e.ID = uuid.New()
	e.Seq = int64(len(m.entries) + 1)
	e.PerformedAt = time.Now().UTC()
	m.entries = append(m.entries, e)
	return nil
}

func (m *mockActivityRepo) ListByOrder(_ context.Context, _ uuid.UUID, _, _ int) ([]*activity.Entry, int, error) {
	return m.entries, len(m.entries), nil
}

func (m *mockActivityRepo) ListByPatient(_ context.Context, _ uuid.UUID, _, _ int) ([]*activity.Entry, int, error) {
	return m.entries, len(m.entries), nil
}

func (m *mockActivityRepo) workflowEvents() []activity.WorkflowEventMeta {
	var out []activity.WorkflowEventMeta
	for _, e := range m.entries {
		if meta, ok := e.Metadata.(activity.WorkflowEventMeta); ok {
			out = append(out, meta)
		}
	}
	return out
}

type mockExtractor struct {
	calls    []string
	hints    []string
	failures int
	result   *extraction.Result
}

func (m *mockExtractor) Extract(_ context.Context, documentRef, hint string) (*extraction.Result, error) {
	m.calls = append(m.calls, documentRef)
	m.hints = append(m.hints, hint)
	if m.failures > 0 {
		m.failures--
		return nil, &extraction.Error{Transient: true, Err: fmt.Errorf("provider timeout")}
	}
	if m.result != nil {
		return m.result, nil
	}
	return &extraction.Result{}, nil
}

type mockSubmitter struct {
	orderIDs []uuid.UUID
	tests    []string
	values   [][]results.ValueInput
}

func (m *mockSubmitter) SubmitResult(_ context.Context, orderID uuid.UUID, testName string, values []results.ValueInput) (*results.Result, error) {
	m.orderIDs = append(m.orderIDs, orderID)
	m.tests = append(m.tests, testName)
	m.values = append(m.values, values)
	return &results.Result{ID: uuid.New(), OrderID: orderID, TestName: testName}, nil
}

type passRunner struct{}

func (passRunner) RunTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type fixture struct {
	svc       *Service
	repo      *mockRepo
	actRepo   *mockActivityRepo
	extractor *mockExtractor
	submitter *mockSubmitter
	order     *orders.Order
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := newMockRepo()
	ordRepo := &mockOrderRepo{orders: map[uuid.UUID]*orders.Order{}}
	actRepo := &mockActivityRepo{}
	actSvc := activity.NewService(actRepo)
	engine := orders.NewEngine(ordRepo, actSvc, passRunner{}, zerolog.Nop())
	extractor := &mockExtractor{}
	submitter := &mockSubmitter{}
	svc := NewService(repo, engine, submitter, extractor, actSvc, passRunner{}, zerolog.Nop())

	order := &orders.Order{
		ID: uuid.New(), AccessionNo: "LAB-20260301-0001",
		PatientID: uuid.New(), LabID: "lab-1",
		Status: orders.StatusInProgress, Priority: orders.PriorityNormal,
	}
	if err := ordRepo.Create(context.Background(), order); err != nil {
		t.Fatalf("seed order: %v", err)
	}
	return &fixture{svc: svc, repo: repo, actRepo: actRepo, extractor: extractor, submitter: submitter, order: order}
}

func techCtx() context.Context {
	return auth.WithActor(context.Background(), auth.Actor{ID: "u-3", Display: "A. Mehta", Roles: []string{"lab_tech"}})
}

func (f *fixture) seedSmear(t *testing.T) *Definition {
	t.Helper()
	def, err := f.svc.CreateDefinition(techCtx(), "peripheral-smear", "Peripheral Smear Examination", smearDefinition().Steps)
	if err != nil {
		t.Fatalf("CreateDefinition: %v", err)
	}
	return def
}

func TestDefinitionEditsCreateNewVersions(t *testing.T) {
	f := newFixture(t)
	v1 := f.seedSmear(t)

	steps := append([]Step{}, smearDefinition().Steps...)
	steps[0].Title = "Prepare and label the slide"
	v2, err := f.svc.CreateDefinition(techCtx(), "peripheral-smear", "Peripheral Smear Examination", steps)
	if err != nil {
		t.Fatalf("CreateDefinition v2: %v", err)
	}
	if v1.Version != 1 || v2.Version != 2 {
		t.Fatalf("versions = %d, %d, want 1 and 2", v1.Version, v2.Version)
	}
	if v1.ID == v2.ID {
		t.Fatal("new version reused the old row")
	}

	latest, err := f.svc.ListDefinitions(context.Background())
	if err != nil {
		t.Fatalf("ListDefinitions: %v", err)
	}
	if len(latest) != 1 || latest[0].Version != 2 {
		t.Fatalf("latest definitions = %+v, want only version 2", latest)
	}
}

func TestStartInstanceRecordsWorkflowEvents(t *testing.T) {
	f := newFixture(t)
	def := f.seedSmear(t)

	inst, err := f.svc.StartInstance(techCtx(), f.order.ID, def.ID)
	if err != nil {
		t.Fatalf("StartInstance: %v", err)
	}
	if inst.CurrentStepIndex != 0 || inst.Complete {
		t.Fatalf("instance after start: %+v", inst)
	}
	events := f.actRepo.workflowEvents()
	if len(events) != 2 || events[0].Event != EventStart || events[1].Event != EventStepEnter {
		t.Fatalf("workflow events = %+v", events)
	}
	if events[1].StepID != "intro" {
		t.Errorf("entered step = %q, want intro", events[1].StepID)
	}
}

func (f *fixture) advance(t *testing.T, id uuid.UUID, payload string) *Instance {
	t.Helper()
	var raw json.RawMessage
	if payload != "" {
		raw = json.RawMessage(payload)
	}
	inst, err := f.svc.Advance(techCtx(), id, raw)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	return inst
}

func TestAnalyzeStepCallsExtractionProvider(t *testing.T) {
	f := newFixture(t)
	def := f.seedSmear(t)
	f.extractor.result = &extraction.Result{Parameters: []extraction.Parameter{
		{Name: "RBC morphology", Value: "normocytic", Confidence: 0.93},
	}}

	inst, err := f.svc.StartInstance(techCtx(), f.order.ID, def.ID)
	if err != nil {
		t.Fatalf("StartInstance: %v", err)
	}
	f.advance(t, inst.ID, "")
	f.advance(t, inst.ID, `{"document_ref":"slide-10x.png"}`)
	f.advance(t, inst.ID, `{"document_ref":"slide-100x.png"}`)
	got := f.advance(t, inst.ID, "")

	if len(f.extractor.calls) != 1 {
		t.Fatalf("extractor calls = %d, want 1", len(f.extractor.calls))
	}
	if f.extractor.calls[0] != "slide-100x.png" {
		t.Errorf("extracted from %q, want the latest capture artifact", f.extractor.calls[0])
	}
	if f.extractor.hints[0] != "smear-differential" {
		t.Errorf("hint = %q, want the step's hint", f.extractor.hints[0])
	}
	var stored extraction.Result
	if err := json.Unmarshal(got.Data["ai_analysis"], &stored); err != nil {
		t.Fatalf("stored analyze payload invalid: %v", err)
	}
	if len(stored.Parameters) != 1 || stored.Parameters[0].Name != "RBC morphology" {
		t.Fatalf("stored parameters = %+v", stored.Parameters)
	}
}

func TestExtractionFailureLeavesInstanceRetryable(t *testing.T) {
	f := newFixture(t)
	def := f.seedSmear(t)
	f.extractor.failures = 1
	f.extractor.result = &extraction.Result{Parameters: []extraction.Parameter{{Name: "p", Value: "v"}}}

	inst, err := f.svc.StartInstance(techCtx(), f.order.ID, def.ID)
	if err != nil {
		t.Fatalf("StartInstance: %v", err)
	}
	f.advance(t, inst.ID, "")
	f.advance(t, inst.ID, `{"document_ref":"slide-10x.png"}`)
	f.advance(t, inst.ID, `{"document_ref":"slide-100x.png"}`)

	_, err = f.svc.Advance(techCtx(), inst.ID, nil)
	if err == nil {
		t.Fatal("failed extraction did not surface an error")
	}
	if !extraction.IsTransient(err) {
		t.Fatalf("error not marked retryable: %v", err)
	}
	after, _ := f.svc.GetInstance(context.Background(), inst.ID)
	if after.CurrentStepIndex != 3 {
		t.Fatalf("instance advanced past the analyze step on failure: index %d", after.CurrentStepIndex)
	}
	if _, ok := after.Data["ai_analysis"]; ok {
		t.Fatal("partial analyze data persisted after failure")
	}

	// The retry succeeds and the instance moves on.
	got := f.advance(t, inst.ID, "")
	if got.CurrentStepIndex != 4 {
		t.Fatalf("retry did not advance: index %d", got.CurrentStepIndex)
	}
}

func TestCommitMaterializesResult(t *testing.T) {
	f := newFixture(t)
	def := f.seedSmear(t)
	f.extractor.result = &extraction.Result{Parameters: []extraction.Parameter{
		{Name: "RBC morphology", Value: "normocytic", Unit: "", Confidence: 0.9},
		{Name: "Platelet estimate", Value: "adequate", Confidence: 0.85},
	}}

	inst, err := f.svc.StartInstance(techCtx(), f.order.ID, def.ID)
	if err != nil {
		t.Fatalf("StartInstance: %v", err)
	}
	f.advance(t, inst.ID, "")
	f.advance(t, inst.ID, `{"document_ref":"slide-10x.png"}`)
	f.advance(t, inst.ID, `{"document_ref":"slide-100x.png"}`)
	f.advance(t, inst.ID, "")
	f.advance(t, inst.ID, `{"morphology":"normocytic","impression":"unremarkable","stray":"ignored"}`)
	final := f.advance(t, inst.ID, "")

	if !final.Complete {
		t.Fatal("instance not complete after the commit step")
	}
	if len(f.submitter.tests) != 1 {
		t.Fatalf("materialized %d results, want 1", len(f.submitter.tests))
	}
	if f.submitter.tests[0] != "Peripheral Smear Examination" {
		t.Errorf("result test name = %q", f.submitter.tests[0])
	}
	if f.submitter.orderIDs[0] != f.order.ID {
		t.Error("result materialized against the wrong order")
	}

	values := f.submitter.values[0]
	params := map[string]string{}
	for _, v := range values {
		params[v.Parameter] = v.Value
	}
	for name, want := range map[string]string{
		"RBC morphology":    "normocytic",
		"Platelet estimate": "adequate",
		"morphology":        "normocytic",
		"impression":        "unremarkable",
	} {
		if params[name] != want {
			t.Errorf("materialized %s = %q, want %q", name, params[name], want)
		}
	}
	if _, ok := params["stray"]; ok {
		t.Error("review field outside the step definition was materialized")
	}

	events := f.actRepo.workflowEvents()
	if events[len(events)-1].Event != EventComplete {
		t.Errorf("last workflow event = %q, want %q", events[len(events)-1].Event, EventComplete)
	}
}

func TestNoDataProcedureMaterializesNothing(t *testing.T) {
	f := newFixture(t)
	def := f.seedSmear(t)
	// Zero parameters from the provider is "no data", not an error.
	f.extractor.result = &extraction.Result{}

	inst, err := f.svc.StartInstance(techCtx(), f.order.ID, def.ID)
	if err != nil {
		t.Fatalf("StartInstance: %v", err)
	}
	f.advance(t, inst.ID, "")
	f.advance(t, inst.ID, `{"document_ref":"slide-10x.png"}`)
	f.advance(t, inst.ID, `{"document_ref":"slide-100x.png"}`)
	f.advance(t, inst.ID, "")
	f.advance(t, inst.ID, "")
	final := f.advance(t, inst.ID, "")

	if !final.Complete {
		t.Fatal("instance not complete")
	}
	if len(f.submitter.tests) != 0 {
		t.Fatalf("no-data procedure materialized %d results", len(f.submitter.tests))
	}
}

// raceRepo lets a test slip a concurrent write between Advance's first
// read and its transactional re-read.
type raceRepo struct {
	*mockRepo
	armed  bool
	gets   int
	mutate func(*mockRepo)
}

func (r *raceRepo) GetInstance(ctx context.Context, id uuid.UUID) (*Instance, error) {
	if r.armed {
		r.gets++
		if r.gets == 2 {
			r.armed = false
			r.mutate(r.mockRepo)
		}
	}
	return r.mockRepo.GetInstance(ctx, id)
}

// A payload prepared for one step must never be stored under another.
// When a second request advances the instance first, the stale call is
// rejected instead of landing on whatever step is now current.
func TestAdvanceRejectsConcurrentlyMovedInstance(t *testing.T) {
	race := &raceRepo{mockRepo: newMockRepo()}
	ordRepo := &mockOrderRepo{orders: map[uuid.UUID]*orders.Order{}}
	actRepo := &mockActivityRepo{}
	actSvc := activity.NewService(actRepo)
	engine := orders.NewEngine(ordRepo, actSvc, passRunner{}, zerolog.Nop())
	svc := NewService(race, engine, &mockSubmitter{}, &mockExtractor{}, actSvc, passRunner{}, zerolog.Nop())

	order := &orders.Order{
		ID: uuid.New(), AccessionNo: "LAB-20260301-0002",
		PatientID: uuid.New(), LabID: "lab-1",
		Status: orders.StatusInProgress, Priority: orders.PriorityNormal,
	}
	if err := ordRepo.Create(context.Background(), order); err != nil {
		t.Fatalf("seed order: %v", err)
	}

	def, err := svc.CreateDefinition(techCtx(), "bench-checks", "Bench Checks", []Step{
		{ID: "first", Type: StepInfo},
		{ID: "second", Type: StepInfo},
		{ID: "third", Type: StepInfo},
	})
	if err != nil {
		t.Fatalf("CreateDefinition: %v", err)
	}
	inst, err := svc.StartInstance(techCtx(), order.ID, def.ID)
	if err != nil {
		t.Fatalf("StartInstance: %v", err)
	}

	race.armed = true
	race.mutate = func(m *mockRepo) {
		stored := m.instances[inst.ID]
		stored.Data["first"] = json.RawMessage(`"other session"`)
		stored.CurrentStepIndex = 1
	}

	_, err = svc.Advance(techCtx(), inst.ID, json.RawMessage(`"mine"`))
	if !errors.Is(err, db.ErrConflict) {
		t.Fatalf("Advance after concurrent move: err = %v, want db.ErrConflict", err)
	}
	after, err := svc.GetInstance(context.Background(), inst.ID)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if after.CurrentStepIndex != 1 {
		t.Fatalf("index = %d, want the concurrent advance preserved", after.CurrentStepIndex)
	}
	if raw, ok := after.Data["second"]; ok {
		t.Fatalf("stale payload stored under the wrong step: %s", raw)
	}
	if string(after.Data["first"]) != `"other session"` {
		t.Errorf("first step data = %s, want the concurrent write intact", after.Data["first"])
	}

	// After refreshing, the same payload lands on the step now current.
	got, err := svc.Advance(techCtx(), inst.ID, json.RawMessage(`"mine"`))
	if err != nil {
		t.Fatalf("Advance after refresh: %v", err)
	}
	if got.CurrentStepIndex != 2 {
		t.Fatalf("index = %d, want 2", got.CurrentStepIndex)
	}
	if string(got.Data["second"]) != `"mine"` {
		t.Errorf("second step data = %s, want the caller's payload", got.Data["second"])
	}
}

func TestAdvanceAfterCompleteIsNoOp(t *testing.T) {
	f := newFixture(t)
	def, err := f.svc.CreateDefinition(techCtx(), "note", "Bench Note", []Step{{ID: "only", Type: StepInfo}})
	if err != nil {
		t.Fatalf("CreateDefinition: %v", err)
	}
	inst, err := f.svc.StartInstance(techCtx(), f.order.ID, def.ID)
	if err != nil {
		t.Fatalf("StartInstance: %v", err)
	}
	f.advance(t, inst.ID, "")

	entriesBefore := len(f.actRepo.entries)
	got := f.advance(t, inst.ID, `"late payload"`)
	if !got.Complete {
		t.Fatal("completed instance reported incomplete")
	}
	if len(f.actRepo.entries) != entriesBefore {
		t.Error("post-complete advance recorded activity")
	}
	after, _ := f.svc.GetInstance(context.Background(), inst.ID)
	if _, ok := after.Data["only"]; ok {
		t.Error("post-complete payload was stored")
	}
}
