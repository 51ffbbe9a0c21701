package job

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/GoCodeAlone/pipeline-engine/plugin"
	"github.com/GoCodeAlone/pipeline-engine/tree"
	"github.com/GoCodeAlone/pipeline-engine/vars"
)

type fakeDispatcher struct {
	mu       sync.Mutex
	results  map[string]*Result
	errs     map[string]error
	onRun    func(cmd *CmdIn)
	shells   []*CmdIn
	kills    int
	blockFor string
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, cmd *CmdIn) (*Result, error) {
	d.mu.Lock()
	if cmd.Type == CmdKill {
		d.kills++
		d.mu.Unlock()
		return nil, nil
	}
	d.shells = append(d.shells, cmd)
	onRun := d.onRun
	d.mu.Unlock()

	if onRun != nil {
		onRun(cmd)
	}
	name := cmd.NodePath.Name()
	if name == d.blockFor {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err := d.errs[name]; err != nil {
		return nil, err
	}
	if res, ok := d.results[name]; ok {
		return res, nil
	}
	return &Result{Status: StepSuccess, FinishAt: time.Now()}, nil
}

func (d *fakeDispatcher) names() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.shells))
	for _, c := range d.shells {
		out = append(out, c.NodePath.Name())
	}
	return out
}

type fakeStore struct {
	mu    sync.Mutex
	jobs  []Status
	steps map[string]*Step
	order []string
	err   error
}

func newFakeStore() *fakeStore { return &fakeStore{steps: map[string]*Step{}} }

func (s *fakeStore) SaveJob(_ context.Context, j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, j.Status)
	return s.err
}

func (s *fakeStore) SaveStep(_ context.Context, st *Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.steps[st.ID]; !ok {
		s.order = append(s.order, st.ID)
	}
	cp := *st
	s.steps[st.ID] = &cp
	return s.err
}

// final returns the last saved status per node in execution order.
func (s *fakeStore) final() []StepStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StepStatus, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.steps[id].Status)
	}
	return out
}

type fakeSink struct {
	plugins []string
}

func (f *fakeSink) Notify(_ context.Context, _ *Job, n tree.Notification) error {
	f.plugins = append(f.plugins, n.Plugin)
	return nil
}

func buildTree(t *testing.T, steps, after []string) (*tree.FlowNode, *tree.NodeTree) {
	t.Helper()
	flow := newFlow(t)
	for _, s := range steps {
		addStep(t, flow, s, tree.StepTypeStep)
	}
	for _, s := range after {
		addStep(t, flow, s, tree.StepTypeAfter)
	}
	return flow, tree.NewNodeTree(flow)
}

func equalStatuses(a, b []StepStatus) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRunner_AllSucceed(t *testing.T) {
	flow, nt := buildTree(t, []string{"a", "b"}, []string{"c"})
	flow.Notifications = []tree.Notification{{Plugin: "email", Enabled: true}, {Plugin: "slack"}}

	d := &fakeDispatcher{}
	st := newFakeStore()
	sink := &fakeSink{}
	r := NewRunner(NewCmdManager(plugin.NewStaticResolver()), d, st, WithNotificationSink(sink))

	j := New(flow, 1)
	if err := r.Run(context.Background(), j, nt); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if j.Status != StatusSuccess {
		t.Errorf("expected SUCCESS, got %s", j.Status)
	}
	if got := d.names(); len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Errorf("unexpected dispatch order %v", got)
	}
	if !equalStatuses(st.final(), []StepStatus{StepSuccess, StepSuccess, StepSuccess}) {
		t.Errorf("unexpected step statuses %v", st.final())
	}
	if len(sink.plugins) != 1 || sink.plugins[0] != "email" {
		t.Errorf("expected only enabled notification, got %v", sink.plugins)
	}
	if last := st.jobs[len(st.jobs)-1]; last != StatusSuccess {
		t.Errorf("expected final job save with SUCCESS, got %s", last)
	}
}

func TestRunner_FailureSkipsStepsButRunsAfter(t *testing.T) {
	flow, nt := buildTree(t, []string{"a", "b", "c"}, []string{"cleanup"})
	d := &fakeDispatcher{results: map[string]*Result{
		"a": {Status: StepException, ExitCode: 2, Error: "exit status 2"},
	}}
	var afterStatus string
	d.onRun = func(cmd *CmdIn) {
		if cmd.After {
			afterStatus = cmd.Inputs.GetOr(VarJobStatus, "")
		}
	}
	st := newFakeStore()
	r := NewRunner(NewCmdManager(plugin.NewStaticResolver()), d, st)

	j := New(flow, 1)
	if err := r.Run(context.Background(), j, nt); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if j.Status != StatusFailure {
		t.Errorf("expected FAILURE, got %s", j.Status)
	}
	want := []StepStatus{StepException, StepSkipped, StepSkipped, StepSuccess}
	if !equalStatuses(st.final(), want) {
		t.Errorf("expected %v, got %v", want, st.final())
	}
	if got := d.names(); len(got) != 2 || got[1] != "cleanup" {
		t.Errorf("expected a then cleanup dispatched, got %v", got)
	}
	if afterStatus != string(StatusFailure) {
		t.Errorf("expected after-step to see job status FAILURE, got %q", afterStatus)
	}
}

func TestRunner_AllowFailureContinues(t *testing.T) {
	flow, nt := buildTree(t, []string{"a", "b"}, nil)
	nt.At(0).AllowFailure = true
	d := &fakeDispatcher{results: map[string]*Result{"a": {Status: StepException}}}
	st := newFakeStore()

	j := New(flow, 1)
	if err := NewRunner(NewCmdManager(plugin.NewStaticResolver()), d, st).Run(context.Background(), j, nt); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if j.Status != StatusSuccess {
		t.Errorf("expected SUCCESS under allow failure, got %s", j.Status)
	}
	if len(d.names()) != 2 {
		t.Errorf("expected both steps to run, got %v", d.names())
	}
}

func TestRunner_TimeoutStatus(t *testing.T) {
	flow, nt := buildTree(t, []string{"a"}, nil)
	d := &fakeDispatcher{results: map[string]*Result{"a": {Status: StepTimeout}}}

	j := New(flow, 1)
	if err := NewRunner(NewCmdManager(plugin.NewStaticResolver()), d, newFakeStore()).Run(context.Background(), j, nt); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if j.Status != StatusTimeout {
		t.Errorf("expected TIMEOUT, got %s", j.Status)
	}
}

func TestRunner_BuildFailureStopsWalk(t *testing.T) {
	flow, nt := buildTree(t, []string{"a", "b"}, []string{"cleanup"})
	nt.At(0).Plugin = "missing-plugin"
	d := &fakeDispatcher{}
	st := newFakeStore()

	j := New(flow, 1)
	err := NewRunner(NewCmdManager(plugin.NewStaticResolver()), d, st).Run(context.Background(), j, nt)
	if !errors.Is(err, plugin.ErrNotFound) {
		t.Fatalf("expected plugin.ErrNotFound, got %v", err)
	}
	if j.Status != StatusFailure {
		t.Errorf("expected FAILURE, got %s", j.Status)
	}
	if !equalStatuses(st.final(), []StepStatus{StepException}) {
		t.Errorf("expected only the failed step recorded, got %v", st.final())
	}
	if len(d.names()) != 0 {
		t.Errorf("expected nothing dispatched, got %v", d.names())
	}
}

func TestRunner_DispatchErrorIsException(t *testing.T) {
	flow, nt := buildTree(t, []string{"a"}, nil)
	d := &fakeDispatcher{errs: map[string]error{"a": errors.New("agent offline")}}
	st := newFakeStore()

	j := New(flow, 1)
	if err := NewRunner(NewCmdManager(plugin.NewStaticResolver()), d, st).Run(context.Background(), j, nt); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if j.Status != StatusFailure || j.Message != "agent offline" {
		t.Errorf("expected FAILURE with message, got %s %q", j.Status, j.Message)
	}
}

func TestRunner_ExportsFoldIntoContext(t *testing.T) {
	flow, nt := buildTree(t, []string{"a", "b"}, nil)
	nt.At(0).Exports = []string{"VERSION"}

	d := &fakeDispatcher{results: map[string]*Result{
		"a": {Status: StepSuccess, Outputs: *vars.New("VERSION", "1.2.3", "SECRET", "x")},
	}}
	var seen *vars.Vars
	d.onRun = func(cmd *CmdIn) {
		if cmd.NodePath.Name() == "b" {
			seen = cmd.Inputs.Copy()
		}
	}

	j := New(flow, 1)
	if err := NewRunner(NewCmdManager(plugin.NewStaticResolver()), d, newFakeStore()).Run(context.Background(), j, nt); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if seen == nil || seen.GetOr("VERSION", "") != "1.2.3" {
		t.Fatalf("expected exported VERSION visible to the next step, got %v", seen)
	}
	if seen.Has("SECRET") || j.Context.Has("SECRET") {
		t.Error("expected unlisted outputs to be dropped")
	}
}

func TestRunner_CancelKillsAndCancels(t *testing.T) {
	flow, nt := buildTree(t, []string{"a", "b"}, []string{"cleanup"})
	ctx, cancel := context.WithCancel(context.Background())
	d := &fakeDispatcher{blockFor: "a"}
	d.onRun = func(cmd *CmdIn) {
		if cmd.NodePath.Name() == "a" {
			cancel()
		}
	}
	st := newFakeStore()

	j := New(flow, 1)
	if err := NewRunner(NewCmdManager(plugin.NewStaticResolver()), d, st).Run(ctx, j, nt); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if j.Status != StatusCancelled {
		t.Errorf("expected CANCELLED, got %s", j.Status)
	}
	if d.kills != 1 {
		t.Errorf("expected one kill command, got %d", d.kills)
	}
	want := []StepStatus{StepKilled, StepKilled, StepKilled}
	if !equalStatuses(st.final(), want) {
		t.Errorf("expected %v, got %v", want, st.final())
	}
}

func TestRunner_StoreErrorAborts(t *testing.T) {
	flow, nt := buildTree(t, []string{"a"}, nil)
	st := newFakeStore()
	st.err = errors.New("disk full")

	err := NewRunner(NewCmdManager(plugin.NewStaticResolver()), &fakeDispatcher{}, st).Run(context.Background(), New(flow, 1), nt)
	if err == nil {
		t.Fatal("expected store error")
	}
}

func TestRunner_SharedNameRunsBothNodes(t *testing.T) {
	flow, nt := buildTree(t, []string{"notify"}, []string{"notify"})
	d := &fakeDispatcher{}

	j := New(flow, 1)
	if err := NewRunner(NewCmdManager(plugin.NewStaticResolver()), d, newFakeStore()).Run(context.Background(), j, nt); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := d.names(); len(got) != 2 {
		t.Fatalf("expected both nodes dispatched, got %v", got)
	}
	if !d.shells[1].After {
		t.Error("expected the second command to be the after-step")
	}
}
