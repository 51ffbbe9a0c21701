package yml

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/GoCodeAlone/pipeline-engine/tree"
)

func loadTestdata(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	if err != nil {
		t.Fatalf("failed to read %s: %v", name, err)
	}
	return string(data)
}

func TestLoad_FlowDefinition(t *testing.T) {
	root, err := Load("root", loadTestdata(t, "flow.yml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if root.Name() != "root" || root.Cron != "* * * * *" {
		t.Errorf("unexpected flow header: name=%s cron=%q", root.Name(), root.Cron)
	}
	if root.Env("FLOW_WORKSPACE") != "echo hello" || root.Env("FLOW_VERSION") != "echo version" {
		t.Errorf("unexpected flow envs: %v", root.Environments().Keys())
	}
	if !root.Selector.Match([]string{"ios", "local"}) {
		t.Errorf("expected selector labels ios and local, got %v", root.Selector.Labels)
	}
	if len(root.Trigger.Branches) != 3 || len(root.Trigger.Tags) != 1 {
		t.Errorf("unexpected trigger: %+v", root.Trigger)
	}

	if len(root.Notifications) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(root.Notifications))
	}
	n := root.Notification("email-notify")
	if n == nil || !n.Enabled {
		t.Fatalf("expected enabled email-notify binding, got %+v", n)
	}
	if v, _ := n.Inputs.Get("FLOWCI_SMTP_CONFIG"); v != "test-config" {
		t.Errorf("expected notification input test-config, got %q", v)
	}

	steps := root.Children()
	if len(steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(steps))
	}
	step1 := steps[0]
	if step1.Name() != "step-1" {
		t.Errorf("expected default name step-1, got %s", step1.Name())
	}
	if step1.Env("FLOW_WORKSPACE") != "echo step" {
		t.Errorf("expected step env override, got %q", step1.Env("FLOW_WORKSPACE"))
	}
	if !step1.AllowFailure {
		t.Error("expected step-1 to allow failure")
	}
	if step1.BeforeScript != "println(FLOW_WORKSPACE)\ntrue\n" {
		t.Errorf("unexpected before script %q", step1.BeforeScript)
	}
	if !reflect.DeepEqual(step1.Exports, []string{"VARIABLE_A", "VARIABLE_B"}) {
		t.Errorf("unexpected exports %v", step1.Exports)
	}

	step2 := steps[1]
	if step2.Name() != "step2" || step2.Script != "echo 2" || step2.Timeout != 120 {
		t.Errorf("unexpected step2: name=%s script=%q timeout=%d", step2.Name(), step2.Script, step2.Timeout)
	}
	want := &tree.DockerOption{
		Image:       "ubuntu:18.04",
		Ports:       []string{"6400:6400", "2700:2700"},
		Entrypoint:  []string{"/bin/sh"},
		NetworkMode: "host",
	}
	if !reflect.DeepEqual(step2.Docker, want) {
		t.Errorf("unexpected docker option %+v", step2.Docker)
	}

	after := root.After()
	if len(after) != 2 {
		t.Fatalf("expected 2 after-steps, got %d", len(after))
	}
	if after[0].Name() != "step3" || !after[0].IsAfter() || !after[0].AllowFailure {
		t.Errorf("unexpected first after-step %+v", after[0])
	}
	if after[1].Name() != "after-2" || !after[1].IsAfter() || after[1].AllowFailure {
		t.Errorf("unexpected second after-step %+v", after[1])
	}
}

func TestLoad_TreeRelationship(t *testing.T) {
	root, err := Load("hello", loadTestdata(t, "flow.yml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	nt := tree.NewNodeTree(root)

	step1 := nt.Get(tree.MustParsePath("hello/step-1"))
	if step1 == nil || nt.ParentOf(step1) != tree.Node(root) {
		t.Fatalf("expected hello/step-1 under root, got %v", step1)
	}
	step2 := nt.Next(step1.Path())
	if step2 == nil || step2.Name() != "step2" {
		t.Fatalf("expected step2 after step-1, got %v", step2)
	}
	after1 := nt.Next(step2.Path())
	if after1 == nil || !after1.IsAfter() {
		t.Fatalf("expected an after-step after step2, got %v", after1)
	}
	after2 := nt.Next(after1.Path())
	if after2 == nil || !after2.IsAfter() {
		t.Fatalf("expected second after-step, got %v", after2)
	}
	if nt.Next(after2.Path()) != nil {
		t.Fatal("expected no node after the last after-step")
	}
}

func TestLoad_Scenario(t *testing.T) {
	const def = `
steps:
  - {}
  - name: step2
    docker:
      image: ubuntu:18.04
after:
  - name: step3
    allow_failure: true
`
	root, err := Load("root", def)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(root.Children()) != 2 || len(root.After()) != 1 {
		t.Fatalf("expected 2 steps and 1 after-step, got %d and %d", len(root.Children()), len(root.After()))
	}

	nt := tree.NewNodeTree(root)
	if n := nt.Next(tree.MustParsePath("root/step-1")); n == nil || n.Name() != "step2" {
		t.Fatalf("expected step2, got %v", n)
	}
	if n := nt.Next(tree.MustParsePath("root/step2")); n == nil || n.Name() != "step3" {
		t.Fatalf("expected step3, got %v", n)
	}
	if n := nt.Next(tree.MustParsePath("root/step3")); n != nil {
		t.Fatalf("expected nothing after step3, got %s", n.Name())
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		root    string
		def     string
		wantErr error
	}{
		{
			name:    "invalid step name",
			root:    "root",
			def:     loadTestdata(t, "flow-with-invalid-name.yml"),
			wantErr: tree.ErrInvalidDefinition,
		},
		{
			name:    "invalid root name",
			root:    "my flow",
			def:     "steps:\n  - script: echo\n",
			wantErr: tree.ErrInvalidDefinition,
		},
		{
			name:    "no steps",
			root:    "root",
			def:     "envs:\n  A: b\n",
			wantErr: tree.ErrValidation,
		},
		{
			name:    "empty definition",
			root:    "root",
			def:     "",
			wantErr: tree.ErrValidation,
		},
		{
			name:    "duplicate step",
			root:    "root",
			def:     "steps:\n  - name: a\n  - name: a\n",
			wantErr: tree.ErrDuplicate,
		},
		{
			name:    "duplicate default name",
			root:    "root",
			def:     "steps:\n  - script: one\n  - name: step-1\n",
			wantErr: tree.ErrDuplicate,
		},
		{
			name:    "duplicate after-step",
			root:    "root",
			def:     "steps:\n  - name: a\nafter:\n  - name: b\n  - name: b\n",
			wantErr: tree.ErrDuplicate,
		},
		{
			name:    "duplicate notification plugin",
			root:    "root",
			def:     "notifications:\n  - plugin: slack\n  - plugin: slack\nsteps:\n  - name: a\n",
			wantErr: tree.ErrDuplicate,
		},
		{
			name:    "unknown field",
			root:    "root",
			def:     "steps:\n  - name: a\n    scirpt: typo\n",
			wantErr: tree.ErrValidation,
		},
		{
			name:    "docker without image",
			root:    "root",
			def:     "steps:\n  - name: a\n    docker:\n      network_mode: host\n",
			wantErr: tree.ErrValidation,
		},
		{
			name:    "bad trigger pattern",
			root:    "root",
			def:     "trigger:\n  branch:\n    - \"[main\"\nsteps:\n  - name: a\n",
			wantErr: tree.ErrValidation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root, err := Load(tt.root, tt.def)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if root != nil {
				t.Fatal("expected no partial tree on error")
			}
		})
	}
}

func TestLoad_SameNameInStepsAndAfter(t *testing.T) {
	root, err := Load("root", "steps:\n  - name: notify\nafter:\n  - name: notify\n")
	if err != nil {
		t.Fatalf("expected shared name across lists to compile, got %v", err)
	}
	if root.Children()[0].Path() != root.After()[0].Path() {
		t.Error("expected both nodes to be addressed under the root by name")
	}
}

func TestParse_RoundTrip(t *testing.T) {
	defs := map[string]string{
		"full":    loadTestdata(t, "flow.yml"),
		"minimal": "steps:\n  - script: echo hi\n",
		"disabled notification": "notifications:\n  - plugin: slack\n    enabled: false\n" +
			"steps:\n  - name: a\n    plugin: gradle\n",
	}
	for name, def := range defs {
		t.Run(name, func(t *testing.T) {
			first, err := Load("root", def)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			text, err := Parse(first)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			second, err := Load("root", text)
			if err != nil {
				t.Fatalf("Load of serialized flow: %v\n%s", err, text)
			}
			if !reflect.DeepEqual(first, second) {
				t.Fatalf("round trip changed the flow:\n%s", text)
			}

			again, err := Parse(second)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if again != text {
				t.Errorf("expected stable serialization, got:\n%s\nvs\n%s", text, again)
			}
		})
	}
}

func TestParse_DisabledNotificationKept(t *testing.T) {
	root, err := Load("root", "notifications:\n  - plugin: slack\n    enabled: false\nsteps:\n  - name: a\n")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if n := root.Notification("slack"); n == nil || n.Enabled {
		t.Fatalf("expected disabled slack binding, got %+v", n)
	}
}
