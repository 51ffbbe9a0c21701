package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"path"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// fakeDocker records calls made by DockerRuntime.
type fakeDocker struct {
	mu sync.Mutex

	localImages map[string]bool
	pullErr     error
	createErr   error
	startErr    error
	exitCode    int
	waitForever bool
	logs        []byte

	pulled    []string
	created   *container.Config
	hostCfg   *container.HostConfig
	copied    []string
	started   bool
	killed    string
	removed   container.RemoveOptions
	removedID string
}

func (f *fakeDocker) ImageInspectWithRaw(_ context.Context, ref string) (image.InspectResponse, []byte, error) {
	if f.localImages[ref] {
		return image.InspectResponse{ID: ref}, nil, nil
	}
	return image.InspectResponse{}, nil, errors.New("No such image")
}

func (f *fakeDocker) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = append(f.pulled, ref)
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	return io.NopCloser(strings.NewReader(`{"status":"done"}`)), nil
}

func (f *fakeDocker) ContainerCreate(_ context.Context, cfg *container.Config, hc *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, _ string) (container.CreateResponse, error) {
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	f.created, f.hostCfg = cfg, hc
	return container.CreateResponse{ID: "c-123"}, nil
}

func (f *fakeDocker) CopyToContainer(_ context.Context, _ string, dst string, content io.Reader, _ container.CopyToContainerOptions) error {
	tr := tar.NewReader(content)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		f.copied = append(f.copied, path.Join(dst, header.Name))
	}
}

func (f *fakeDocker) ContainerStart(context.Context, string, container.StartOptions) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}

func (f *fakeDocker) ContainerLogs(context.Context, string, container.LogsOptions) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(f.logs)), nil
}

func (f *fakeDocker) ContainerWait(ctx context.Context, _ string, _ container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	statusCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)
	if f.waitForever {
		go func() {
			<-ctx.Done()
			errCh <- ctx.Err()
		}()
		return statusCh, errCh
	}
	statusCh <- container.WaitResponse{StatusCode: int64(f.exitCode)}
	return statusCh, errCh
}

func (f *fakeDocker) ContainerKill(_ context.Context, id, _ string) error {
	f.killed = id
	return nil
}

func (f *fakeDocker) ContainerInspect(context.Context, string) (container.InspectResponse, error) {
	return container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{State: &container.State{ExitCode: f.exitCode}},
	}, nil
}

func (f *fakeDocker) ContainerRemove(_ context.Context, id string, opts container.RemoveOptions) error {
	f.removedID, f.removed = id, opts
	return nil
}

func (f *fakeDocker) Close() error { return nil }

func TestDockerRuntime_PullImage(t *testing.T) {
	tests := []struct {
		name       string
		local      bool
		pullErr    error
		wantPulled bool
		wantErr    bool
	}{
		{"already local", true, nil, false, false},
		{"pulled", false, nil, true, false},
		{"pull fails", false, errors.New("manifest unknown"), true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeDocker{localImages: map[string]bool{"alpine": tt.local}, pullErr: tt.pullErr}
			rt := newDockerRuntimeWithClient(f, nil)

			err := rt.PullImage(context.Background(), "alpine")
			if tt.wantErr {
				if !errors.Is(err, ErrImageUnavailable) {
					t.Fatalf("expected ErrImageUnavailable, got %v", err)
				}
			} else if err != nil {
				t.Fatalf("PullImage: %v", err)
			}
			if (len(f.pulled) > 0) != tt.wantPulled {
				t.Errorf("expected pulled=%v, got %v", tt.wantPulled, f.pulled)
			}
		})
	}
}

func TestDockerRuntime_CreateAndStart(t *testing.T) {
	f := &fakeDocker{}
	rt := newDockerRuntimeWithClient(f, nil)

	id, err := rt.CreateAndStart(context.Background(), ContainerSpec{
		Image:       "ubuntu:18.04",
		Cmd:         []string{"/bin/sh", "-c", "echo hi"},
		Entrypoint:  []string{"/bin/sh"},
		Env:         []string{"A=1"},
		NetworkMode: "host",
		Ports:       []string{"6400:6400"},
		Mounts:      []Mount{{Source: "/src", Target: "/ws", ReadOnly: true}},
		Copies:      []Copy{{Source: t.TempDir(), Target: "/plugins/gradle"}},
		MemoryLimit: 1 << 20,
		CPULimit:    0.5,
	})
	if err != nil {
		t.Fatalf("CreateAndStart: %v", err)
	}
	if id != "c-123" || !f.started {
		t.Fatalf("expected started container c-123, got %q started=%v", id, f.started)
	}
	if f.created.Image != "ubuntu:18.04" || f.created.Env[0] != "A=1" {
		t.Errorf("unexpected config %+v", f.created)
	}
	if string(f.hostCfg.NetworkMode) != "host" {
		t.Errorf("expected host network, got %q", f.hostCfg.NetworkMode)
	}
	if len(f.hostCfg.PortBindings) != 1 || len(f.created.ExposedPorts) != 1 {
		t.Errorf("expected one port binding, got %v", f.hostCfg.PortBindings)
	}
	if f.hostCfg.Resources.NanoCPUs != 5e8 || f.hostCfg.Resources.Memory != 1<<20 {
		t.Errorf("unexpected resources %+v", f.hostCfg.Resources)
	}
	if len(f.hostCfg.Mounts) != 1 || !f.hostCfg.Mounts[0].ReadOnly {
		t.Errorf("unexpected mounts %+v", f.hostCfg.Mounts)
	}
	if len(f.copied) != 2 || f.copied[0] != "/plugins" || f.copied[1] != "/plugins/gradle" {
		t.Errorf("expected plugin dir created under /plugins/gradle, got %v", f.copied)
	}
}

func TestDockerRuntime_StartFailureReturnsID(t *testing.T) {
	f := &fakeDocker{startErr: errors.New("port in use")}
	id, err := newDockerRuntimeWithClient(f, nil).CreateAndStart(context.Background(), ContainerSpec{Image: "alpine"})
	if err == nil || id != "c-123" {
		t.Fatalf("expected id with start error, got %q, %v", id, err)
	}
}

func TestDockerRuntime_CreateRejectsBadSpec(t *testing.T) {
	rt := newDockerRuntimeWithClient(&fakeDocker{}, nil)
	if _, err := rt.CreateAndStart(context.Background(), ContainerSpec{}); err == nil {
		t.Error("expected error for empty image")
	}
	if _, err := rt.CreateAndStart(context.Background(), ContainerSpec{Image: "alpine", Ports: []string{"abc:def"}}); err == nil {
		t.Error("expected error for invalid port spec")
	}
}

func TestDockerRuntime_Wait(t *testing.T) {
	rt := newDockerRuntimeWithClient(&fakeDocker{exitCode: 3}, nil)
	done, err := rt.Wait(context.Background(), "c-123", time.Second)
	if err != nil || !done {
		t.Fatalf("expected completion, got %v %v", done, err)
	}

	rt = newDockerRuntimeWithClient(&fakeDocker{waitForever: true}, nil)
	done, err = rt.Wait(context.Background(), "c-123", 20*time.Millisecond)
	if err != nil || done {
		t.Fatalf("expected timeout without error, got %v %v", done, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = rt.Wait(ctx, "c-123", time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestDockerRuntime_ExitCodeKillRemove(t *testing.T) {
	f := &fakeDocker{exitCode: 137}
	rt := newDockerRuntimeWithClient(f, nil)
	ctx := context.Background()

	if err := rt.Kill(ctx, "c-123"); err != nil || f.killed != "c-123" {
		t.Fatalf("Kill: %v (killed %q)", err, f.killed)
	}
	code, err := rt.ExitCode(ctx, "c-123")
	if err != nil || code != 137 {
		t.Fatalf("expected exit code 137, got %d %v", code, err)
	}
	if err := rt.Remove(ctx, "c-123"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if f.removedID != "c-123" || !f.removed.Force {
		t.Errorf("expected forced removal, got %q %+v", f.removedID, f.removed)
	}
}

func TestDockerRuntime_StreamLogs(t *testing.T) {
	var raw bytes.Buffer
	if _, err := stdcopy.NewStdWriter(&raw, stdcopy.Stdout).Write([]byte("hello\n")); err != nil {
		t.Fatalf("write stdout frame: %v", err)
	}
	if _, err := stdcopy.NewStdWriter(&raw, stdcopy.Stderr).Write([]byte("oops\n")); err != nil {
		t.Fatalf("write stderr frame: %v", err)
	}

	rt := newDockerRuntimeWithClient(&fakeDocker{logs: raw.Bytes()}, nil)
	var stdout, stderr bytes.Buffer
	if err := rt.StreamLogs(context.Background(), "c-123", &stdout, &stderr); err != nil {
		t.Fatalf("StreamLogs: %v", err)
	}
	if stdout.String() != "hello\n" || stderr.String() != "oops\n" {
		t.Errorf("unexpected demux: stdout=%q stderr=%q", stdout.String(), stderr.String())
	}
}
