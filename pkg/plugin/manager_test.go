package plugin

import (
	"context"
	"testing"

	"OpenRill/internal/source"
	"OpenRill/internal/stream"
)

type stubFactory struct {
	kind   string
	caps   []source.Capability
	closed bool
}

func (f *stubFactory) Kind() string { return f.kind }

func (f *stubFactory) Capabilities() []source.Capability { return f.caps }

func (f *stubFactory) Open(context.Context, source.Options) (source.Opened, error) {
	return source.Opened{Source: stream.SourceFuncs{}}, nil
}

func (f *stubFactory) Close() error {
	f.closed = true
	return nil
}

type stubLoader struct {
	factories map[string]source.Factory
}

func (l stubLoader) Load(path string) (source.Factory, error) {
	return l.factories[path], nil
}

func TestManagerRegistersFactories(t *testing.T) {
	registry := source.NewRegistry()
	factory := &stubFactory{kind: "counter"}
	cfg := ManagerConfig{
		PluginDir: "/plugins",
		Plugins: map[string]PluginConfig{
			"counter": {Enabled: true, Path: "counter.so"},
		},
	}
	loader := stubLoader{factories: map[string]source.Factory{
		"/plugins/counter.so": factory,
	}}

	m, err := NewManager(cfg, registry, WithLoader(loader))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	if err := registry.Define("ticks", source.Definition{Kind: "counter"}); err != nil {
		t.Fatalf("define source backed by plugin kind: %v", err)
	}
	if state, err := m.State("counter"); err != nil || state != StateRegistered {
		t.Fatalf("unexpected state: %v %v", state, err)
	}

	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !factory.closed {
		t.Fatal("factory close should be invoked on shutdown")
	}
	if state, _ := m.State("counter"); state != StateClosed {
		t.Fatalf("state after close: %v", state)
	}
}

func TestManagerEnforcesCapabilityPolicy(t *testing.T) {
	registry := source.NewRegistry()
	factory := &stubFactory{kind: "exec", caps: []source.Capability{source.CapabilityExec}}
	loader := stubLoader{factories: map[string]source.Factory{"exec.so": factory}}

	cfg := ManagerConfig{
		Defaults: IsolationPolicy{AllowedCapabilities: []source.Capability{source.CapabilityFS}},
		Plugins: map[string]PluginConfig{
			"exec": {Enabled: true, Path: "exec.so"},
		},
	}
	if _, err := NewManager(cfg, registry, WithLoader(loader)); err == nil {
		t.Fatal("exec capability should be rejected by the fs-only policy")
	}
}

func TestManagerRejectsMissingPolicy(t *testing.T) {
	registry := source.NewRegistry()
	factory := &stubFactory{kind: "net", caps: []source.Capability{source.CapabilityNet}}

	m, err := NewManager(ManagerConfig{}, registry)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := m.Register("net", factory, nil, IsolationPolicy{}); err == nil {
		t.Fatal("capability-declaring plugin without policy should be rejected")
	}
}
