package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

const sampleStackYAML = `
index:
  dir: output
  build_command: ["python", "-m", "graphrag.index", "--root", "."]
services:
  - name: llm-proxy
    command: ["litellm", "--model", "ollama_chat/llama3", "--port", "8000"]
    rank: 10
    required: true
    probe:
      kind: http
      url: http://127.0.0.1:8000/health
      timeout: 90s
  - name: webui
    command: ["chainlit", "run", "appUI.py"]
    rank: 30
    probe:
      kind: none
      grace: 3s
  - name: backend
    command: ["python", "app.py"]
    rank: 20
    required: true
    probe:
      kind: tcp
      address: 127.0.0.1:8502
`

func writeStackFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stack.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing stack file: %v", err)
	}
	return path
}

func TestLoadStack(t *testing.T) {
	path := writeStackFile(t, sampleStackYAML)

	stack, err := LoadStack(path)
	if err != nil {
		t.Fatalf("LoadStack: %v", err)
	}

	if stack.Index.Dir != "output" {
		t.Errorf("Index.Dir = %q, want %q", stack.Index.Dir, "output")
	}
	if len(stack.Index.BuildCommand) != 5 {
		t.Errorf("BuildCommand = %v, want 5 args", stack.Index.BuildCommand)
	}
	if len(stack.Services) != 3 {
		t.Fatalf("Services = %d, want 3", len(stack.Services))
	}

	proxy := stack.Services[0]
	if proxy.Name != "llm-proxy" || !proxy.Required {
		t.Errorf("first service = %+v, want required llm-proxy", proxy)
	}
	if proxy.Probe.Kind != ProbeHTTP || proxy.Probe.URL != "http://127.0.0.1:8000/health" {
		t.Errorf("proxy probe = %+v", proxy.Probe)
	}
	if time.Duration(proxy.Probe.Timeout) != 90*time.Second {
		t.Errorf("proxy probe timeout = %v, want 90s", proxy.Probe.Timeout)
	}
}

func TestLoadStack_MissingFile(t *testing.T) {
	_, err := LoadStack(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestLoadStack_UnknownField(t *testing.T) {
	path := writeStackFile(t, `
services:
  - name: backend
    command: ["python", "app.py"]
    reqired: true
`)

	_, err := LoadStack(path)
	if err == nil {
		t.Error("Expected error for unknown field (typo should fail loudly)")
	}
}

func TestDuration_UnmarshalYAML(t *testing.T) {
	testCases := []struct {
		input    string
		expected time.Duration
		wantErr  bool
	}{
		{`"30s"`, 30 * time.Second, false},
		{`"2m30s"`, 2*time.Minute + 30*time.Second, false},
		{`"500ms"`, 500 * time.Millisecond, false},
		{`"30"`, 0, true},   // bare numbers are ambiguous
		{`"fast"`, 0, true}, // not a duration
		{`[1, 2]`, 0, true}, // wrong node kind
	}

	for _, tc := range testCases {
		t.Run(tc.input, func(t *testing.T) {
			var d Duration
			err := yaml.Unmarshal([]byte(tc.input), &d)
			if tc.wantErr {
				if err == nil {
					t.Errorf("Expected error for %s", tc.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unmarshal(%s): %v", tc.input, err)
			}
			if time.Duration(d) != tc.expected {
				t.Errorf("Unmarshal(%s) = %v, want %v", tc.input, time.Duration(d), tc.expected)
			}
		})
	}
}

func TestDefaultStack(t *testing.T) {
	stack := DefaultStack()

	if stack.Index.Dir != "output" {
		t.Errorf("Index.Dir = %q, want %q", stack.Index.Dir, "output")
	}
	if len(stack.Services) != 3 {
		t.Fatalf("Services = %d, want 3", len(stack.Services))
	}

	// Proxy and backend are required; the web UI is not
	for _, s := range stack.Services {
		switch s.Name {
		case "llm-proxy", "backend":
			if !s.Required {
				t.Errorf("%s should be required", s.Name)
			}
		case "webui":
			if s.Required {
				t.Error("webui should be optional")
			}
		default:
			t.Errorf("unexpected service %q", s.Name)
		}
	}
}

func TestResolveStack_SortsByRank(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StackFile = writeStackFile(t, sampleStackYAML)

	stack, err := ResolveStack(cfg)
	if err != nil {
		t.Fatalf("ResolveStack: %v", err)
	}

	var order []string
	for _, s := range stack.Services {
		order = append(order, s.Name)
	}
	want := []string{"llm-proxy", "backend", "webui"}
	for i, name := range want {
		if order[i] != name {
			t.Fatalf("start order = %v, want %v", order, want)
		}
	}
}

func TestResolveStack_AppliesDefaults(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StackFile = writeStackFile(t, sampleStackYAML)

	stack, err := ResolveStack(cfg)
	if err != nil {
		t.Fatalf("ResolveStack: %v", err)
	}

	for _, s := range stack.Services {
		if s.Probe.Interval == 0 {
			t.Errorf("%s: probe interval not defaulted", s.Name)
		}
		if s.StopGrace == 0 {
			t.Errorf("%s: stop grace not defaulted", s.Name)
		}
	}

	// Explicit values survive defaulting
	if time.Duration(stack.Services[0].Probe.Timeout) != 90*time.Second {
		t.Errorf("explicit probe timeout overwritten: %v", stack.Services[0].Probe.Timeout)
	}
}

func TestResolveStack_IndexDirOverride(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StackFile = writeStackFile(t, sampleStackYAML)
	cfg.IndexDir = "/tmp/other-index"

	stack, err := ResolveStack(cfg)
	if err != nil {
		t.Fatalf("ResolveStack: %v", err)
	}
	if stack.Index.Dir != "/tmp/other-index" {
		t.Errorf("Index.Dir = %q, want override", stack.Index.Dir)
	}
}

func TestResolveStack_OnlySubset(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StackFile = writeStackFile(t, sampleStackYAML)
	cfg.Only = []string{"backend", "llm-proxy"}

	stack, err := ResolveStack(cfg)
	if err != nil {
		t.Fatalf("ResolveStack: %v", err)
	}

	if len(stack.Services) != 2 {
		t.Fatalf("Services = %d, want 2", len(stack.Services))
	}
	// Rank order still wins over -only order
	if stack.Services[0].Name != "llm-proxy" || stack.Services[1].Name != "backend" {
		t.Errorf("subset order = %s, %s", stack.Services[0].Name, stack.Services[1].Name)
	}
}

func TestResolveStack_OnlyUnknownService(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StackFile = writeStackFile(t, sampleStackYAML)
	cfg.Only = []string{"backend", "database"}

	_, err := ResolveStack(cfg)
	if err == nil {
		t.Fatal("Expected error for unknown service name")
	}
	if !strings.Contains(err.Error(), "database") {
		t.Errorf("Error should name the unknown service: %v", err)
	}
}

func TestResolveStack_BuiltInFallback(t *testing.T) {
	cfg := DefaultConfig()
	// Run from a directory with no ragstack.yaml
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(cwd)

	stack, err := ResolveStack(cfg)
	if err != nil {
		t.Fatalf("ResolveStack: %v", err)
	}
	if len(stack.Services) != 3 {
		t.Errorf("built-in stack should have 3 services, got %d", len(stack.Services))
	}
}

func TestValidateStack_Valid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StackFile = writeStackFile(t, sampleStackYAML)

	stack, err := ResolveStack(cfg)
	if err != nil {
		t.Fatalf("ResolveStack: %v", err)
	}

	if err := ValidateStack(stack, cfg); err != nil {
		t.Errorf("Valid stack should not error: %v", err)
	}
}

func TestValidateStack_Errors(t *testing.T) {
	cfg := DefaultConfig()

	testCases := []struct {
		name    string
		mutate  func(*Stack)
		wantSub string
	}{
		{
			name:    "no services",
			mutate:  func(s *Stack) { s.Services = nil },
			wantSub: "no services",
		},
		{
			name:    "missing name",
			mutate:  func(s *Stack) { s.Services[0].Name = "" },
			wantSub: "name is required",
		},
		{
			name:    "duplicate name",
			mutate:  func(s *Stack) { s.Services[1].Name = s.Services[0].Name },
			wantSub: "duplicate",
		},
		{
			name:    "missing command",
			mutate:  func(s *Stack) { s.Services[0].Command = nil },
			wantSub: "command is required",
		},
		{
			name:    "bad probe kind",
			mutate:  func(s *Stack) { s.Services[0].Probe.Kind = "udp" },
			wantSub: "probe.kind",
		},
		{
			name: "http probe without url",
			mutate: func(s *Stack) {
				s.Services[0].Probe = ProbeSpec{Kind: ProbeHTTP, Interval: Duration(time.Second), AttemptTimeout: Duration(time.Second)}
			},
			wantSub: "URL is required",
		},
		{
			name: "metric probe without metric name",
			mutate: func(s *Stack) {
				s.Services[0].Probe = ProbeSpec{
					Kind: ProbeMetric, URL: "http://127.0.0.1:9100/metrics",
					Interval: Duration(time.Second), AttemptTimeout: Duration(time.Second),
				}
			},
			wantSub: "metric name is required",
		},
		{
			name: "tcp probe bad address",
			mutate: func(s *Stack) {
				s.Services[0].Probe = ProbeSpec{
					Kind: ProbeTCP, Address: "localhost",
					Interval: Duration(time.Second), AttemptTimeout: Duration(time.Second),
				}
			},
			wantSub: "host:port",
		},
		{
			name:    "missing index dir",
			mutate:  func(s *Stack) { s.Index.Dir = "" },
			wantSub: "index.dir",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			stack := DefaultStack()
			applyStackDefaults(stack, cfg)
			tc.mutate(stack)

			err := ValidateStack(stack, cfg)
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Errorf("Error should contain %q: %v", tc.wantSub, err)
			}
		})
	}
}

func TestValidateStack_SkipIndexCheckRelaxesIndex(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SkipIndexCheck = true

	stack := DefaultStack()
	applyStackDefaults(stack, cfg)
	stack.Index.Dir = ""

	if err := ValidateStack(stack, cfg); err != nil {
		t.Errorf("SkipIndexCheck should relax index validation: %v", err)
	}
}
