package config

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultStackFile is loaded from the working directory when no -stack flag
// is given. If it does not exist the built-in stack is used.
const DefaultStackFile = "ragstack.yaml"

// Probe kinds understood by the readiness prober.
const (
	ProbeHTTP   = "http"   // GET URL, ready on expected status
	ProbeTCP    = "tcp"    // dial address, ready on connect
	ProbeMetric = "metric" // GET a Prometheus exposition, ready when Metric >= 1
	ProbeNone   = "none"   // no probe, ready after Grace
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalYAML renders the duration in time.Duration string form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML accepts duration strings ("90s", "2m30s").
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// ProbeSpec describes how to decide a service is ready.
type ProbeSpec struct {
	Kind string `yaml:"kind" json:"kind"`

	// http / metric probes
	URL          string `yaml:"url,omitempty" json:"url,omitempty"`
	ExpectStatus int    `yaml:"expect_status,omitempty" json:"expect_status,omitempty"` // 0 = any 2xx
	Metric       string `yaml:"metric,omitempty" json:"metric,omitempty"`               // metric probes only

	// tcp probes
	Address string `yaml:"address,omitempty" json:"address,omitempty"`

	// Timing. Zero values inherit the launcher defaults; an explicit
	// negative timeout means "check once, no retry".
	Timeout        Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Interval       Duration `yaml:"interval,omitempty" json:"interval,omitempty"`
	AttemptTimeout Duration `yaml:"attempt_timeout,omitempty" json:"attempt_timeout,omitempty"`

	// none probes: how long to let the process settle before calling it ready
	Grace Duration `yaml:"grace,omitempty" json:"grace,omitempty"`
}

// ServiceSpec describes one service in the stack. Immutable after
// validation; the supervisor starts services in ascending Rank order.
type ServiceSpec struct {
	Name     string            `yaml:"name" json:"name"`
	Command  []string          `yaml:"command" json:"command"`
	Dir      string            `yaml:"dir,omitempty" json:"dir,omitempty"`
	Env      map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Rank     int               `yaml:"rank" json:"rank"`
	Required bool              `yaml:"required" json:"required"`
	Probe    ProbeSpec         `yaml:"probe" json:"probe"`

	// StopGrace is the SIGTERM-to-SIGKILL window at shutdown.
	// Zero inherits the launcher default.
	StopGrace Duration `yaml:"stop_grace,omitempty" json:"stop_grace,omitempty"`
}

// IndexSpec describes the knowledge-index gate: where the built index lives
// and how to build it when absent.
type IndexSpec struct {
	Dir          string   `yaml:"dir" json:"dir"`
	BuildCommand []string `yaml:"build_command" json:"build_command"`
	Workdir      string   `yaml:"workdir,omitempty" json:"workdir,omitempty"`
}

// Stack is the full launch definition: the index gate plus the ordered
// service list.
type Stack struct {
	Index    IndexSpec     `yaml:"index" json:"index"`
	Services []ServiceSpec `yaml:"services" json:"services"`
}

// DefaultStack returns the built-in GraphRAG chat stack: LiteLLM proxy in
// front of a local Ollama model, the retrieval backend, and the Chainlit
// web UI.
func DefaultStack() *Stack {
	return &Stack{
		Index: IndexSpec{
			Dir:          "output",
			BuildCommand: []string{"python", "-m", "graphrag.index", "--root", "."},
		},
		Services: []ServiceSpec{
			{
				Name:     "llm-proxy",
				Command:  []string{"litellm", "--model", "ollama_chat/llama3", "--port", "8000"},
				Rank:     10,
				Required: true,
				Probe: ProbeSpec{
					Kind: ProbeHTTP,
					URL:  "http://127.0.0.1:8000/health",
				},
			},
			{
				Name:     "backend",
				Command:  []string{"python", "app.py", "--port", "8502"},
				Rank:     20,
				Required: true,
				Probe: ProbeSpec{
					Kind: ProbeHTTP,
					URL:  "http://127.0.0.1:8502/health",
				},
			},
			{
				Name:     "webui",
				Command:  []string{"chainlit", "run", "appUI.py", "--host", "127.0.0.1", "--port", "8501"},
				Rank:     30,
				Required: false,
				Probe: ProbeSpec{
					Kind: ProbeNone,
				},
			},
		},
	}
}

// LoadStack reads and parses a YAML stack file. Unknown fields are
// rejected so typos fail loudly instead of silently launching the wrong
// stack.
func LoadStack(path string) (*Stack, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading stack file: %w", err)
	}

	var stack Stack
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&stack); err != nil {
		return nil, fmt.Errorf("parsing stack file %s: %w", path, err)
	}

	return &stack, nil
}

// Render returns the resolved stack as YAML. Used by -print-plan so the
// operator can see exactly what would launch, defaults filled in.
func (s *Stack) Render() (string, error) {
	out, err := yaml.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("rendering stack: %w", err)
	}
	return string(out), nil
}

// StackSource names where ResolveStack took the stack from: the stack
// file path, or "builtin". Used for logs, metrics labels, and the exit
// summary.
func StackSource(cfg *Config) string {
	if cfg.StackFile != "" {
		return cfg.StackFile
	}
	if _, err := os.Stat(DefaultStackFile); err == nil {
		return DefaultStackFile
	}
	return "builtin"
}

// ResolveStack picks the stack to launch: the -stack file if given, else
// ragstack.yaml in the working directory if present, else the built-in
// default stack. The returned stack has launcher defaults applied and
// services sorted by rank.
func ResolveStack(cfg *Config) (*Stack, error) {
	var (
		stack *Stack
		err   error
	)

	switch {
	case cfg.StackFile != "":
		stack, err = LoadStack(cfg.StackFile)
	default:
		if _, statErr := os.Stat(DefaultStackFile); statErr == nil {
			stack, err = LoadStack(DefaultStackFile)
		} else {
			stack = DefaultStack()
		}
	}
	if err != nil {
		return nil, err
	}

	if cfg.IndexDir != "" {
		stack.Index.Dir = cfg.IndexDir
	}

	applyStackDefaults(stack, cfg)

	if len(cfg.Only) > 0 {
		if err := selectServices(stack, cfg.Only); err != nil {
			return nil, err
		}
	}

	// Stable sort: equal ranks keep file order.
	sort.SliceStable(stack.Services, func(i, j int) bool {
		return stack.Services[i].Rank < stack.Services[j].Rank
	})

	return stack, nil
}

// applyStackDefaults fills zero-valued per-service timing from the
// launcher-level defaults.
func applyStackDefaults(stack *Stack, cfg *Config) {
	for i := range stack.Services {
		s := &stack.Services[i]
		if s.Probe.Kind == "" {
			s.Probe.Kind = ProbeNone
		}
		if s.Probe.Timeout == 0 {
			s.Probe.Timeout = Duration(cfg.ProbeTimeout)
		}
		if s.Probe.Interval == 0 {
			s.Probe.Interval = Duration(cfg.ProbeInterval)
		}
		if s.Probe.AttemptTimeout == 0 {
			s.Probe.AttemptTimeout = Duration(cfg.ProbeAttemptTimeout)
		}
		if s.Probe.Grace == 0 {
			s.Probe.Grace = Duration(cfg.ReadyGrace)
		}
		if s.StopGrace == 0 {
			s.StopGrace = Duration(cfg.StopGrace)
		}
	}
}

// selectServices filters the stack down to the named subset, keeping the
// index gate untouched. Unknown names are an error so a typo cannot
// silently drop a required service.
func selectServices(stack *Stack, only []string) error {
	byName := make(map[string]ServiceSpec, len(stack.Services))
	for _, s := range stack.Services {
		byName[s.Name] = s
	}

	selected := make([]ServiceSpec, 0, len(only))
	seen := make(map[string]bool, len(only))
	for _, name := range only {
		if seen[name] {
			continue
		}
		seen[name] = true
		s, ok := byName[name]
		if !ok {
			return fmt.Errorf("unknown service %q in -only (stack has: %s)", name, serviceNames(stack.Services))
		}
		selected = append(selected, s)
	}

	stack.Services = selected
	return nil
}

func serviceNames(specs []ServiceSpec) string {
	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Name
	}
	return strings.Join(names, ", ")
}
