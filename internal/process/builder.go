package process

import (
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/randomizedcoder/go-ragstack-launcher/internal/config"
)

// Builder turns a service definition into a ready-to-start command.
type Builder struct {
	spec config.ServiceSpec
}

// NewBuilder creates a builder for the given service.
func NewBuilder(spec config.ServiceSpec) *Builder {
	return &Builder{spec: spec}
}

// BuildCommand creates an exec.Cmd for the service with its working
// directory and environment applied. The command is NOT started.
func (b *Builder) BuildCommand() (*exec.Cmd, error) {
	if len(b.spec.Command) == 0 {
		return nil, fmt.Errorf("service %s has an empty command", b.spec.Name)
	}

	cmd := exec.Command(b.spec.Command[0], b.spec.Command[1:]...)
	cmd.Dir = b.spec.Dir

	// nil Env inherits the launcher's environment; only build an explicit
	// environment when the service declares overrides.
	if len(b.spec.Env) > 0 {
		cmd.Env = append(os.Environ(), b.environ()...)
	}

	return cmd, nil
}

// environ renders the service's env overrides as KEY=VALUE pairs in a
// deterministic order.
func (b *Builder) environ() []string {
	keys := make([]string, 0, len(b.spec.Env))
	for k := range b.spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+b.spec.Env[k])
	}
	return pairs
}

// CommandLine returns the command that would be executed (for logs and
// the launch plan).
func (b *Builder) CommandLine() string {
	return strings.Join(b.spec.Command, " ")
}
