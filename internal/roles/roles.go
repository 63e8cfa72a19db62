// Package roles resolves the capability ceiling attached to an execution
// role: which tools it may invoke, which path classes it touches, and
// whether it may reach the network. Role capabilities layer under task
// pins: a task's scope may only further restrict what its role permits.
package roles

import (
	"fmt"
	"hash/fnv"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrUnknownRole is returned when a task names a role that is not in the
// registry. There is no silent fallback role.
var ErrUnknownRole = fmt.Errorf("unknown role")

// Capabilities is the ceiling granted to one role.
type Capabilities struct {
	AllowedTools   []string `yaml:"allowed_tools"`
	DeniedTools    []string `yaml:"denied_tools"`
	PathClasses    []string `yaml:"path_classes"`
	NetworkAllowed bool     `yaml:"network_allowed"`
	PinsRequired   bool     `yaml:"pins_required"`
}

// ToolAllowed checks a tool against the capability ceiling. A tool on the
// denied list is refused even when the allowed list also names it; deny
// always wins, mirroring the pins precedence rule. An empty allowed list
// permits no tools.
func (c Capabilities) ToolAllowed(tool string) bool {
	tool = strings.ToLower(strings.TrimSpace(tool))
	if tool == "" {
		return false
	}
	for _, denied := range c.DeniedTools {
		if strings.ToLower(strings.TrimSpace(denied)) == tool {
			return false
		}
	}
	for _, allowed := range c.AllowedTools {
		if strings.ToLower(strings.TrimSpace(allowed)) == tool {
			return true
		}
	}
	return false
}

type roleFile struct {
	Roles map[string]Capabilities `yaml:"roles"`
}

// Set is a closed role registry resolved at startup.
type Set struct {
	roles map[string]Capabilities
}

// Default returns an empty registry. Every lookup against it fails with
// ErrUnknownRole, so a deployment must ship a roles file.
func Default() Set {
	return Set{roles: map[string]Capabilities{}}
}

// Load reads the role registry from a YAML file. A missing file yields the
// empty default; a malformed or invalid file is an error.
func Load(path string) (Set, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Set{}, fmt.Errorf("read roles: %w", err)
	}
	if len(data) == 0 {
		return Default(), nil
	}
	var rf roleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return Set{}, fmt.Errorf("parse roles: %w", err)
	}
	s := Set{roles: rf.Roles}
	if s.roles == nil {
		s.roles = map[string]Capabilities{}
	}
	if err := s.validate(); err != nil {
		return Set{}, err
	}
	return s, nil
}

func (s Set) validate() error {
	for name := range s.roles {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("role with empty name")
		}
		if name != strings.ToLower(strings.TrimSpace(name)) {
			return fmt.Errorf("role %q must be lowercase with no surrounding whitespace", name)
		}
	}
	return nil
}

// CapabilitiesFor resolves a role name. Unknown roles are an explicit
// error path, not a fallback.
func (s Set) CapabilitiesFor(role string) (Capabilities, error) {
	caps, ok := s.roles[strings.ToLower(strings.TrimSpace(role))]
	if !ok {
		return Capabilities{}, fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	return caps, nil
}

// Names returns the sorted role names in the registry.
func (s Set) Names() []string {
	names := make([]string, 0, len(s.roles))
	for name := range s.roles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Version returns a stable fingerprint of the registry contents.
func (s Set) Version() string {
	h := fnv.New64a()
	for _, name := range s.Names() {
		caps := s.roles[name]
		_, _ = h.Write([]byte(name + "|"))
		for _, t := range caps.AllowedTools {
			_, _ = h.Write([]byte("+" + strings.ToLower(strings.TrimSpace(t)) + "|"))
		}
		for _, t := range caps.DeniedTools {
			_, _ = h.Write([]byte("-" + strings.ToLower(strings.TrimSpace(t)) + "|"))
		}
		for _, pc := range caps.PathClasses {
			_, _ = h.Write([]byte("pc:" + strings.ToLower(strings.TrimSpace(pc)) + "|"))
		}
		_, _ = h.Write([]byte("net=" + strconv.FormatBool(caps.NetworkAllowed) + "|"))
		_, _ = h.Write([]byte("pins=" + strconv.FormatBool(caps.PinsRequired) + "|"))
	}
	return "roles-" + strconv.FormatUint(h.Sum64(), 16)
}

// Live wraps a Set with thread-safe reload.
type Live struct {
	mu   sync.RWMutex
	data Set
}

// NewLive creates a Live registry from an initial snapshot.
func NewLive(initial Set) *Live {
	return &Live{data: initial}
}

// CapabilitiesFor is the thread-safe lookup used at runtime.
func (l *Live) CapabilitiesFor(role string) (Capabilities, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.data.CapabilitiesFor(role)
}

// Names returns the registered role names.
func (l *Live) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.data.Names()
}

// Version returns the active registry fingerprint.
func (l *Live) Version() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.data.Version()
}

// ReloadFromFile swaps in a fresh registry only when the incoming file
// parses and validates. On error, the previous registry stays active.
func (l *Live) ReloadFromFile(path string) error {
	s, err := Load(path)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.data = s
	return nil
}
