package roles

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleRoles = `
roles:
  coder:
    allowed_tools: [read_file, write_file, exec]
    denied_tools: [network_request]
    path_classes: [source, tests]
    network_allowed: false
    pins_required: true
  reviewer:
    allowed_tools: [read_file]
    network_allowed: false
    pins_required: false
`

func writeRoles(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "roles.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write roles: %v", err)
	}
	return path
}

func TestLoadAndLookup(t *testing.T) {
	s, err := Load(writeRoles(t, sampleRoles))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	caps, err := s.CapabilitiesFor("coder")
	if err != nil {
		t.Fatalf("capabilities: %v", err)
	}
	if !caps.PinsRequired {
		t.Fatal("coder should require pins")
	}
	if got := s.Names(); len(got) != 2 || got[0] != "coder" || got[1] != "reviewer" {
		t.Fatalf("unexpected names %v", got)
	}
}

func TestUnknownRoleIsExplicitError(t *testing.T) {
	s, err := Load(writeRoles(t, sampleRoles))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := s.CapabilitiesFor("wizard"); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestMissingFileYieldsEmptyDefault(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load missing: %v", err)
	}
	if _, err := s.CapabilitiesFor("coder"); err == nil {
		t.Fatal("empty default must not resolve any role")
	}
}

func TestDeniedToolWinsOverAllowed(t *testing.T) {
	caps := Capabilities{
		AllowedTools: []string{"exec", "network_request"},
		DeniedTools:  []string{"network_request"},
	}
	if caps.ToolAllowed("network_request") {
		t.Fatal("denied tool must win over allow")
	}
	if !caps.ToolAllowed("exec") {
		t.Fatal("allowed tool refused")
	}
	if caps.ToolAllowed("browse") {
		t.Fatal("unlisted tool must be refused")
	}
}

func TestEmptyAllowedToolsDeniesAll(t *testing.T) {
	caps := Capabilities{}
	if caps.ToolAllowed("read_file") {
		t.Fatal("empty allowed list must deny")
	}
}

func TestVersionChangesWithContent(t *testing.T) {
	a, _ := Load(writeRoles(t, sampleRoles))
	b, _ := Load(writeRoles(t, sampleRoles+`
  tester:
    allowed_tools: [exec]
`))
	if a.Version() == b.Version() {
		t.Fatal("version fingerprint should change with content")
	}
	c, _ := Load(writeRoles(t, sampleRoles))
	if a.Version() != c.Version() {
		t.Fatal("identical content should fingerprint identically")
	}
}

func TestLiveReloadKeepsOldOnError(t *testing.T) {
	path := writeRoles(t, sampleRoles)
	s, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	live := NewLive(s)

	if err := os.WriteFile(path, []byte("roles: [not, a, map]"), 0o644); err != nil {
		t.Fatalf("corrupt roles: %v", err)
	}
	if err := live.ReloadFromFile(path); err == nil {
		t.Fatal("expected reload error for malformed file")
	}
	if _, err := live.CapabilitiesFor("coder"); err != nil {
		t.Fatalf("previous registry should remain active: %v", err)
	}
}

func TestUppercaseRoleNameRejected(t *testing.T) {
	if _, err := Load(writeRoles(t, "roles:\n  Coder:\n    allowed_tools: [exec]\n")); err == nil {
		t.Fatal("expected validation error for non-lowercase role name")
	}
}
