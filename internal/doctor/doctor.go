// Package doctor runs environment diagnostics for the foreman daemon:
// config, database, role policy, and executor availability.
package doctor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/go-foreman/internal/config"
	"github.com/basket/go-foreman/internal/persistence"
	"github.com/basket/go-foreman/internal/roles"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPermissions,
		checkDatabase,
		checkRoles,
		checkExecutors,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if len(cfg.Executors) == 0 {
		return CheckResult{Name: "Config", Status: "WARN", Message: "No executors configured; nothing can run jobs"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	store, err := persistence.Open(persistence.Options{Path: cfg.DBPath()})
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	counts, err := store.StatusCounts(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return CheckResult{Name: "Database", Status: "PASS", Message: fmt.Sprintf("Schema valid, %d tasks", total)}
}

func checkRoles(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Roles", Status: "SKIP", Message: "Config missing"}
	}
	path := cfg.RolesPath()
	set, err := roles.Load(path)
	if err != nil {
		return CheckResult{
			Name:    "Roles",
			Status:  "FAIL",
			Message: fmt.Sprintf("Load failed: %v", err),
			Detail:  path,
		}
	}
	return CheckResult{
		Name:    "Roles",
		Status:  "PASS",
		Message: fmt.Sprintf("%d roles (version %s)", len(set.Names()), set.Version()),
	}
}

func checkExecutors(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || len(cfg.Executors) == 0 {
		return CheckResult{Name: "Executors", Status: "SKIP", Message: "None configured"}
	}

	var details []string
	status := "PASS"
	for _, ec := range cfg.Executors {
		if _, err := exec.LookPath(ec.Command); err != nil {
			details = append(details, fmt.Sprintf("%s: command %q not found", ec.Name, ec.Command))
			status = "FAIL"
			continue
		}
		if len(ec.HealthCommand) > 0 {
			cmd := exec.CommandContext(ctx, ec.HealthCommand[0], ec.HealthCommand[1:]...)
			if err := cmd.Run(); err != nil {
				details = append(details, fmt.Sprintf("%s: health check failed (%v)", ec.Name, err))
				if status == "PASS" {
					status = "WARN"
				}
				continue
			}
		}
		details = append(details, fmt.Sprintf("%s: ok", ec.Name))
	}

	return CheckResult{
		Name:    "Executors",
		Status:  status,
		Message: fmt.Sprintf("Checked %d executors", len(cfg.Executors)),
		Detail:  fmt.Sprintf("%v", details),
	}
}
