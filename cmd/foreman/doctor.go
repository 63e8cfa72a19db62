package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/basket/go-foreman/internal/config"
	"github.com/basket/go-foreman/internal/doctor"
)

// runDoctorCommand runs environment diagnostics and reports results in a
// table, or as JSON with -json.
func runDoctorCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	jsonOut := fs.Bool("json", false, "emit machine-readable JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	diag := doctor.Run(ctx, &cfg, Version)

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "failed to encode diagnosis: %v\n", err)
			return 1
		}
	} else {
		fmt.Printf("foreman doctor (%s %s/%s, %s)\n\n",
			diag.System.Version, diag.System.OS, diag.System.Arch, diag.System.Go)
		for _, r := range diag.Results {
			icon := statusIcon(r.Status)
			fmt.Printf("  %s %-14s %s\n", icon, r.Name, r.Message)
			if r.Detail != "" {
				fmt.Printf("      %s\n", r.Detail)
			}
		}
		fmt.Println()
	}

	for _, r := range diag.Results {
		if r.Status == "FAIL" {
			return 1
		}
	}
	return 0
}

func statusIcon(status string) string {
	switch status {
	case "PASS":
		return "✅"
	case "FAIL":
		return "❌"
	case "WARN":
		return "⚠️"
	case "SKIP":
		return "⏩"
	default:
		return "❓"
	}
}
