// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianForge/services/supervisor/config"
	"github.com/AleutianAI/AleutianForge/services/supervisor/health"
	"github.com/AleutianAI/AleutianForge/services/supervisor/server"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	healthJSONOutput bool   // Output as JSON
	healthVerbose    bool   // Show per-stage details
	healthTimeout    string // Probe timeout (e.g., "10s")
)

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

// healthCmd checks the supervisor's dependencies.
//
// # Description
//
// Builds the dependency guards from the configuration, actively probes
// each external dependency, and prints an aggregated report. Meant as
// a preflight before launching a pipeline run and as a scriptable
// check for operators.
//
// # Examples
//
//	forge health                 # Box-drawn report
//	forge health --json          # JSON output for scripting
//	forge health --timeout 30s   # Slow backends
//
// # Limitations
//
//   - The local knowledge tier is embedded and single-process; the
//     check runs it in memory and only probes external dependencies.
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe the supervisor's dependencies and print a health report",
	Long: `Checks the health of everything the supervisor depends on.

The command builds the same guards the service would run with, probes
the model backend and the knowledge store, and aggregates the results.

Exit codes follow the readiness contract:
  0  healthy or degraded (the pipeline can run, possibly with fallbacks)
  1  critical (the model backend is unavailable; do not start a run)

Examples:
  forge health            # Human-readable report
  forge health --json     # JSON output for automation
  forge health --verbose  # Include per-stage execution history`,
	Run: runHealthCommand,
}

// =============================================================================
// COMMAND INITIALIZATION
// =============================================================================

func init() {
	healthCmd.Flags().BoolVar(&healthJSONOutput, "json", false,
		"Output as JSON for scripting")
	healthCmd.Flags().BoolVarP(&healthVerbose, "verbose", "v", false,
		"Show detailed per-stage information")
	healthCmd.Flags().StringVarP(&healthTimeout, "timeout", "t", "10s",
		"Timeout for dependency probes (e.g., 10s, 1m)")
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

// healthOutput is the JSON shape of the health command's result.
type healthOutput struct {
	Report health.Report        `json:"report"`
	Probes []health.ProbeResult `json:"probes"`
}

// runHealthCommand builds the guards, probes, and prints the verdict.
func runHealthCommand(cmd *cobra.Command, args []string) {
	timeout, err := time.ParseDuration(healthTimeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid timeout %q: %v\n", healthTimeout, err)
		os.Exit(1)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// The serving process owns the on-disk local tier; this check runs
	// its own copy in memory and probes the external dependencies.
	cfg.Knowledge.Path = ""
	cfg.Knowledge.InMemory = true

	// Component logs would drown the report; keep the build quiet.
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	sys, err := server.NewSystem(cfg, quiet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build dependency guards: %v\n", err)
		os.Exit(1)
	}
	defer sys.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	out := healthOutput{
		Report: sys.Health().Snapshot(),
		Probes: sys.Health().Probe(ctx),
	}

	// A failed probe is a live fact the snapshot cannot know yet; fold
	// it into the verdict so a cold start reports honestly.
	if out.Report.Overall == health.StatusHealthy {
		for _, probe := range out.Probes {
			if !probe.Healthy {
				out.Report.Overall = health.StatusDegraded
				break
			}
		}
	}

	if healthJSONOutput {
		outputHealthJSON(out)
	} else {
		outputHealthReport(out)
	}

	if out.Report.Overall == health.StatusCritical {
		os.Exit(1)
	}
}

// =============================================================================
// OUTPUT FORMATTING
// =============================================================================

// outputHealthJSON outputs the report as JSON.
func outputHealthJSON(out healthOutput) {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(out); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
		os.Exit(1)
	}
}

// outputHealthReport outputs the formatted health report.
func outputHealthReport(out healthOutput) {
	width := 70
	report := out.Report

	printBoxTop(width)
	printBoxCenter("FORGE SUPERVISOR HEALTH", width)
	printBoxCenter(fmt.Sprintf("Generated: %s", report.GeneratedAt.Format("2006-01-02 15:04:05")), width)
	printBoxSeparator(width)

	stateIcon := getStateIcon(report.Overall)
	stateColor := getStateColor(report.Overall)
	printBoxLine(fmt.Sprintf("Overall: %s%s %s%s",
		stateColor, stateIcon, strings.ToUpper(string(report.Overall)), colorReset), width)

	if len(report.Components) > 0 {
		printBoxSeparator(width)
		printBoxLine("Dependencies:", width)
		for _, comp := range report.Components {
			status := fmt.Sprintf("  %s [%s, %s]", comp.Name, comp.Class, comp.State)
			if comp.Failures > 0 {
				status += fmt.Sprintf(" failures: %d", comp.Failures)
			}
			if comp.RetryInMillis > 0 {
				status += fmt.Sprintf(" retry in: %s",
					(time.Duration(comp.RetryInMillis) * time.Millisecond).Round(time.Second))
			}
			printBoxLine(status, width)
		}
	}

	if len(out.Probes) > 0 {
		printBoxSeparator(width)
		printBoxLine("Probes:", width)
		for _, probe := range out.Probes {
			icon, color := "✓", colorGreen
			if !probe.Healthy {
				icon, color = "✗", colorRed
			}
			status := fmt.Sprintf("  %s%s%s %s (%dms)", color, icon, colorReset, probe.Name, probe.DurationMillis)
			printBoxLine(status, width)
			if !probe.Healthy && probe.Error != "" {
				for _, line := range wrapText(probe.Error, width-8) {
					printBoxLine("      "+line, width)
				}
			}
		}
	}

	if healthVerbose && len(report.Stages) > 0 {
		printBoxSeparator(width)
		printBoxLine("Stages:", width)
		for _, stage := range report.Stages {
			status := fmt.Sprintf("  %s: %d runs, %d failures",
				stage.Name, stage.ExecutionCount, stage.FailureCount)
			if stage.CircuitOpen {
				status += fmt.Sprintf(" %s[circuit open]%s", colorRed, colorReset)
			}
			printBoxLine(status, width)
		}
	}

	printBoxBottom(width)
}

// =============================================================================
// BOX DRAWING
// =============================================================================

const (
	boxTopLeft     = "╔"
	boxTopRight    = "╗"
	boxBottomLeft  = "╚"
	boxBottomRight = "╝"
	boxHorizontal  = "═"
	boxVertical    = "║"
	boxLeftT       = "╠"
	boxRightT      = "╣"

	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

func printBoxTop(width int) {
	fmt.Print(boxTopLeft)
	for i := 0; i < width-2; i++ {
		fmt.Print(boxHorizontal)
	}
	fmt.Println(boxTopRight)
}

func printBoxBottom(width int) {
	fmt.Print(boxBottomLeft)
	for i := 0; i < width-2; i++ {
		fmt.Print(boxHorizontal)
	}
	fmt.Println(boxBottomRight)
}

func printBoxSeparator(width int) {
	fmt.Print(boxLeftT)
	for i := 0; i < width-2; i++ {
		fmt.Print(boxHorizontal)
	}
	fmt.Println(boxRightT)
}

func printBoxLine(content string, width int) {
	visibleLen := visibleLength(content)
	padding := width - 4 - visibleLen
	if padding < 0 {
		padding = 0
	}
	fmt.Printf("%s %s%s %s\n", boxVertical, content, strings.Repeat(" ", padding), boxVertical)
}

func printBoxCenter(content string, width int) {
	visibleLen := visibleLength(content)
	totalPadding := width - 4 - visibleLen
	leftPad := totalPadding / 2
	rightPad := totalPadding - leftPad
	fmt.Printf("%s %s%s%s %s\n", boxVertical,
		strings.Repeat(" ", leftPad), content, strings.Repeat(" ", rightPad), boxVertical)
}

// visibleLength returns the visible length of a string, excluding ANSI escape codes.
func visibleLength(s string) int {
	inEscape := false
	visible := 0
	for _, r := range s {
		if r == '\033' {
			inEscape = true
			continue
		}
		if inEscape {
			if r == 'm' {
				inEscape = false
			}
			continue
		}
		visible++
	}
	return visible
}

// wrapText wraps text to the specified width.
func wrapText(text string, width int) []string {
	var lines []string
	words := strings.Fields(text)
	if len(words) == 0 {
		return lines
	}

	currentLine := words[0]
	for _, word := range words[1:] {
		if len(currentLine)+1+len(word) <= width {
			currentLine += " " + word
		} else {
			lines = append(lines, currentLine)
			currentLine = word
		}
	}
	if currentLine != "" {
		lines = append(lines, currentLine)
	}
	return lines
}

// =============================================================================
// STATE FORMATTING
// =============================================================================

func getStateIcon(state health.Status) string {
	switch state {
	case health.StatusHealthy:
		return "✓"
	case health.StatusDegraded:
		return "◐"
	case health.StatusCritical:
		return "✗"
	default:
		return "?"
	}
}

func getStateColor(state health.Status) string {
	switch state {
	case health.StatusHealthy:
		return colorGreen
	case health.StatusDegraded:
		return colorYellow
	case health.StatusCritical:
		return colorRed
	default:
		return colorCyan
	}
}
