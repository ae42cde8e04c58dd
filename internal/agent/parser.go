package agent

import (
	"regexp"
	"strings"
)

// GateReport is one quality gate result the agent reported.
type GateReport struct {
	Gate   string
	Passed bool
	Note   string
}

var gateLineRe = regexp.MustCompile(`(?i)^(?:[-*]\s+|\d+[.)]\s*)?` + "`?" + `(.+?)` + "`?" + `\s*(?::|=>|->)\s*(PASS(?:ED)?|FAIL(?:ED)?)\b\s*(?:[-(]\s*(.*?)\)?)?$`)

// ParseGateReports extracts gate results from agent output.
// Expected format:
//
//	GATES:
//	- go test ./...: PASS
//	- golangci-lint run: FAIL - 3 issues in store.go
//
// Parsing stops at the first non-empty line that is not a gate result.
// Output without a GATES: header yields nothing.
func ParseGateReports(output string) []GateReport {
	var reports []GateReport
	inSection := false

	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(strings.ToUpper(trimmed), "GATES:") {
			inSection = true
			reports = nil // a later report supersedes an earlier one
			continue
		}
		if !inSection || trimmed == "" {
			continue
		}

		m := gateLineRe.FindStringSubmatch(trimmed)
		if m == nil {
			inSection = false
			continue
		}
		reports = append(reports, GateReport{
			Gate:   strings.TrimSpace(m[1]),
			Passed: strings.HasPrefix(strings.ToUpper(m[2]), "PASS"),
			Note:   strings.TrimSpace(m[3]),
		})
	}

	return reports
}

// ParseBlocked extracts a BLOCKED reason from agent output.
func ParseBlocked(output string) string {
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(strings.ToUpper(trimmed), "BLOCKED:") {
			return strings.TrimSpace(trimmed[8:])
		}
	}
	return ""
}
