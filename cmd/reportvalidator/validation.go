// Command reportvalidator re-parses the three report file formats monitor/
// reportwriter produces and checks each for internal consistency, without
// trusting that the writer that produced them ran correctly. It is
// grounded on original_source/report-validator/report_validator/
// validation.py's per-field checks (validate_address, validate_signature,
// validate_block_header), translated from click.BadParameter callbacks to
// plain Go error returns since this tool has no on-chain reporting
// transaction to gate — that half of the original (core.py's
// report_malicious_validator, submitting a slashing transaction) is out of
// scope, per spec.md §1's "signing/reporting tool" exclusion.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aura-tools/poa-monitor/common"
)

const timeLayout = "2006-01-02 15:04:05"

// ValidateSkipsFile checks every line of a skips report against the CSV
// grammar of spec.md §6: "<step>,<0xproposer>,<YYYY-MM-DD HH:MM:SS>".
func ValidateSkipsFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("reportvalidator: open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) != 3 {
			return fmt.Errorf("reportvalidator: %s:%d: want 3 comma-separated fields, got %d", path, lineNo, len(fields))
		}
		if _, err := strconv.ParseUint(fields[0], 10, 64); err != nil {
			return fmt.Errorf("reportvalidator: %s:%d: step %q is not a decimal integer", path, lineNo, fields[0])
		}
		if !common.IsHexAddress(fields[1]) {
			return fmt.Errorf("reportvalidator: %s:%d: proposer %q is not a hex address", path, lineNo, fields[1])
		}
		if _, err := time.Parse(timeLayout, fields[2]); err != nil {
			return fmt.Errorf("reportvalidator: %s:%d: timestamp %q does not match %q", path, lineNo, fields[2], timeLayout)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reportvalidator: reading %s: %w", path, err)
	}
	return nil
}

type offlineReportDoc struct {
	Validator   string   `json:"validator"`
	MissedSteps []uint64 `json:"missed_steps"`
}

// ValidateOfflineReportFile checks that an offline report decodes to the
// JSON shape of spec.md §6, that its validator field is a valid address,
// that missed_steps is sorted ascending and non-empty, and that the
// filename's steps_<min>_to_<max> suffix matches the decoded bounds.
func ValidateOfflineReportFile(path string) error {
	body, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reportvalidator: open %s: %w", path, err)
	}
	var doc offlineReportDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("reportvalidator: %s: invalid JSON: %w", path, err)
	}
	if !common.IsHexAddress(doc.Validator) {
		return fmt.Errorf("reportvalidator: %s: validator %q is not a hex address", path, doc.Validator)
	}
	if len(doc.MissedSteps) == 0 {
		return fmt.Errorf("reportvalidator: %s: missed_steps is empty", path)
	}
	if !sort.SliceIsSorted(doc.MissedSteps, func(i, j int) bool { return doc.MissedSteps[i] < doc.MissedSteps[j] }) {
		return fmt.Errorf("reportvalidator: %s: missed_steps is not sorted ascending", path)
	}
	minStep, maxStep := doc.MissedSteps[0], doc.MissedSteps[len(doc.MissedSteps)-1]
	wantName := fmt.Sprintf("offline_report_%s_steps_%d_to_%d", doc.Validator, minStep, maxStep)
	gotName := filepath.Base(path)
	if gotName != wantName {
		return fmt.Errorf("reportvalidator: %s: filename does not match its contents (want %s)", path, wantName)
	}
	return nil
}

// ValidateEquivocationReportFile checks that every record of an
// equivocation report, delimited by the 30-hyphen separator
// monitor/reportwriter emits, starts with the proposer, block height and
// detected-at lines and lists at least two distinct, well-formed
// conflicting block hashes. header[i]/signature[i] lines are skipped: they
// are neither required nor decoded.
func ValidateEquivocationReportFile(path string) error {
	body, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reportvalidator: open %s: %w", path, err)
	}
	raw := strings.TrimPrefix(string(body), recordDelimiter+"\n")
	if raw == string(body) {
		return fmt.Errorf("reportvalidator: %s: does not start with the record delimiter", path)
	}
	records := strings.Split(raw, recordDelimiter+"\n")
	if len(records) == 0 {
		return fmt.Errorf("reportvalidator: %s: contains no records", path)
	}
	for i, record := range records {
		if err := validateEquivocationRecord(record); err != nil {
			return fmt.Errorf("reportvalidator: %s: record %d: %w", path, i, err)
		}
	}
	return nil
}

const recordDelimiter = "------------------------------"

func validateEquivocationRecord(record string) error {
	lines := strings.Split(strings.TrimRight(record, "\n"), "\n")
	if len(lines) < 5 {
		return fmt.Errorf("record too short: %d lines", len(lines))
	}
	if !strings.HasPrefix(lines[0], "proposer: ") {
		return fmt.Errorf("line 0 does not start with %q", "proposer: ")
	}
	proposer := strings.TrimPrefix(lines[0], "proposer: ")
	if !common.IsHexAddress(proposer) {
		return fmt.Errorf("proposer %q is not a hex address", proposer)
	}
	if !strings.HasPrefix(lines[1], "block height: ") {
		return fmt.Errorf("line 1 does not start with %q", "block height: ")
	}
	if !strings.HasPrefix(lines[2], "detected at: ") {
		return fmt.Errorf("line 2 does not start with %q", "detected at: ")
	}
	if _, err := time.Parse(timeLayout, strings.TrimPrefix(lines[2], "detected at: ")); err != nil {
		return fmt.Errorf("detected-at timestamp malformed: %w", err)
	}

	seen := make(map[string]bool)
	hashLines := 0
	for _, line := range lines[3:] {
		if strings.HasPrefix(line, "header[") || strings.HasPrefix(line, "signature[") {
			continue
		}
		idx := strings.Index(line, " (")
		if idx < 0 {
			return fmt.Errorf("unrecognized line %q", line)
		}
		hash := line[:idx]
		if !isHexHash(hash) {
			return fmt.Errorf("hash %q is not well-formed", hash)
		}
		if seen[hash] {
			return fmt.Errorf("duplicate conflicting hash %q", hash)
		}
		seen[hash] = true
		hashLines++
	}
	if hashLines < 2 {
		return fmt.Errorf("want at least 2 conflicting block hashes, got %d", hashLines)
	}
	return nil
}

func isHexHash(s string) bool {
	if !strings.HasPrefix(s, "0x") {
		return false
	}
	s = s[2:]
	if len(s) != 2*32 {
		return false
	}
	for _, c := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}
