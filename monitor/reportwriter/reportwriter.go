// Package reportwriter turns the three reporter packages' emissions into
// the on-disk report formats of spec.md §6, buffering each tick's writes
// in memory and flushing them to the report directory in one step at the
// end of the tick — mirroring the teacher's batched-write-then-fsync
// pattern in core/rawdb's freezer, so a crash mid-tick never leaves a
// half-written report file, only a missing one the next tick reproduces.
package reportwriter

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aura-tools/poa-monitor/common"
	"github.com/aura-tools/poa-monitor/monitor/blockcodec"
	"github.com/aura-tools/poa-monitor/monitor/skipreporter"
)

// HeaderStore is the narrow slice of blockstore.Store the equivocation
// writer needs to recover the conflicting blocks' full headers.
type HeaderStore interface {
	GetHeader(hash common.Hash) (*blockcodec.Header, error)
}

// SkipWriter implements skipreporter.Sink, appending one CSV line per
// emitted skip to the "skips" file, per spec.md §6.
type SkipWriter struct {
	dir          string
	stepDuration time.Duration
	pending      []skipLine
}

type skipLine struct {
	step     uint64
	proposer common.Address
}

// NewSkipWriter builds a writer under dir, converting a step number to a
// UTC timestamp via step*stepDuration (genesis epoch).
func NewSkipWriter(dir string, stepDuration time.Duration) *SkipWriter {
	return &SkipWriter{dir: dir, stepDuration: stepDuration}
}

func (w *SkipWriter) OnSkip(ctx context.Context, primary common.Address, proposal skipreporter.SkippedProposal) error {
	w.pending = append(w.pending, skipLine{step: proposal.Step, proposer: primary})
	return nil
}

// Flush appends every buffered line to the skips file in one write.
func (w *SkipWriter) Flush() error {
	if len(w.pending) == 0 {
		return nil
	}
	f, err := os.OpenFile(filepath.Join(w.dir, "skips"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("reportwriter: open skips: %w", err)
	}
	defer f.Close()

	var sb strings.Builder
	for _, line := range w.pending {
		t := time.Unix(int64(line.step)*int64(w.stepDuration/time.Second), 0).UTC()
		fmt.Fprintf(&sb, "%d,%s,%s\n", line.step, line.proposer.Hex(), t.Format("2006-01-02 15:04:05"))
	}
	if _, err := f.WriteString(sb.String()); err != nil {
		return fmt.Errorf("reportwriter: write skips: %w", err)
	}
	w.pending = nil
	return nil
}

// OfflineWriter implements offlinereporter.Sink, writing one JSON file per
// emitted offline report, per spec.md §6.
type OfflineWriter struct {
	dir     string
	pending []offlineRecord
}

type offlineRecord struct {
	validator   common.Address
	missedSteps []uint64
}

func NewOfflineWriter(dir string) *OfflineWriter {
	return &OfflineWriter{dir: dir}
}

func (w *OfflineWriter) OnOffline(ctx context.Context, validator common.Address, missedSteps []uint64) error {
	cp := make([]uint64, len(missedSteps))
	copy(cp, missedSteps)
	w.pending = append(w.pending, offlineRecord{validator: validator, missedSteps: cp})
	return nil
}

// Flush creates (exclusively — an offline report is never rewritten) one
// file per buffered record.
func (w *OfflineWriter) Flush() error {
	for _, rec := range w.pending {
		minStep, maxStep := rec.missedSteps[0], rec.missedSteps[0]
		for _, s := range rec.missedSteps {
			if s < minStep {
				minStep = s
			}
			if s > maxStep {
				maxStep = s
			}
		}
		name := fmt.Sprintf("offline_report_%s_steps_%d_to_%d", rec.validator.Hex(), minStep, maxStep)
		body, err := json.Marshal(struct {
			Validator   string   `json:"validator"`
			MissedSteps []uint64 `json:"missed_steps"`
		}{Validator: rec.validator.Hex(), MissedSteps: rec.missedSteps})
		if err != nil {
			return fmt.Errorf("reportwriter: marshal offline report: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(w.dir, name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("reportwriter: create offline report: %w", err)
		}
		_, writeErr := f.Write(body)
		closeErr := f.Close()
		if writeErr != nil {
			return fmt.Errorf("reportwriter: write offline report: %w", writeErr)
		}
		if closeErr != nil {
			return fmt.Errorf("reportwriter: close offline report: %w", closeErr)
		}
	}
	w.pending = nil
	return nil
}

// EquivocationWriter implements equivocationreporter.Sink, appending a
// text record per emission to the proposer's equivocation report file,
// per spec.md §4.9/§6.
type EquivocationWriter struct {
	dir     string
	headers HeaderStore
	pending []equivocationEmission
}

type equivocationEmission struct {
	proposer common.Address
	step     uint64
	hashes   []common.Hash
}

func NewEquivocationWriter(dir string, headers HeaderStore) *EquivocationWriter {
	return &EquivocationWriter{dir: dir, headers: headers}
}

func (w *EquivocationWriter) OnEquivocation(ctx context.Context, proposer common.Address, step uint64, hashes []common.Hash) error {
	cp := make([]common.Hash, len(hashes))
	copy(cp, hashes)
	w.pending = append(w.pending, equivocationEmission{proposer: proposer, step: step, hashes: cp})
	return nil
}

const recordDelimiter = "------------------------------" // 30 hyphens, per spec.md §6

// Flush appends one delimited record per buffered emission, embedding the
// RLP-encoded bare header and signature of the first two conflicting
// blocks.
func (w *EquivocationWriter) Flush() error {
	if len(w.pending) == 0 {
		return nil
	}
	detectedAt := time.Now().UTC()

	byProposer := make(map[common.Address][]string)
	order := make([]common.Address, 0, len(w.pending))
	for _, e := range w.pending {
		record, err := w.renderRecord(e, detectedAt)
		if err != nil {
			return err
		}
		if _, ok := byProposer[e.proposer]; !ok {
			order = append(order, e.proposer)
		}
		byProposer[e.proposer] = append(byProposer[e.proposer], record)
	}

	for _, proposer := range order {
		name := fmt.Sprintf("equivocation_reports_for_proposer_%s", proposer.Hex())
		f, err := os.OpenFile(filepath.Join(w.dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("reportwriter: open equivocation report: %w", err)
		}
		var sb strings.Builder
		for _, record := range byProposer[proposer] {
			sb.WriteString(recordDelimiter)
			sb.WriteString("\n")
			sb.WriteString(record)
		}
		_, writeErr := f.WriteString(sb.String())
		closeErr := f.Close()
		if writeErr != nil {
			return fmt.Errorf("reportwriter: write equivocation report: %w", writeErr)
		}
		if closeErr != nil {
			return fmt.Errorf("reportwriter: close equivocation report: %w", closeErr)
		}
	}
	w.pending = nil
	return nil
}

func (w *EquivocationWriter) renderRecord(e equivocationEmission, detectedAt time.Time) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "proposer: %s\n", e.proposer.Hex())

	headers := make([]*blockcodec.Header, 0, len(e.hashes))
	for _, h := range e.hashes {
		hdr, err := w.headers.GetHeader(h)
		if err != nil {
			return "", fmt.Errorf("reportwriter: load conflicting header %s: %w", h.Hex(), err)
		}
		headers = append(headers, hdr)
	}
	if len(headers) > 0 {
		fmt.Fprintf(&sb, "block height: %d\n", headers[0].Number)
	}
	fmt.Fprintf(&sb, "detected at: %s\n", detectedAt.Format("2006-01-02 15:04:05"))

	for i, h := range e.hashes {
		ts := time.Unix(0, 0).UTC()
		if i < len(headers) {
			ts = time.Unix(int64(headers[i].Timestamp), 0).UTC()
		}
		fmt.Fprintf(&sb, "%s (%s)\n", h.Hex(), ts.Format("2006-01-02 15:04:05"))
	}

	for i := 0; i < len(headers) && i < 2; i++ {
		bare, err := blockcodec.EncodeBare(headers[i])
		if err != nil {
			return "", fmt.Errorf("reportwriter: encode bare header: %w", err)
		}
		fmt.Fprintf(&sb, "header[%d]: 0x%x\n", i, bare)
		fmt.Fprintf(&sb, "signature[%d]: 0x%x\n", i, headers[i].Signature[:])
	}

	return sb.String(), nil
}
