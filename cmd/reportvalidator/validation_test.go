package main

import (
	"context"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aura-tools/poa-monitor/common"
	"github.com/aura-tools/poa-monitor/monitor/blockcodec"
	"github.com/aura-tools/poa-monitor/monitor/reportwriter"
)

func writeFile(t *testing.T, dir, name, body string) string {
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestValidateSkipsFileAccepts(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "skips", "2,0x0000000000000000000000000000000000000001,2024-01-15 10:00:00\n")
	require.NoError(t, ValidateSkipsFile(path))
}

func TestValidateSkipsFileRejectsBadAddress(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "skips", "2,not-an-address,2024-01-15 10:00:00\n")
	require.Error(t, ValidateSkipsFile(path))
}

func TestValidateSkipsFileRejectsBadTimestamp(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "skips", "2,0x0000000000000000000000000000000000000001,not-a-time\n")
	require.Error(t, ValidateSkipsFile(path))
}

func TestValidateOfflineReportFileAccepts(t *testing.T) {
	dir := t.TempDir()
	validator := "0x0000000000000000000000000000000000000002"
	name := "offline_report_" + validator + "_steps_5_to_9"
	body := `{"validator":"` + validator + `","missed_steps":[5,6,9]}`
	path := writeFile(t, dir, name, body)
	require.NoError(t, ValidateOfflineReportFile(path))
}

func TestValidateOfflineReportFileRejectsFilenameMismatch(t *testing.T) {
	dir := t.TempDir()
	validator := "0x0000000000000000000000000000000000000002"
	name := "offline_report_" + validator + "_steps_1_to_9"
	body := `{"validator":"` + validator + `","missed_steps":[5,6,9]}`
	path := writeFile(t, dir, name, body)
	require.Error(t, ValidateOfflineReportFile(path))
}

func TestValidateOfflineReportFileRejectsUnsortedSteps(t *testing.T) {
	dir := t.TempDir()
	validator := "0x0000000000000000000000000000000000000002"
	name := "offline_report_" + validator + "_steps_5_to_9"
	body := `{"validator":"` + validator + `","missed_steps":[9,5,6]}`
	path := writeFile(t, dir, name, body)
	require.Error(t, ValidateOfflineReportFile(path))
}

func equivocationRecord(proposer string, hashOne, hashTwo string) string {
	return recordDelimiter + "\n" +
		"proposer: " + proposer + "\n" +
		"block height: 42\n" +
		"detected at: 2024-01-15 10:00:00\n" +
		hashOne + " (2024-01-15 09:59:55)\n" +
		hashTwo + " (2024-01-15 09:59:56)\n" +
		"header[0]: 0xdead\n" +
		"header[1]: 0xbeef\n"
}

func TestValidateEquivocationReportFileAccepts(t *testing.T) {
	dir := t.TempDir()
	proposer := "0x0000000000000000000000000000000000000003"
	hashOne := "0x" + repeatHex("11")
	hashTwo := "0x" + repeatHex("22")
	body := equivocationRecord(proposer, hashOne, hashTwo)
	path := writeFile(t, dir, "equivocation_reports_for_proposer_"+proposer, body)
	require.NoError(t, ValidateEquivocationReportFile(path))
}

func TestValidateEquivocationReportFileRejectsDuplicateHash(t *testing.T) {
	dir := t.TempDir()
	proposer := "0x0000000000000000000000000000000000000003"
	hashOne := "0x" + repeatHex("11")
	body := equivocationRecord(proposer, hashOne, hashOne)
	path := writeFile(t, dir, "equivocation_reports_for_proposer_"+proposer, body)
	require.Error(t, ValidateEquivocationReportFile(path))
}

func TestValidateEquivocationReportFileRejectsMissingDelimiter(t *testing.T) {
	dir := t.TempDir()
	proposer := "0x0000000000000000000000000000000000000003"
	body := "proposer: " + proposer + "\nblock height: 42\ndetected at: 2024-01-15 10:00:00\n"
	path := writeFile(t, dir, "equivocation_reports_for_proposer_"+proposer, body)
	require.Error(t, ValidateEquivocationReportFile(path))
}

type fakeHeaderStore struct {
	headers map[common.Hash]*blockcodec.Header
}

func (s *fakeHeaderStore) GetHeader(hash common.Hash) (*blockcodec.Header, error) {
	return s.headers[hash], nil
}

func conflictingHeader(number uint64, extra byte) (*blockcodec.Header, common.Hash) {
	h := &blockcodec.Header{
		Number:     number,
		Difficulty: big.NewInt(0),
		Timestamp:  1000 + number,
		ExtraData:  []byte{extra},
		SealFields: [][]byte{{}, {}},
	}
	hash, err := blockcodec.BareHash(h)
	if err != nil {
		panic(err)
	}
	return h, hash
}

// TestValidateEquivocationReportFileAcceptsRealWriterOutput validates a
// file produced by the actual EquivocationWriter rather than a hand-built
// fixture, so a format drift between the writer and this parser (such as
// the writer's signature[i] lines) is caught here instead of only in
// reportwriter's own tests.
func TestValidateEquivocationReportFileAcceptsRealWriterOutput(t *testing.T) {
	dir := t.TempDir()
	h1, hash1 := conflictingHeader(10, 0)
	h2, hash2 := conflictingHeader(10, 1)
	store := &fakeHeaderStore{headers: map[common.Hash]*blockcodec.Header{hash1: h1, hash2: h2}}

	w := reportwriter.NewEquivocationWriter(dir, store)
	proposer := common.Address{9}
	require.NoError(t, w.OnEquivocation(context.Background(), proposer, 5, []common.Hash{hash1, hash2}))
	require.NoError(t, w.Flush())

	path := filepath.Join(dir, "equivocation_reports_for_proposer_"+proposer.Hex())
	require.NoError(t, ValidateEquivocationReportFile(path))
}

func TestValidateDirReportsEveryFailure(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "skips", "2,not-an-address,2024-01-15 10:00:00\n")
	validator := "0x0000000000000000000000000000000000000002"
	writeFile(t, dir, "offline_report_"+validator+"_steps_1_to_9", `{"validator":"`+validator+`","missed_steps":[9,5,6]}`)

	err := validateDir(dir)
	require.Error(t, err)
	require.Contains(t, err.Error(), "2 file(s) failed validation")
}

func repeatHex(pair string) string {
	out := ""
	for i := 0; i < 32; i++ {
		out += pair
	}
	return out
}
