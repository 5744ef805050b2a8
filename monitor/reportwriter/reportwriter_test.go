package reportwriter

import (
	"context"
	"encoding/json"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aura-tools/poa-monitor/common"
	"github.com/aura-tools/poa-monitor/monitor/blockcodec"
	"github.com/aura-tools/poa-monitor/monitor/skipreporter"
)

func addr(b byte) common.Address {
	var a common.Address
	a[len(a)-1] = b
	return a
}

func TestSkipWriterAppendsCSVLines(t *testing.T) {
	dir := t.TempDir()
	w := NewSkipWriter(dir, 5*time.Second)

	require.NoError(t, w.OnSkip(context.Background(), addr(1), skipreporter.SkippedProposal{Step: 21, BlockHeight: 22}))
	require.NoError(t, w.Flush())
	require.NoError(t, w.OnSkip(context.Background(), addr(2), skipreporter.SkippedProposal{Step: 22, BlockHeight: 23}))
	require.NoError(t, w.Flush())

	body, err := os.ReadFile(filepath.Join(dir, "skips"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(body), "\n"), "\n")
	require.Len(t, lines, 2)
	require.Equal(t, "21,"+addr(1).Hex()+",1970-01-01 00:01:45", lines[0])
	require.Equal(t, "22,"+addr(2).Hex()+",1970-01-01 00:01:50", lines[1])
}

func TestSkipWriterFlushWithNoPendingIsNoop(t *testing.T) {
	dir := t.TempDir()
	w := NewSkipWriter(dir, 5*time.Second)
	require.NoError(t, w.Flush())
	_, err := os.Stat(filepath.Join(dir, "skips"))
	require.True(t, os.IsNotExist(err))
}

func TestOfflineWriterCreatesOneFilePerReport(t *testing.T) {
	dir := t.TempDir()
	w := NewOfflineWriter(dir)
	require.NoError(t, w.OnOffline(context.Background(), addr(3), []uint64{0, 3, 6, 9}))
	require.NoError(t, w.Flush())

	name := "offline_report_" + addr(3).Hex() + "_steps_0_to_9"
	body, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)

	var decoded struct {
		Validator   string   `json:"validator"`
		MissedSteps []uint64 `json:"missed_steps"`
	}
	require.NoError(t, json.Unmarshal(body, &decoded))
	require.Equal(t, addr(3).Hex(), decoded.Validator)
	require.Equal(t, []uint64{0, 3, 6, 9}, decoded.MissedSteps)
}

func TestOfflineWriterRefusesToOverwrite(t *testing.T) {
	dir := t.TempDir()
	name := "offline_report_" + addr(4).Hex() + "_steps_1_to_1"
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("existing"), 0o644))

	w := NewOfflineWriter(dir)
	require.NoError(t, w.OnOffline(context.Background(), addr(4), []uint64{1}))
	require.Error(t, w.Flush())
}

type fakeHeaderStore struct {
	headers map[common.Hash]*blockcodec.Header
}

func (s *fakeHeaderStore) GetHeader(hash common.Hash) (*blockcodec.Header, error) {
	h, ok := s.headers[hash]
	if !ok {
		return nil, os.ErrNotExist
	}
	return h, nil
}

func header(number, step uint64, extra byte) (*blockcodec.Header, common.Hash) {
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

func TestEquivocationWriterAppendsDelimitedRecords(t *testing.T) {
	dir := t.TempDir()
	h1, hash1 := header(10, 5, 0)
	h2, hash2 := header(10, 5, 1)
	store := &fakeHeaderStore{headers: map[common.Hash]*blockcodec.Header{hash1: h1, hash2: h2}}

	w := NewEquivocationWriter(dir, store)
	proposer := addr(9)
	require.NoError(t, w.OnEquivocation(context.Background(), proposer, 5, []common.Hash{hash1, hash2}))
	require.NoError(t, w.Flush())

	name := "equivocation_reports_for_proposer_" + proposer.Hex()
	body, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	content := string(body)
	require.Contains(t, content, recordDelimiter)
	require.Contains(t, content, "proposer: "+proposer.Hex())
	require.Contains(t, content, "block height: 10")
	require.Contains(t, content, hash1.Hex())
	require.Contains(t, content, hash2.Hex())
	require.Contains(t, content, "header[0]:")
	require.Contains(t, content, "signature[1]:")

	// A second emission appends rather than overwrites.
	require.NoError(t, w.OnEquivocation(context.Background(), proposer, 8, []common.Hash{hash1, hash2}))
	require.NoError(t, w.Flush())
	body2, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	require.Equal(t, 2, strings.Count(string(body2), recordDelimiter))
}
