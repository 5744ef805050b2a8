// Package chainspec parses and validates the validator-definition grammar
// of an Aura chain spec's `engine.authorityRound.params.validators.multi`
// object, and derives the static epoch seed and dynamic contract ranges
// that feed monitor/primaryoracle and monitor/epochfetcher. It is grounded
// on original_source/monitor/validators.py's
// validate_validator_definition/get_validator_definition_ranges pair,
// translated from Python's duck-typed Mapping validation to explicit
// Go struct decoding plus manual grammar checks (encoding/json's struct
// tags can't express "exactly one of these three keys").
package chainspec

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/aura-tools/poa-monitor/common"
	"github.com/aura-tools/poa-monitor/monitor/epochfetcher"
	"github.com/aura-tools/poa-monitor/monitor/primaryoracle"
)

// ErrInvalidSpec wraps every grammar violation, per spec.md §7's "bad
// chain spec" fatal-at-startup category.
var ErrInvalidSpec = errors.New("chainspec: invalid chain spec")

// ValidatorDefinitionRange is one entry of the sorted, non-overlapping
// range list derived from the multi map, per spec.md §3.
type ValidatorDefinitionRange struct {
	EnterHeight     uint64
	LeaveHeight     *uint64 // nil for the last (open-ended) range
	IsContract      bool
	ContractAddress common.Address  // set iff IsContract
	Validators      []common.Address // set iff !IsContract, in chain-spec order
}

// ChainSpec holds the parsed, sorted validator-definition ranges.
type ChainSpec struct {
	Ranges []ValidatorDefinitionRange
}

// Parse decodes and validates a chain spec document, descending to
// engine.authorityRound.params.validators and applying the multi-list
// grammar of spec.md §6 to it. The rest of the document (genesis,
// accounts, the engine's other params) is ignored — this monitor only
// ever needs the validator-definition path.
func Parse(data []byte) (*ChainSpec, error) {
	var doc struct {
		Engine struct {
			AuthorityRound struct {
				Params struct {
					Validators json.RawMessage `json:"validators"`
				} `json:"params"`
			} `json:"authorityRound"`
		} `json:"engine"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	if len(doc.Engine.AuthorityRound.Params.Validators) == 0 {
		return nil, fmt.Errorf("%w: missing engine.authorityRound.params.validators", ErrInvalidSpec)
	}

	var validators map[string]json.RawMessage
	if err := json.Unmarshal(doc.Engine.AuthorityRound.Params.Validators, &validators); err != nil {
		return nil, fmt.Errorf("%w: validators must be an object: %v", ErrInvalidSpec, err)
	}
	if len(validators) != 1 {
		return nil, fmt.Errorf("%w: validators must be a single-key \"multi\" object", ErrInvalidSpec)
	}
	multiRaw, ok := validators["multi"]
	if !ok {
		return nil, fmt.Errorf("%w: validators must be a single-key \"multi\" object", ErrInvalidSpec)
	}

	var multi map[string]json.RawMessage
	if err := json.Unmarshal(multiRaw, &multi); err != nil {
		return nil, fmt.Errorf("%w: multi must be an object: %v", ErrInvalidSpec, err)
	}
	if _, ok := multi["0"]; !ok {
		return nil, fmt.Errorf("%w: multi must contain an entry for block 0", ErrInvalidSpec)
	}

	type entry struct {
		height uint64
		cfg    multiEntryConfig
	}
	entries := make([]entry, 0, len(multi))
	for key, raw := range multi {
		height, err := parseDecimalKey(key)
		if err != nil {
			return nil, err
		}
		cfg, err := parseMultiEntry(raw)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry{height: height, cfg: cfg})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].height < entries[j].height })

	ranges := make([]ValidatorDefinitionRange, len(entries))
	for i, e := range entries {
		r := ValidatorDefinitionRange{
			EnterHeight: e.height,
			IsContract:  e.cfg.isContract,
		}
		if e.cfg.isContract {
			r.ContractAddress = e.cfg.contractAddress
		} else {
			r.Validators = e.cfg.validators
		}
		if i+1 < len(entries) {
			leave := entries[i+1].height
			r.LeaveHeight = &leave
		}
		ranges[i] = r
	}
	return &ChainSpec{Ranges: ranges}, nil
}

func parseDecimalKey(key string) (uint64, error) {
	if key == "" {
		return 0, fmt.Errorf("%w: multi list keys must be stringified ints", ErrInvalidSpec)
	}
	for _, c := range key {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("%w: multi list keys must be stringified ints, got %q", ErrInvalidSpec, key)
		}
	}
	height, err := strconv.ParseUint(key, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: multi list key %q out of range: %v", ErrInvalidSpec, key, err)
	}
	return height, nil
}

type multiEntryConfig struct {
	isContract      bool
	contractAddress common.Address
	validators      []common.Address
}

func parseMultiEntry(raw json.RawMessage) (multiEntryConfig, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return multiEntryConfig{}, fmt.Errorf("%w: multi list entries must be an object: %v", ErrInvalidSpec, err)
	}
	if len(obj) != 1 {
		return multiEntryConfig{}, fmt.Errorf("%w: multi list entries must have exactly one key", ErrInvalidSpec)
	}

	if listRaw, ok := obj["list"]; ok {
		var addrs []string
		if err := json.Unmarshal(listRaw, &addrs); err != nil {
			return multiEntryConfig{}, fmt.Errorf("%w: static validator list must be an array: %v", ErrInvalidSpec, err)
		}
		if len(addrs) == 0 {
			return multiEntryConfig{}, fmt.Errorf("%w: static validator list must not be empty", ErrInvalidSpec)
		}
		validators := make([]common.Address, len(addrs))
		for i, a := range addrs {
			if !common.IsHexAddress(a) {
				return multiEntryConfig{}, fmt.Errorf("%w: static validator list must only contain hex addresses, got %q", ErrInvalidSpec, a)
			}
			validators[i] = common.HexToAddress(a)
		}
		return multiEntryConfig{isContract: false, validators: validators}, nil
	}

	for _, key := range []string{"contract", "safeContract"} {
		addrRaw, ok := obj[key]
		if !ok {
			continue
		}
		var addr string
		if err := json.Unmarshal(addrRaw, &addr); err != nil {
			return multiEntryConfig{}, fmt.Errorf("%w: validator contract address must be a string: %v", ErrInvalidSpec, err)
		}
		if !common.IsHexAddress(addr) {
			return multiEntryConfig{}, fmt.Errorf("%w: validator contract address must be a hex address, got %q", ErrInvalidSpec, addr)
		}
		return multiEntryConfig{isContract: true, contractAddress: common.HexToAddress(addr)}, nil
	}

	return multiEntryConfig{}, fmt.Errorf("%w: multi list entries must be one of list, contract or safeContract", ErrInvalidSpec)
}

// StaticEpochs derives one primaryoracle.Epoch per non-contract range, at
// the range's EnterHeight, with DefinitionIndex set to the range's
// position in the sorted list — the seed for primaryoracle.New, per
// spec.md §4.3's construction rule.
func (cs *ChainSpec) StaticEpochs() []primaryoracle.Epoch {
	var epochs []primaryoracle.Epoch
	for i, r := range cs.Ranges {
		if r.IsContract {
			continue
		}
		epochs = append(epochs, primaryoracle.Epoch{
			StartHeight:     r.EnterHeight,
			Validators:      r.Validators,
			DefinitionIndex: uint32(i),
		})
	}
	return epochs
}

// ContractRanges derives one epochfetcher.ContractRange per contract-typed
// range, in sorted order, feeding monitor/epochfetcher's construction.
func (cs *ChainSpec) ContractRanges() []epochfetcher.ContractRange {
	var ranges []epochfetcher.ContractRange
	for i, r := range cs.Ranges {
		if !r.IsContract {
			continue
		}
		ranges = append(ranges, epochfetcher.ContractRange{
			EnterHeight:     r.EnterHeight,
			ContractAddress: r.ContractAddress,
			DefinitionIndex: uint32(i),
		})
	}
	return ranges
}
