// Package ledger binds the CapitalVerification contract surface.
package ledger

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
)

// CapitalVerificationABI is the client-facing ABI of the verification
// contract. Encrypted values travel as bytes32 handles.
const CapitalVerificationABI = `[
 {"type":"function","name":"submitCapital","stateMutability":"nonpayable",
  "inputs":[{"name":"encryptedCapital","type":"bytes32","internalType":"externalEuint32"},{"name":"inputProof","type":"bytes"}],"outputs":[]},
 {"type":"function","name":"getMyVerificationResult","stateMutability":"view","inputs":[],
  "outputs":[{"name":"","type":"bytes32","internalType":"euint32"}]},
 {"type":"function","name":"getMyCapital","stateMutability":"view","inputs":[],
  "outputs":[{"name":"","type":"bytes32","internalType":"euint32"}]},
 {"type":"function","name":"hasSubmitted","stateMutability":"view",
  "inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"event","name":"CapitalSubmitted","anonymous":false,
  "inputs":[{"name":"user","type":"address","indexed":true},{"name":"timestamp","type":"uint256","indexed":false}]},
 {"type":"event","name":"VerificationCompleted","anonymous":false,
  "inputs":[{"name":"user","type":"address","indexed":true},{"name":"timestamp","type":"uint256","indexed":false}]}
]`

const (
	MethodSubmitCapital      = "submitCapital"
	MethodVerificationResult = "getMyVerificationResult"
	MethodCapital            = "getMyCapital"
	MethodHasSubmitted       = "hasSubmitted"
	EventCapitalSubmitted    = "CapitalSubmitted"
	EventVerification        = "VerificationCompleted"
)

// Threshold is the capital at or above which verification passes.
const Threshold = 10000

var parsed = mustParse(CapitalVerificationABI)

func mustParse(js string) abi.ABI {
	a, err := abi.JSON(strings.NewReader(js))
	if err != nil {
		panic(err)
	}
	return a
}

// ABI returns the parsed CapitalVerification ABI.
func ABI() abi.ABI { return parsed }

// Contract is an address plus the ABI used to talk to it.
type Contract struct {
	Address common.Address
	ABI     abi.ABI
}

// NewContract parses abiJSON. It performs no network access.
func NewContract(address common.Address, abiJSON string) (*Contract, error) {
	if address == (common.Address{}) {
		return nil, errors.New("zero contract address")
	}
	a, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, errors.Wrap(err, "parse abi")
	}
	return &Contract{Address: address, ABI: a}, nil
}

// Caller performs read-only contract calls.
type Caller interface {
	Call(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)
}

// Read calls a view method and returns its decoded outputs.
func (c *Contract) Read(ctx context.Context, caller Caller, from common.Address, method string, args ...any) ([]any, error) {
	data, err := c.ABI.Pack(method, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "pack %s", method)
	}
	out, err := caller.Call(ctx, ethereum.CallMsg{From: from, To: &c.Address, Data: data})
	if err != nil {
		return nil, errors.Wrapf(err, "call %s", method)
	}
	vals, err := c.ABI.Unpack(method, out)
	if err != nil {
		return nil, errors.Wrapf(err, "unpack %s", method)
	}
	return vals, nil
}

// ReadHandle calls a view method returning a single bytes32 handle.
func (c *Contract) ReadHandle(ctx context.Context, caller Caller, from common.Address, method string) (common.Hash, error) {
	vals, err := c.Read(ctx, caller, from, method)
	if err != nil {
		return common.Hash{}, err
	}
	if len(vals) != 1 {
		return common.Hash{}, errors.Errorf("%s: want 1 output, got %d", method, len(vals))
	}
	h, ok := vals[0].([32]byte)
	if !ok {
		return common.Hash{}, errors.Errorf("%s: output is %T, not bytes32", method, vals[0])
	}
	return common.Hash(h), nil
}

// HasSubmitted reports whether user already submitted capital.
func (c *Contract) HasSubmitted(ctx context.Context, caller Caller, user common.Address) (bool, error) {
	vals, err := c.Read(ctx, caller, user, MethodHasSubmitted, user)
	if err != nil {
		return false, err
	}
	b, ok := vals[0].(bool)
	if !ok {
		return false, errors.Errorf("hasSubmitted: output is %T", vals[0])
	}
	return b, nil
}

// Event is a decoded contract log.
type Event struct {
	Name      string
	User      common.Address
	Timestamp *big.Int
	TxHash    common.Hash
}

// DecodeEvents returns the logs emitted by c that match a known event with
// an indexed user and a uint256 payload.
func (c *Contract) DecodeEvents(logs []*types.Log) []Event {
	var out []Event
	for _, l := range logs {
		if l == nil || l.Address != c.Address || len(l.Topics) < 2 {
			continue
		}
		ev, err := c.ABI.EventByID(l.Topics[0])
		if err != nil {
			continue
		}
		vals, err := ev.Inputs.NonIndexed().Unpack(l.Data)
		if err != nil || len(vals) != 1 {
			continue
		}
		ts, _ := vals[0].(*big.Int)
		out = append(out, Event{
			Name:      ev.Name,
			User:      common.BytesToAddress(l.Topics[1].Bytes()),
			Timestamp: ts,
			TxHash:    l.TxHash,
		})
	}
	return out
}
