package fhe

import (
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const (
	DomainType      = "EIP712Domain"
	UserDecryptType = "UserDecryptRequestVerification"
	DomainName      = "Decryption"
	DomainVersion   = "1"
)

// UserDecryptTypedData builds the user decryption authorization message
// bound to the gateway chain and the decryption verifying contract.
func UserDecryptTypedData(gatewayChainID uint64, verifyingContract common.Address, contractsChainID uint64,
	publicKey string, contracts []common.Address, start int64, days int) apitypes.TypedData {
	addrs := make([]interface{}, len(contracts))
	for i, c := range contracts {
		addrs[i] = c.Hex()
	}
	pk := publicKey
	if !has0x(pk) {
		pk = "0x" + pk
	}
	return apitypes.TypedData{
		Types: apitypes.Types{
			DomainType: DomainTypeFields(true, true, true, true, false),
			UserDecryptType: {
				{Name: "publicKey", Type: "bytes"},
				{Name: "contractAddresses", Type: "address[]"},
				{Name: "contractsChainId", Type: "uint256"},
				{Name: "startTimestamp", Type: "uint256"},
				{Name: "durationDays", Type: "uint256"},
			},
		},
		PrimaryType: UserDecryptType,
		Domain: apitypes.TypedDataDomain{
			Name:              DomainName,
			Version:           DomainVersion,
			ChainId:           (*math.HexOrDecimal256)(new(big.Int).SetUint64(gatewayChainID)),
			VerifyingContract: verifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"publicKey":         pk,
			"contractAddresses": addrs,
			"contractsChainId":  strconv.FormatUint(contractsChainID, 10),
			"startTimestamp":    strconv.FormatInt(start, 10),
			"durationDays":      strconv.Itoa(days),
		},
	}
}

// DomainTypeFields lists the EIP712Domain members in canonical order.
func DomainTypeFields(name, version, chainID, contract, salt bool) []apitypes.Type {
	var out []apitypes.Type
	if name {
		out = append(out, apitypes.Type{Name: "name", Type: "string"})
	}
	if version {
		out = append(out, apitypes.Type{Name: "version", Type: "string"})
	}
	if chainID {
		out = append(out, apitypes.Type{Name: "chainId", Type: "uint256"})
	}
	if contract {
		out = append(out, apitypes.Type{Name: "verifyingContract", Type: "address"})
	}
	if salt {
		out = append(out, apitypes.Type{Name: "salt", Type: "bytes32"})
	}
	return out
}

// StripDomainType returns a copy of td without the EIP712Domain entry.
func StripDomainType(td apitypes.TypedData) apitypes.TypedData {
	types := make(apitypes.Types, len(td.Types))
	for k, v := range td.Types {
		if k != DomainType {
			types[k] = v
		}
	}
	td.Types = types
	return td
}

// WithDomainType returns a copy of td whose EIP712Domain entry is derived
// from the populated domain fields.
func WithDomainType(td apitypes.TypedData) apitypes.TypedData {
	types := make(apitypes.Types, len(td.Types)+1)
	for k, v := range td.Types {
		types[k] = v
	}
	d := td.Domain
	types[DomainType] = DomainTypeFields(d.Name != "", d.Version != "", d.ChainId != nil, d.VerifyingContract != "", d.Salt != "")
	td.Types = types
	return td
}

// TypedDataHash is the EIP-712 digest of td. A missing domain type is
// re-derived first.
func TypedDataHash(td apitypes.TypedData) (common.Hash, error) {
	if _, ok := td.Types[DomainType]; !ok {
		td = WithDomainType(td)
	}
	h, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(h), nil
}

// Strip0x drops a leading 0x or 0X.
func Strip0x(s string) string {
	if has0x(s) {
		return s[2:]
	}
	return s
}

// DecodeHex accepts hex with or without a 0x prefix.
func DecodeHex(s string) ([]byte, error) { return hexutil.Decode("0x" + Strip0x(s)) }

func has0x(s string) bool { return len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') }
