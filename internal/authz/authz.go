// Package authz runs the user decryption authorization round trip: an
// ephemeral keypair, a signed time-bounded EIP-712 grant, and the exchange
// of (handle, grant) for plaintext.
package authz

import (
	"context"
	"math/big"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/zmlAEQ/Aequa-fhevm/internal/fault"
	"github.com/zmlAEQ/Aequa-fhevm/internal/fhe"
	"github.com/zmlAEQ/Aequa-fhevm/internal/wallet"
	"github.com/zmlAEQ/Aequa-fhevm/pkg/logger"
	"github.com/zmlAEQ/Aequa-fhevm/pkg/metrics"
)

// ValidityDays is the lifetime of a decryption grant.
const ValidityDays = 10

// Authorization is the signed grant presented to the backend.
type Authorization struct {
	Domain    apitypes.TypedDataDomain
	TypedData apitypes.TypedData
	Signature string // hex, no 0x
	ValidFrom int64
	ValidDays int
	Contracts []common.Address
}

// Expires returns the end of the validity window.
func (a Authorization) Expires() time.Time {
	return time.Unix(a.ValidFrom, 0).Add(time.Duration(a.ValidDays) * 24 * time.Hour)
}

type Protocol struct {
	Engine fhe.Instance
	Signer wallet.Signer
	User   common.Address
	Clock  clock.Clock
	Days   int
}

// Authorize builds and signs a grant for contracts bound to keypair.
func (p Protocol) Authorize(ctx context.Context, kp fhe.Keypair, contracts []common.Address) (Authorization, error) {
	days := p.Days
	if days <= 0 {
		days = ValidityDays
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	start := clk.Now().Unix()
	td, err := p.Engine.CreateEIP712(kp.PublicKey, contracts, start, days)
	if err != nil {
		return Authorization{}, err
	}
	td = fhe.StripDomainType(td)
	sig, err := p.Signer.SignTypedData(ctx, td)
	if err != nil {
		metrics.Inc("authz_sign_total", map[string]string{"result": "error"})
		return Authorization{}, err
	}
	metrics.Inc("authz_sign_total", map[string]string{"result": "ok"})
	return Authorization{
		Domain:    td.Domain,
		TypedData: td,
		Signature: fhe.Strip0x(sig),
		ValidFrom: start,
		ValidDays: days,
		Contracts: contracts,
	}, nil
}

// Decrypt exchanges handle for its plaintext. A zero handle yields
// NoResultAvailable without any backend traffic. Backend failures are
// returned as *fault.BackendError.
func (p Protocol) Decrypt(ctx context.Context, handle common.Hash, contract common.Address) (*big.Int, error) {
	const op = "authz.decrypt"
	if handle == (common.Hash{}) {
		return nil, fault.Ef(fault.NoResultAvailable, op, "no encrypted result for this account yet")
	}
	kp, err := p.Engine.GenerateKeypair()
	if err != nil {
		return nil, fault.E(fault.DecryptionFailed, op, err)
	}
	contracts := []common.Address{contract}
	auth, err := p.Authorize(ctx, kp, contracts)
	if err != nil {
		return nil, fault.E(fault.DecryptionFailed, op, err)
	}
	begin := time.Now()
	out, err := p.Engine.UserDecrypt(ctx, fhe.DecryptRequest{
		Pairs:          []fhe.HandleContractPair{{Handle: handle, Contract: contract}},
		Keypair:        kp,
		Signature:      auth.Signature,
		Contracts:      contracts,
		User:           p.User,
		StartTimestamp: auth.ValidFrom,
		DurationDays:   auth.ValidDays,
	})
	metrics.ObserveSummary("authz_user_decrypt_ms", nil, float64(time.Since(begin).Milliseconds()))
	if err != nil {
		err = fault.Classify(err)
		logger.WarnJ("authz_decrypt", map[string]any{"result": "backend_error", "handle": handle.Hex(), "transient": fault.IsTransient(err), "err": err.Error()})
		return nil, fault.E(fault.DecryptionFailed, op, err)
	}
	v, ok := out[handle]
	if !ok || v == nil {
		return nil, fault.Ef(fault.DecryptionFailed, op, "backend returned no value for %s", handle.Hex())
	}
	logger.InfoJ("authz_decrypt", map[string]any{"result": "ok", "handle": handle.Hex()})
	return v, nil
}

// FetchAndDecrypt reads the handle with read and decrypts it.
func (p Protocol) FetchAndDecrypt(ctx context.Context, read func(context.Context) (common.Hash, error), contract common.Address) (*big.Int, error) {
	h, err := read(ctx)
	if err != nil {
		return nil, fault.E(fault.DecryptionFailed, "authz.fetch", err)
	}
	return p.Decrypt(ctx, h, contract)
}
