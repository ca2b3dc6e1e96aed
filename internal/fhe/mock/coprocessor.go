// Package mock is an in-process FHE coprocessor for local networks and
// tests. Ciphertexts are plaintext entries keyed by handle; the coprocessor
// still enforces input proofs, the ACL, the authorization signature and its
// validity window, so client flows behave as they do against a gateway.
package mock

import (
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/zmlAEQ/Aequa-fhevm/internal/config"
	"github.com/zmlAEQ/Aequa-fhevm/internal/fault"
	"github.com/zmlAEQ/Aequa-fhevm/internal/fhe"
	"github.com/zmlAEQ/Aequa-fhevm/pkg/metrics"
)

const (
	handleVersion = 0
	maxValidDays  = 365
)

type entry struct {
	value *big.Int
	bits  int
	acl   map[common.Address]bool
}

// Coprocessor holds every handle minted on the local network.
type Coprocessor struct {
	network config.Network
	clk     clock.Clock
	signer  *ecdsa.PrivateKey

	mu       sync.Mutex
	handles  map[common.Hash]*entry
	nonce    uint64
	failures []int
	calls    int
}

type Option func(*Coprocessor)

// WithClock replaces the wall clock used for authorization windows.
func WithClock(c clock.Clock) Option { return func(cp *Coprocessor) { cp.clk = c } }

func New(network config.Network, opts ...Option) *Coprocessor {
	key, err := crypto.GenerateKey()
	if err != nil {
		panic(err)
	}
	cp := &Coprocessor{network: network, clk: clock.New(), signer: key, handles: map[common.Hash]*entry{}}
	for _, o := range opts {
		o(cp)
	}
	return cp
}

func (c *Coprocessor) Network() config.Network { return c.network }

// InputSigner is the address that co-signs input proofs.
func (c *Coprocessor) InputSigner() common.Address { return crypto.PubkeyToAddress(c.signer.PublicKey) }

// Encrypt mints one handle per value and an input proof binding them to
// contract and user.
func (c *Coprocessor) Encrypt(contract, user common.Address, values []fhe.Value) ([]common.Hash, []byte, error) {
	if len(values) == 0 || len(values) > 255 {
		return nil, nil, fmt.Errorf("input must carry 1..255 values, got %d", len(values))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	seed := c.nextSeed(contract, user)
	hs := make([]common.Hash, len(values))
	for i, v := range values {
		if err := fhe.CheckValue(v); err != nil {
			return nil, nil, err
		}
		h := c.mint(seed, byte(i), v.Bits)
		c.handles[h] = &entry{value: new(big.Int).Set(v.Value), bits: v.Bits, acl: map[common.Address]bool{}}
		hs[i] = h
	}
	sig, err := crypto.Sign(inputDigest(hs, contract, user, c.network.ChainID), c.signer)
	if err != nil {
		return nil, nil, err
	}
	return hs, EncodeInputProof(hs, [][]byte{sig}), nil
}

// VerifyInput checks that handle is covered by proof for (contract, user)
// and returns its plaintext.
func (c *Coprocessor) VerifyInput(handle common.Hash, proof []byte, contract, user common.Address) (*big.Int, int, error) {
	hs, sigs, err := DecodeInputProof(proof)
	if err != nil {
		return nil, 0, err
	}
	found := false
	for _, h := range hs {
		if h == handle {
			found = true
			break
		}
	}
	if !found {
		return nil, 0, fmt.Errorf("handle %s not in proof", handle)
	}
	digest := inputDigest(hs, contract, user, c.network.ChainID)
	if len(sigs) == 0 {
		return nil, 0, fmt.Errorf("input proof unsigned")
	}
	pub, err := crypto.SigToPub(digest, sigs[0])
	if err != nil || crypto.PubkeyToAddress(*pub) != c.InputSigner() {
		return nil, 0, fmt.Errorf("input proof signature invalid")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.handles[handle]
	if !ok {
		return nil, 0, fmt.Errorf("unknown handle %s", handle)
	}
	return new(big.Int).Set(e.value), e.bits, nil
}

// Compute mints a handle for a value produced on the ledger.
func (c *Coprocessor) Compute(v *big.Int, bits int) common.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.mint(c.nextSeed(common.Address{}, common.Address{}), 0, bits)
	c.handles[h] = &entry{value: new(big.Int).Set(v), bits: bits, acl: map[common.Address]bool{}}
	return h
}

// Allow grants addr decryption rights on handle.
func (c *Coprocessor) Allow(handle common.Hash, addr common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.handles[handle]; ok {
		e.acl[addr] = true
	}
}

func (c *Coprocessor) IsAllowed(handle common.Hash, addr common.Address) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.handles[handle]
	return ok && e.acl[addr]
}

// Peek returns the plaintext behind handle without any ACL check.
func (c *Coprocessor) Peek(handle common.Hash) (*big.Int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.handles[handle]
	if !ok {
		return nil, false
	}
	return new(big.Int).Set(e.value), true
}

// FailDecrypt queues backend statuses returned by the next UserDecrypt calls.
func (c *Coprocessor) FailDecrypt(statuses ...int) {
	c.mu.Lock()
	c.failures = append(c.failures, statuses...)
	c.mu.Unlock()
}

// DecryptCalls counts UserDecrypt invocations, failed ones included.
func (c *Coprocessor) DecryptCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// UserDecrypt releases plaintexts for an authorized request.
func (c *Coprocessor) UserDecrypt(req fhe.DecryptRequest) (map[common.Hash]*big.Int, error) {
	c.mu.Lock()
	c.calls++
	if len(c.failures) > 0 {
		st := c.failures[0]
		c.failures = c.failures[1:]
		c.mu.Unlock()
		metrics.Inc("mock_decrypt_total", map[string]string{"result": "injected"})
		return nil, &fault.BackendError{Status: st, Message: "injected failure"}
	}
	c.mu.Unlock()

	if err := c.checkAuthorization(req); err != nil {
		metrics.Inc("mock_decrypt_total", map[string]string{"result": "denied"})
		return nil, &fault.BackendError{Status: 400, Message: err.Error()}
	}
	allowed := make(map[common.Address]bool, len(req.Contracts))
	for _, a := range req.Contracts {
		allowed[a] = true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[common.Hash]*big.Int, len(req.Pairs))
	for _, p := range req.Pairs {
		if !allowed[p.Contract] {
			return nil, &fault.BackendError{Status: 400, Message: fmt.Sprintf("contract %s not authorized", p.Contract)}
		}
		e, ok := c.handles[p.Handle]
		if !ok {
			return nil, &fault.BackendError{Status: 404, Message: fmt.Sprintf("unknown handle %s", p.Handle)}
		}
		if !e.acl[req.User] || !e.acl[p.Contract] {
			return nil, &fault.BackendError{Status: 403, Message: fmt.Sprintf("acl denies %s on %s", req.User, p.Handle)}
		}
		out[p.Handle] = new(big.Int).Set(e.value)
	}
	metrics.Inc("mock_decrypt_total", map[string]string{"result": "ok"})
	return out, nil
}

func (c *Coprocessor) checkAuthorization(req fhe.DecryptRequest) error {
	if req.DurationDays <= 0 || req.DurationDays > maxValidDays {
		return fmt.Errorf("duration %d days out of range", req.DurationDays)
	}
	now := c.clk.Now().Unix()
	end := req.StartTimestamp + int64(req.DurationDays)*int64((24*time.Hour)/time.Second)
	if now < req.StartTimestamp || now > end {
		return fmt.Errorf("authorization outside validity window")
	}
	td := fhe.UserDecryptTypedData(c.network.GatewayChainID, common.HexToAddress(c.network.VerifyingContractDecryption),
		c.network.ChainID, req.Keypair.PublicKey, req.Contracts, req.StartTimestamp, req.DurationDays)
	digest, err := fhe.TypedDataHash(td)
	if err != nil {
		return err
	}
	sig, err := fhe.DecodeHex(req.Signature)
	if err != nil || len(sig) != 65 {
		return fmt.Errorf("malformed signature")
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		return fmt.Errorf("signature recovery: %w", err)
	}
	if crypto.PubkeyToAddress(*pub) != req.User {
		return fmt.Errorf("signature does not match user %s", req.User)
	}
	return nil
}

func (c *Coprocessor) nextSeed(contract, user common.Address) []byte {
	c.nonce++
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], c.nonce)
	return crypto.Keccak256(contract.Bytes(), user.Bytes(), n[:])
}

// mint lays out a handle as keccak prefix | index | chain id | type | version.
func (c *Coprocessor) mint(seed []byte, index byte, bits int) common.Hash {
	var h common.Hash
	copy(h[:21], crypto.Keccak256(seed, []byte{index}))
	h[21] = index
	binary.BigEndian.PutUint64(h[22:30], c.network.ChainID)
	h[30] = fhe.TypeByte(bits)
	h[31] = handleVersion
	return h
}

func inputDigest(hs []common.Hash, contract, user common.Address, chainID uint64) []byte {
	buf := make([]byte, 0, len(hs)*32+48)
	for _, h := range hs {
		buf = append(buf, h[:]...)
	}
	buf = append(buf, contract.Bytes()...)
	buf = append(buf, user.Bytes()...)
	var cid [8]byte
	binary.BigEndian.PutUint64(cid[:], chainID)
	buf = append(buf, cid[:]...)
	return crypto.Keccak256(buf)
}

// EncodeInputProof serialises [numHandles][numSigners][handles][signatures].
func EncodeInputProof(hs []common.Hash, sigs [][]byte) []byte {
	out := []byte{byte(len(hs)), byte(len(sigs))}
	for _, h := range hs {
		out = append(out, h[:]...)
	}
	for _, s := range sigs {
		out = append(out, s...)
	}
	return out
}

func DecodeInputProof(p []byte) ([]common.Hash, [][]byte, error) {
	if len(p) < 2 {
		return nil, nil, fmt.Errorf("input proof too short")
	}
	nh, ns := int(p[0]), int(p[1])
	if len(p) < 2+nh*32+ns*65 {
		return nil, nil, fmt.Errorf("input proof truncated")
	}
	hs := make([]common.Hash, nh)
	off := 2
	for i := range hs {
		hs[i] = common.BytesToHash(p[off : off+32])
		off += 32
	}
	sigs := make([][]byte, ns)
	for i := range sigs {
		sigs[i] = append([]byte(nil), p[off:off+65]...)
		off += 65
	}
	return hs, sigs, nil
}
