package mock

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"

	"github.com/zmlAEQ/Aequa-fhevm/internal/fault"
	"github.com/zmlAEQ/Aequa-fhevm/internal/fhe"
	"github.com/zmlAEQ/Aequa-fhevm/internal/relayer"
)

// Handler exposes cp through the relayer HTTP API.
func Handler(cp *Coprocessor) http.Handler {
	r := chi.NewRouter()
	r.Get(relayer.PathKeyURL, func(w http.ResponseWriter, _ *http.Request) {
		reply(w, http.StatusOK, relayer.KeyInfo{PublicKeyID: "mock-" + strconv.FormatUint(cp.network.ChainID, 10)})
	})
	r.Post(relayer.PathInputProof, func(w http.ResponseWriter, req *http.Request) {
		var in relayer.InputProofRequest
		if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
			fail(w, http.StatusBadRequest, err.Error())
			return
		}
		raw, err := fhe.DecodeHex(in.Ciphertext)
		if err != nil {
			fail(w, http.StatusBadRequest, "bad ciphertext")
			return
		}
		values, err := decodeClear(raw)
		if err != nil {
			fail(w, http.StatusBadRequest, err.Error())
			return
		}
		hs, proof, err := cp.Encrypt(common.HexToAddress(in.ContractAddress), common.HexToAddress(in.UserAddress), values)
		if err != nil {
			fail(w, http.StatusBadRequest, err.Error())
			return
		}
		_, sigs, _ := DecodeInputProof(proof)
		out := relayer.InputProofResponse{}
		for _, h := range hs {
			out.Handles = append(out.Handles, h.Hex())
		}
		for _, s := range sigs {
			out.Signatures = append(out.Signatures, hexutil.Encode(s))
		}
		reply(w, http.StatusOK, out)
	})
	r.Post(relayer.PathUserDecrypt, func(w http.ResponseWriter, req *http.Request) {
		var in relayer.UserDecryptRequest
		if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
			fail(w, http.StatusBadRequest, err.Error())
			return
		}
		start, err1 := strconv.ParseInt(in.RequestValidity.StartTimestamp, 10, 64)
		days, err2 := strconv.Atoi(in.RequestValidity.DurationDays)
		if err1 != nil || err2 != nil {
			fail(w, http.StatusBadRequest, "bad request validity")
			return
		}
		dr := fhe.DecryptRequest{
			Keypair:        fhe.Keypair{PublicKey: in.PublicKey},
			Signature:      in.Signature,
			User:           common.HexToAddress(in.UserAddress),
			StartTimestamp: start,
			DurationDays:   days,
		}
		for _, p := range in.HandleContractPairs {
			dr.Pairs = append(dr.Pairs, fhe.HandleContractPair{Handle: common.HexToHash(p.Handle), Contract: common.HexToAddress(p.ContractAddress)})
		}
		for _, a := range in.ContractAddresses {
			dr.Contracts = append(dr.Contracts, common.HexToAddress(a))
		}
		plain, err := cp.UserDecrypt(dr)
		if err != nil {
			var be *fault.BackendError
			if errors.As(err, &be) {
				fail(w, be.Status, be.Message)
				return
			}
			fail(w, http.StatusInternalServerError, err.Error())
			return
		}
		out := make([]relayer.SealedPlaintext, 0, len(plain))
		for _, p := range dr.Pairs {
			sealed, err := relayer.Seal(in.PublicKey, plain[p.Handle])
			if err != nil {
				fail(w, http.StatusBadRequest, err.Error())
				return
			}
			out = append(out, relayer.SealedPlaintext{Handle: p.Handle.Hex(), Payload: sealed})
		}
		reply(w, http.StatusOK, out)
	})
	return r
}

func reply(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{"response": v})
}

func fail(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{"message": msg})
}
