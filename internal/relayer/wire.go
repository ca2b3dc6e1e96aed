package relayer

// Wire types of the relayer HTTP API. Every success body is wrapped as
// {"response": ...}; failures carry {"message": ...}.

type envelope[T any] struct {
	Response T      `json:"response"`
	Message  string `json:"message,omitempty"`
}

type KeyInfo struct {
	PublicKeyID  string `json:"publicKeyId"`
	PublicKeyURL string `json:"publicKeyUrl"`
	CRSURL       string `json:"crsUrl"`
}

type InputProofRequest struct {
	ContractAddress string `json:"contractAddress"`
	UserAddress     string `json:"userAddress"`
	Ciphertext      string `json:"ciphertextWithInputVerification"`
	ContractChainID uint64 `json:"contractChainId"`
	ExtraData       string `json:"extraData"`
}

type InputProofResponse struct {
	Handles    []string `json:"handles"`
	Signatures []string `json:"signatures"`
}

type HandleContractPair struct {
	Handle          string `json:"handle"`
	ContractAddress string `json:"contractAddress"`
}

type RequestValidity struct {
	StartTimestamp string `json:"startTimestamp"`
	DurationDays   string `json:"durationDays"`
}

type UserDecryptRequest struct {
	HandleContractPairs []HandleContractPair `json:"handleContractPairs"`
	RequestValidity     RequestValidity      `json:"requestValidity"`
	ContractsChainID    string               `json:"contractsChainId"`
	ContractAddresses   []string             `json:"contractAddresses"`
	UserAddress         string               `json:"userAddress"`
	Signature           string               `json:"signature"`
	PublicKey           string               `json:"publicKey"`
	ExtraData           string               `json:"extraData"`
}

// SealedPlaintext is one decrypted value sealed to the request public key.
type SealedPlaintext struct {
	Handle  string `json:"handle"`
	Payload string `json:"payload"`
}

const (
	PathKeyURL      = "/v1/keyurl"
	PathInputProof  = "/v1/input-proof"
	PathUserDecrypt = "/v1/user-decrypt"
)
