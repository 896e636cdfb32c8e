// Package intent hashes and signs burn intents.
//
// A burn intent is a domain-separated typed-data structure; the signature
// over its hash is the only authorization artifact the relay path accepts.
// Hashing follows the EIP-712 scheme: a type hash per struct, fields encoded
// as 32-byte words, dynamic bytes hashed in place.
package intent

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/AgentPay-Network/wallet_layer/internal/app/domain/transfer"
)

const (
	domainName    = "WalletLayer"
	domainVersion = "1"
)

var (
	eip712DomainTypeHash = crypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,string version)"))

	transferSpecTypeHash = crypto.Keccak256Hash([]byte(
		"TransferSpec(uint32 sourceDomain,uint32 destinationDomain,address sourceContract,address destinationContract,address sourceToken,address destinationToken,address depositor,address recipient,address signer,address destinationCaller,uint256 value,bytes32 salt,bytes hookData)"))

	burnIntentTypeHash = crypto.Keccak256Hash([]byte(
		"BurnIntent(uint256 maxBlockHeight,uint256 maxFee,TransferSpec spec)TransferSpec(uint32 sourceDomain,uint32 destinationDomain,address sourceContract,address destinationContract,address sourceToken,address destinationToken,address depositor,address recipient,address signer,address destinationCaller,uint256 value,bytes32 salt,bytes hookData)"))

	domainSeparator = crypto.Keccak256Hash(
		eip712DomainTypeHash.Bytes(),
		crypto.Keccak256([]byte(domainName)),
		crypto.Keccak256([]byte(domainVersion)),
	)
)

// NewSalt returns a cryptographically random per-transfer salt.
func NewSalt() ([32]byte, error) {
	var salt [32]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return [32]byte{}, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

func word(v int64) []byte {
	return common.LeftPadBytes(new(big.Int).SetInt64(v).Bytes(), 32)
}

func uint32Word(v uint32) []byte {
	return common.LeftPadBytes(new(big.Int).SetUint64(uint64(v)).Bytes(), 32)
}

func addressWord(a common.Address) []byte {
	return common.LeftPadBytes(a.Bytes(), 32)
}

// HashSpec returns the struct hash of a transfer spec.
func HashSpec(spec transfer.Spec) common.Hash {
	return crypto.Keccak256Hash(
		transferSpecTypeHash.Bytes(),
		uint32Word(spec.SourceDomain),
		uint32Word(spec.DestinationDomain),
		addressWord(spec.SourceContract),
		addressWord(spec.DestinationContract),
		addressWord(spec.SourceToken),
		addressWord(spec.DestinationToken),
		addressWord(spec.Depositor),
		addressWord(spec.Recipient),
		addressWord(spec.Signer),
		addressWord(spec.DestinationCaller),
		word(spec.Value),
		spec.Salt[:],
		crypto.Keccak256(spec.HookData),
	)
}

// HashIntent returns the signable digest of a burn intent: the typed-data
// hash bound to the wallet layer's signing domain.
func HashIntent(in transfer.BurnIntent) common.Hash {
	structHash := crypto.Keccak256Hash(
		burnIntentTypeHash.Bytes(),
		word(in.MaxBlockHeight),
		word(in.MaxFee),
		HashSpec(in.Spec).Bytes(),
	)
	return crypto.Keccak256Hash(
		[]byte{0x19, 0x01},
		domainSeparator.Bytes(),
		structHash.Bytes(),
	)
}

// Sign produces a 65-byte [R || S || V] signature over the intent digest.
func Sign(in transfer.BurnIntent, key *ecdsa.PrivateKey) ([]byte, error) {
	digest := HashIntent(in)
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return nil, fmt.Errorf("sign burn intent: %w", err)
	}
	return sig, nil
}

// RecoverSigner returns the address that produced the signature.
func RecoverSigner(in transfer.BurnIntent, sig []byte) (common.Address, error) {
	digest := HashIntent(in)
	pub, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover intent signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
