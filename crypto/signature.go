package crypto

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignatureLength is the size of a serialized r || s || v signature.
const SignatureLength = 65

// ErrMalformedSignature is returned when a signature cannot be decoded into
// valid secp256k1 components.
var ErrMalformedSignature = errors.New("crypto: malformed signature")

// MessageHash returns the personal-message hash operators sign for a 32-byte
// digest ("\x19Ethereum Signed Message:\n32" || digest).
func MessageHash(digest [32]byte) []byte {
	return accounts.TextHash(digest[:])
}

// RecoverSigner returns the identity that produced sig over the personal
// message hash of digest. The recovery id may be encoded as 0/1 or 27/28.
// It never decides whether the signer is acceptable.
func RecoverSigner(digest [32]byte, sig []byte) ([20]byte, error) {
	if len(sig) != SignatureLength {
		return [20]byte{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrMalformedSignature, SignatureLength, len(sig))
	}
	v := sig[64]
	if v >= 27 {
		v -= 27
	}
	if v > 1 {
		return [20]byte{}, fmt.Errorf("%w: invalid recovery id %d", ErrMalformedSignature, sig[64])
	}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])
	if !crypto.ValidateSignatureValues(v, r, s, true) {
		return [20]byte{}, fmt.Errorf("%w: r/s out of range", ErrMalformedSignature)
	}
	normalized := make([]byte, SignatureLength)
	copy(normalized, sig)
	normalized[64] = v
	pub, err := crypto.SigToPub(MessageHash(digest), normalized)
	if err != nil {
		return [20]byte{}, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	return [20]byte(crypto.PubkeyToAddress(*pub)), nil
}

// SignDigest signs the personal message hash of digest and returns the
// signature with a 27/28 recovery id, the layout wallets produce.
func SignDigest(key *PrivateKey, digest [32]byte) ([]byte, error) {
	if key == nil || key.PrivateKey == nil {
		return nil, errors.New("crypto: nil private key")
	}
	sig, err := crypto.Sign(MessageHash(digest), key.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: sign digest: %w", err)
	}
	sig[64] += 27
	return sig, nil
}

// DecodeSignature parses a hex encoded signature, tolerating a 0x prefix.
func DecodeSignature(raw string) ([]byte, error) {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		trimmed = trimmed[2:]
	}
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	if len(decoded) != SignatureLength {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrMalformedSignature, SignatureLength, len(decoded))
	}
	return decoded, nil
}

// EncodeSignature renders a signature as 0x-prefixed hex.
func EncodeSignature(sig []byte) string {
	return "0x" + hex.EncodeToString(sig)
}

// Keccak256Hash hashes the concatenation of the supplied byte slices.
func Keccak256Hash(data ...[]byte) [32]byte {
	return [32]byte(crypto.Keccak256Hash(data...))
}
