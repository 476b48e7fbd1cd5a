package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// AddressPrefix defines the human-readable part used for bech32 addresses.
type AddressPrefix string

const (
	SalePrefix AddressPrefix = "sale"
)

var errInvalidAddress = errors.New("crypto: invalid address")

// Address represents a 20-byte account identity rendered with a bech32 prefix.
type Address struct {
	prefix AddressPrefix
	bytes  [20]byte
}

func NewAddress(prefix AddressPrefix, b []byte) (Address, error) {
	if len(b) != 20 {
		return Address{}, fmt.Errorf("%w: expected 20 bytes, got %d", errInvalidAddress, len(b))
	}
	var addr Address
	addr.prefix = prefix
	copy(addr.bytes[:], b)
	return addr, nil
}

// MustNewAddress is NewAddress for inputs already known to be 20 bytes long.
func MustNewAddress(prefix AddressPrefix, b []byte) Address {
	addr, err := NewAddress(prefix, b)
	if err != nil {
		panic(err)
	}
	return addr
}

func (a Address) String() string {
	conv, err := bech32.ConvertBits(a.bytes[:], 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(string(a.prefix), conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

// Hex returns the EIP-55 checksummed hex form of the address.
func (a Address) Hex() string {
	return ethcommon.Address(a.bytes).Hex()
}

func (a Address) Bytes() [20]byte {
	return a.bytes
}

// Prefix returns the human-readable prefix associated with the address.
func (a Address) Prefix() AddressPrefix {
	return a.prefix
}

func DecodeAddress(addrStr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(addrStr)
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	return NewAddress(AddressPrefix(prefix), conv)
}

// ParseAddress accepts either a 0x-prefixed hex address or a bech32 address
// and returns the raw 20 bytes.
func ParseAddress(raw string) ([20]byte, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return [20]byte{}, fmt.Errorf("%w: empty", errInvalidAddress)
	}
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		if !ethcommon.IsHexAddress(trimmed) {
			return [20]byte{}, fmt.Errorf("%w: %s", errInvalidAddress, trimmed)
		}
		return [20]byte(ethcommon.HexToAddress(trimmed)), nil
	}
	addr, err := DecodeAddress(trimmed)
	if err != nil {
		return [20]byte{}, fmt.Errorf("%w: %v", errInvalidAddress, err)
	}
	return addr.Bytes(), nil
}

// FormatAddress renders raw address bytes in checksummed hex.
func FormatAddress(addr [20]byte) string {
	return ethcommon.Address(addr).Hex()
}

// --- Key Management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

type PublicKey struct {
	*ecdsa.PublicKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

// Address returns the raw identity controlled by the key.
func (k *PrivateKey) Address() [20]byte {
	return k.PubKey().Address().Bytes()
}

func (k *PublicKey) Address() Address {
	return MustNewAddress(SalePrefix, crypto.PubkeyToAddress(*k.PublicKey).Bytes())
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// PrivateKeyFromHex parses a hex encoded secp256k1 key with or without the 0x
// prefix.
func PrivateKeyFromHex(raw string) (*PrivateKey, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if trimmed == "" {
		return nil, errors.New("crypto: empty private key")
	}
	key, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("crypto: load private key: %w", err)
	}
	return &PrivateKey{key}, nil
}

// ContractAddress derives the identity of an object created by deployer at
// the given nonce, the same way contract addresses are derived on Ethereum.
func ContractAddress(deployer [20]byte, nonce uint64) [20]byte {
	return [20]byte(crypto.CreateAddress(ethcommon.Address(deployer), nonce))
}
