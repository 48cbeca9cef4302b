package solana

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
)

const signatureSize = ed25519.SignatureSize

var (
	ErrMalformedTransaction = errors.New("malformed transaction")
	ErrSignerNotRequired    = errors.New("signer is not a required signer of the transaction")
)

// encodeShortVec appends Solana's compact-u16 length encoding.
func encodeShortVec(dst []byte, n int) []byte {
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if n == 0 {
			return append(dst, b)
		}
		dst = append(dst, b|0x80)
	}
}

// decodeShortVec reads a compact-u16 and returns the value and bytes consumed.
func decodeShortVec(b []byte) (int, int, error) {
	var n int
	for i := 0; i < 3; i++ {
		if i >= len(b) {
			return 0, 0, ErrMalformedTransaction
		}
		n |= int(b[i]&0x7f) << (7 * i)
		if b[i]&0x80 == 0 {
			return n, i + 1, nil
		}
	}
	return 0, 0, ErrMalformedTransaction
}

// SignTransaction signs a serialized (legacy or v0) transaction produced by a
// venue, placing the signature in the slot of key's public half. It returns a
// new buffer and the transaction id (first signature).
func SignTransaction(raw []byte, key ed25519.PrivateKey) ([]byte, string, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, "", fmt.Errorf("signing key must be %d bytes", ed25519.PrivateKeySize)
	}
	numSigs, n, err := decodeShortVec(raw)
	if err != nil {
		return nil, "", err
	}
	msgStart := n + numSigs*signatureSize
	if numSigs == 0 || len(raw) <= msgStart {
		return nil, "", ErrMalformedTransaction
	}
	message := raw[msgStart:]

	// Versioned messages carry a 0x80|version prefix before the header.
	hdr := message
	if hdr[0]&0x80 != 0 {
		hdr = hdr[1:]
	}
	if len(hdr) < 4 {
		return nil, "", ErrMalformedTransaction
	}
	required := int(hdr[0])
	numKeys, kn, err := decodeShortVec(hdr[3:])
	if err != nil {
		return nil, "", err
	}
	keys := hdr[3+kn:]
	if numKeys < required || len(keys) < numKeys*32 || required > numSigs {
		return nil, "", ErrMalformedTransaction
	}

	pub := key.Public().(ed25519.PublicKey)
	slot := -1
	for i := 0; i < required; i++ {
		if string(keys[i*32:(i+1)*32]) == string(pub) {
			slot = i
			break
		}
	}
	if slot < 0 {
		return nil, "", ErrSignerNotRequired
	}

	out := make([]byte, len(raw))
	copy(out, raw)
	sig := ed25519.Sign(key, message)
	copy(out[n+slot*signatureSize:], sig)

	return out, EncodeSignature(out[n : n+signatureSize]), nil
}

// TransferChecked describes an SPL token transfer from owner's token account.
type TransferChecked struct {
	Owner       PublicKey
	Source      PublicKey // owner's token account
	Destination PublicKey // destination token account
	Mint        PublicKey
	Program     PublicKey // token program owning the accounts
	Amount      uint64
	Decimals    uint8
	Blockhash   string
}

const instructionTransferChecked = 12

// Message compiles a legacy message with owner as the sole signer and fee payer.
func (t TransferChecked) Message() ([]byte, error) {
	blockhash, err := ParsePublicKey(t.Blockhash)
	if err != nil {
		return nil, fmt.Errorf("blockhash: %w", err)
	}

	// owner(signer, writable) | source, destination (writable) | mint, program (readonly)
	keys := []PublicKey{t.Owner, t.Source, t.Destination, t.Mint, t.Program}
	msg := []byte{1, 0, 2}
	msg = encodeShortVec(msg, len(keys))
	for _, k := range keys {
		msg = append(msg, k[:]...)
	}
	msg = append(msg, blockhash[:]...)

	data := make([]byte, 10)
	data[0] = instructionTransferChecked
	binary.LittleEndian.PutUint64(data[1:9], t.Amount)
	data[9] = t.Decimals

	msg = encodeShortVec(msg, 1) // one instruction
	msg = append(msg, 4)         // program id index
	msg = encodeShortVec(msg, 4)
	msg = append(msg, 1, 3, 2, 0) // source, mint, destination, owner
	msg = encodeShortVec(msg, len(data))
	msg = append(msg, data...)
	return msg, nil
}

// Sign returns the wire transaction and its id.
func (t TransferChecked) Sign(key ed25519.PrivateKey) ([]byte, string, error) {
	msg, err := t.Message()
	if err != nil {
		return nil, "", err
	}
	unsigned := encodeShortVec(nil, 1)
	unsigned = append(unsigned, make([]byte, signatureSize)...)
	unsigned = append(unsigned, msg...)
	return SignTransaction(unsigned, key)
}
