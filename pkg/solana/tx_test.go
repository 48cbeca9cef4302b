package solana

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"
)

func TestShortVec(t *testing.T) {
	for _, n := range []int{0, 1, 127, 128, 255, 16383, 16384, 65535} {
		enc := encodeShortVec(nil, n)
		got, used, err := decodeShortVec(enc)
		if err != nil || got != n || used != len(enc) {
			t.Fatalf("n=%d: got %d used %d err %v (enc %x)", n, got, used, err, enc)
		}
	}
}

func testKeypair(t *testing.T, seed byte) ed25519.PrivateKey {
	t.Helper()
	return ed25519.NewKeyFromSeed(bytes.Repeat([]byte{seed}, ed25519.SeedSize))
}

func testAddress(seed byte) PublicKey {
	var pk PublicKey
	for i := range pk {
		pk[i] = seed
	}
	return pk
}

func TestTransferCheckedLayout(t *testing.T) {
	key := testKeypair(t, 1)
	owner, _ := PublicKeyOf(key)
	tr := TransferChecked{
		Owner:       owner,
		Source:      testAddress(2),
		Destination: testAddress(3),
		Mint:        testAddress(4),
		Program:     testAddress(5),
		Amount:      40,
		Decimals:    6,
		Blockhash:   testAddress(9).String(),
	}

	msg, err := tr.Message()
	if err != nil {
		t.Fatalf("Message: %v", err)
	}
	if !bytes.Equal(msg[:4], []byte{1, 0, 2, 5}) {
		t.Fatalf("header = %v", msg[:4])
	}
	if !bytes.Equal(msg[4:36], owner[:]) {
		t.Fatalf("fee payer must be the owner")
	}
	data := msg[len(msg)-10:]
	if data[0] != instructionTransferChecked || binary.LittleEndian.Uint64(data[1:9]) != 40 || data[9] != 6 {
		t.Fatalf("instruction data = %v", data)
	}

	wire, sig, err := tr.Sign(key)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	raw, _ := base58.Decode(sig)
	if !ed25519.Verify(owner[:], msg, raw) {
		t.Fatalf("signature does not verify over message")
	}
	if !bytes.Equal(wire[1:65], raw) {
		t.Fatalf("signature not placed in slot 0")
	}
}

func TestSignVersionedTransaction(t *testing.T) {
	payer := testKeypair(t, 7)
	payerPub, _ := PublicKeyOf(payer)

	// v0 message: prefix, header, 2 keys, blockhash, no instructions, no lookups.
	msg := []byte{0x80, 1, 0, 1}
	msg = encodeShortVec(msg, 2)
	msg = append(msg, payerPub[:]...)
	other := testAddress(8)
	msg = append(msg, other[:]...)
	bh := testAddress(9)
	msg = append(msg, bh[:]...)
	msg = append(msg, 0, 0)

	unsigned := encodeShortVec(nil, 1)
	unsigned = append(unsigned, make([]byte, 64)...)
	unsigned = append(unsigned, msg...)

	signed, id, err := SignTransaction(unsigned, payer)
	if err != nil {
		t.Fatalf("SignTransaction: %v", err)
	}
	if !ed25519.Verify(payerPub[:], msg, signed[1:65]) {
		t.Fatalf("signature does not verify")
	}
	if id != base58.Encode(signed[1:65]) {
		t.Fatalf("id mismatch")
	}
	if bytes.Equal(unsigned[1:65], signed[1:65]) {
		t.Fatalf("input buffer should not be mutated")
	}

	stranger := testKeypair(t, 9)
	if _, _, err := SignTransaction(unsigned, stranger); !errors.Is(err, ErrSignerNotRequired) {
		t.Fatalf("expected ErrSignerNotRequired, got %v", err)
	}
}

func TestSignTransactionRejectsGarbage(t *testing.T) {
	key := testKeypair(t, 1)
	for _, raw := range [][]byte{nil, {0}, {1, 2, 3}, {0xff, 0xff, 0xff}} {
		if _, _, err := SignTransaction(raw, key); err == nil {
			t.Fatalf("expected error for %v", raw)
		}
	}
}

func TestBaseUnits(t *testing.T) {
	tests := []struct {
		human    string
		decimals uint8
		want     uint64
	}{
		{"0.02", 9, 20_000_000},
		{"1.5", 6, 1_500_000},
		{"0.0000000019", 9, 1},
		{"3", 0, 3},
	}
	for _, tt := range tests {
		got, err := ToBaseUnits(decimal.RequireFromString(tt.human), tt.decimals)
		if err != nil || got != tt.want {
			t.Errorf("ToBaseUnits(%s, %d) = %d, %v; want %d", tt.human, tt.decimals, got, err, tt.want)
		}
	}
	if _, err := ToBaseUnits(decimal.RequireFromString("-1"), 9); err == nil {
		t.Errorf("expected error for negative amount")
	}
	if got := LamportsToSOL(1_250_000_000).String(); got != "1.25" {
		t.Errorf("LamportsToSOL = %s", got)
	}
}

func TestPublicKeyRoundTrip(t *testing.T) {
	key, err := NewKeypair()
	if err != nil {
		t.Fatalf("NewKeypair: %v", err)
	}
	pk, _ := PublicKeyOf(key)
	parsed, err := ParsePublicKey(pk.String())
	if err != nil || parsed != pk {
		t.Fatalf("ParsePublicKey(%s) = %v, %v", pk, parsed, err)
	}
	if IsValidAddress("not-base58-0OIl") || IsValidAddress("abc") {
		t.Fatalf("invalid addresses accepted")
	}
}
