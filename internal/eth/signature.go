// Package eth implements Ethereum personal_sign message construction and
// signer recovery.
package eth

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/layer-3/sigauth/core"
)

const (
	// NoncePlaceholder is replaced by the nonce when building a login message
	NoncePlaceholder = "{nonce}"

	// TemplateV1 is the default login message template
	TemplateV1 = "Sign this message to login: " + NoncePlaceholder

	// SignatureLength is the length of an r || s || v secp256k1 signature
	SignatureLength = crypto.SignatureLength
)

// ValidateTemplate checks that the template embeds the nonce exactly once
func ValidateTemplate(template string) error {
	if n := strings.Count(template, NoncePlaceholder); n != 1 {
		return fmt.Errorf("message template must contain %s exactly once, found %d", NoncePlaceholder, n)
	}
	return nil
}

// Message builds the text the wallet signs for nonce
func Message(template, nonce string) string {
	return strings.Replace(template, NoncePlaceholder, nonce, 1)
}

// ParseAddress validates a hex address (optional 0x prefix, 40 hex digits)
func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, core.ErrInvalidAddress
	}
	return common.HexToAddress(s), nil
}

// DecodeSignature decodes a hex signature and checks its shape.
// The recovery id may be given either as 0/1 or as 27/28.
func DecodeSignature(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	} else {
		s = "0x" + s[2:]
	}
	sig, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode signature: %w", core.ErrMalformedSignature)
	}
	if err := checkSignature(sig); err != nil {
		return nil, err
	}
	return sig, nil
}

func checkSignature(sig []byte) error {
	if len(sig) != SignatureLength {
		return fmt.Errorf("signature must be %d bytes, got %d: %w", SignatureLength, len(sig), core.ErrMalformedSignature)
	}
	switch sig[crypto.RecoveryIDOffset] {
	case 0, 1, 27, 28:
		return nil
	default:
		return fmt.Errorf("invalid recovery id %d: %w", sig[crypto.RecoveryIDOffset], core.ErrMalformedSignature)
	}
}

// RecoverSigner returns the address whose key produced sig over the
// personal_sign (EIP-191) hash of message. sig is not modified.
func RecoverSigner(message string, sig []byte) (common.Address, error) {
	if err := checkSignature(sig); err != nil {
		return common.Address{}, err
	}

	normalized := make([]byte, SignatureLength)
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%v: %w", err, core.ErrSignatureRecovery)
	}

	return crypto.PubkeyToAddress(*pub), nil
}

// SignMessage signs message the way a wallet's personal_sign does, with a
// 27/28 recovery id. Used by tooling and tests.
func SignMessage(message string, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}
