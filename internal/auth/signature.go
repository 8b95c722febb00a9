package auth

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/sha3"
)

var supportedAlgs = map[string]bool{
	"ed25519":    true,
	"secp256k1":  true,
	"rsa-pss":    true,
	"rsa-sha256": true,
}

// NormalizeAlg lowercases alg and reports whether it is supported for key login.
func NormalizeAlg(alg string) (string, bool) {
	a := strings.ToLower(strings.TrimSpace(alg))
	return a, supportedAlgs[a]
}

// VerifySignature checks signature over message with publicKey.
//
// ed25519 keys and signatures are base64 or hex. secp256k1 keys are hex SEC1
// and signatures are hex r||s over the Ethereum personal-sign hash. RSA keys
// are PEM or base64 DER.
func VerifySignature(alg, publicKey, message, signature string) error {
	switch strings.ToLower(alg) {
	case "ed25519":
		pubKey, sig, err := decodeEd25519(publicKey, signature)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		if !ed25519.Verify(pubKey, []byte(message), sig) {
			return fmt.Errorf("%w: ed25519", ErrInvalidSignature)
		}
		return nil
	case "secp256k1":
		pubKeyBytes, err := decodeHex(publicKey)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		sigBytes, err := decodeHex(signature)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		pubKey, err := secp256k1.ParsePubKey(pubKeyBytes)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		if len(sigBytes) < 64 {
			return fmt.Errorf("%w: secp256k1 signature must be 64 bytes", ErrInvalidSignature)
		}
		r := new(big.Int).SetBytes(sigBytes[:32])
		s := new(big.Int).SetBytes(sigBytes[32:64])
		if !ecdsa.Verify(pubKey.ToECDSA(), EthereumPersonalHash([]byte(message)), r, s) {
			return fmt.Errorf("%w: secp256k1", ErrInvalidSignature)
		}
		return nil
	case "rsa-pss", "rsa-sha256":
		pubKey, err := decodeRSA(publicKey)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		sig, err := decodeBase64OrHex(signature)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		h := sha256.Sum256([]byte(message))
		if strings.ToLower(alg) == "rsa-pss" {
			if err := rsa.VerifyPSS(pubKey, crypto.SHA256, h[:], sig, nil); err != nil {
				return fmt.Errorf("%w: rsa-pss", ErrInvalidSignature)
			}
			return nil
		}
		if err := rsa.VerifyPKCS1v15(pubKey, crypto.SHA256, h[:], sig); err != nil {
			return fmt.Errorf("%w: rsa-sha256", ErrInvalidSignature)
		}
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedAlg, alg)
	}
}

// EthereumPersonalHash is keccak256("\x19Ethereum Signed Message:\n" + len + msg).
func EthereumPersonalHash(msg []byte) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(msg))
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(prefix))
	h.Write(msg)
	return h.Sum(nil)
}

func decodeEd25519(pub, sig string) (ed25519.PublicKey, []byte, error) {
	pubBytes, err := decodeBase64OrHex(pub)
	if err != nil {
		return nil, nil, err
	}
	sigBytes, err := decodeBase64OrHex(sig)
	if err != nil {
		return nil, nil, err
	}
	if len(pubBytes) != ed25519.PublicKeySize {
		return nil, nil, errors.New("invalid ed25519 public key length")
	}
	if len(sigBytes) != ed25519.SignatureSize {
		return nil, nil, errors.New("invalid ed25519 signature length")
	}
	return ed25519.PublicKey(pubBytes), sigBytes, nil
}

func decodeRSA(pub string) (*rsa.PublicKey, error) {
	pubStr := strings.TrimSpace(pub)
	var der []byte
	if strings.HasPrefix(pubStr, "-----BEGIN") {
		block, _ := pem.Decode([]byte(pubStr))
		if block == nil {
			return nil, errors.New("invalid pem public key")
		}
		if pk, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
			return pk, nil
		}
		der = block.Bytes
	} else {
		b, err := decodeBase64OrHex(pubStr)
		if err != nil {
			return nil, err
		}
		der = b
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, err
	}
	pk, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("unsupported rsa public key")
	}
	return pk, nil
}

func decodeBase64OrHex(input string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(input); err == nil {
		return b, nil
	}
	if b, err := base64.RawStdEncoding.DecodeString(input); err == nil {
		return b, nil
	}
	return decodeHex(input)
}

func decodeHex(input string) ([]byte, error) {
	clean := strings.TrimPrefix(strings.TrimSpace(input), "0x")
	return hex.DecodeString(clean)
}
