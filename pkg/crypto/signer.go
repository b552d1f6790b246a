package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
)

// AlgEd25519 is the only supported signature algorithm.
const AlgEd25519 = "ed25519"

// Signature is a detached signature over an archived object.
type Signature struct {
	Alg      string `json:"alg"`
	PubKeyID string `json:"pubkey_id"`
	Sig      string `json:"sig"`
}

// Validate checks required fields.
func (s Signature) Validate() error {
	if s.Alg != AlgEd25519 {
		return fmt.Errorf("unsupported signature algorithm %q", s.Alg)
	}
	if s.PubKeyID == "" {
		return fmt.Errorf("pubkey_id required")
	}
	if s.Sig == "" {
		return fmt.Errorf("sig required")
	}
	return nil
}

// Signer handles signing of run records.
type Signer struct {
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
	KeyID      string
}

// NewSigner loads keyDir/keyID.key, generating it on first use.
func NewSigner(keyDir, keyID string) (*Signer, error) {
	if keyID == "" {
		return nil, fmt.Errorf("key id required")
	}
	if err := os.MkdirAll(keyDir, 0700); err != nil {
		return nil, err
	}

	keyPath := filepath.Join(keyDir, keyID+".key")

	var privateKey ed25519.PrivateKey
	data, err := os.ReadFile(keyPath)
	switch {
	case err == nil:
		if len(data) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("invalid private key size in %s", keyPath)
		}
		privateKey = ed25519.PrivateKey(data)
	case os.IsNotExist(err):
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		privateKey = priv
		if err := os.WriteFile(keyPath, []byte(privateKey), 0600); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	return &Signer{
		PrivateKey: privateKey,
		PublicKey:  privateKey.Public().(ed25519.PublicKey),
		KeyID:      keyID,
	}, nil
}

// Sign signs payload.
func (s *Signer) Sign(payload []byte) Signature {
	sig := ed25519.Sign(s.PrivateKey, payload)
	return Signature{
		Alg:      AlgEd25519,
		PubKeyID: s.KeyID,
		Sig:      base64.StdEncoding.EncodeToString(sig),
	}
}

// Verify checks sig over payload using the key stored in keyDir.
func Verify(keyDir string, sig Signature, payload []byte) error {
	if err := sig.Validate(); err != nil {
		return err
	}
	sigBytes, err := base64.StdEncoding.DecodeString(sig.Sig)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	pubKey, err := loadPublicKey(keyDir, sig.PubKeyID)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pubKey, payload, sigBytes) {
		return fmt.Errorf("invalid signature")
	}
	return nil
}

func loadPublicKey(keyDir, keyID string) (ed25519.PublicKey, error) {
	data, err := os.ReadFile(filepath.Join(keyDir, keyID+".key"))
	if err != nil {
		return nil, err
	}
	priv := ed25519.PrivateKey(data)
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid private key size")
	}
	return priv.Public().(ed25519.PublicKey), nil
}
