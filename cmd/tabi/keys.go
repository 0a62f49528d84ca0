package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// genKeys writes a persistent Ed25519 key pair for operator tokens into dir
// (default "data"). Without one the server signs with an ephemeral key and
// every restart invalidates issued tokens.
func genKeys(args []string) int {
	dir := "data"
	if len(args) > 0 && args[0] != "" {
		dir = args[0]
	}
	privPath, pubPath, err := writeKeyPair(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "genkey: %v\n", err)
		return 1
	}
	fmt.Printf("wrote %s\nwrote %s\n", privPath, pubPath)
	fmt.Printf("set TABI_JWT_PRIVATE_KEY=%s and TABI_JWT_PUBLIC_KEY=%s\n", privPath, pubPath)
	return 0
}

func writeKeyPair(dir string) (string, string, error) {
	privPath := filepath.Join(dir, "jwt_private.pem")
	pubPath := filepath.Join(dir, "jwt_public.pem")

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", "", fmt.Errorf("create %s: %w", dir, err)
	}
	// Rotating keys invalidates live tokens, so never overwrite.
	for _, path := range []string{privPath, pubPath} {
		if _, err := os.Stat(path); err == nil {
			return "", "", fmt.Errorf("%s already exists; delete it first to rotate keys", path)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return "", "", err
		}
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", "", fmt.Errorf("marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", "", fmt.Errorf("marshal public key: %w", err)
	}

	if err := writePEM(privPath, "PRIVATE KEY", privDER); err != nil {
		return "", "", err
	}
	if err := writePEM(pubPath, "PUBLIC KEY", pubDER); err != nil {
		return "", "", err
	}
	return privPath, pubPath, nil
}

func writePEM(path, blockType string, der []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
