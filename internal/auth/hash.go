package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Operator keys are hashed with Argon2id. The encoded form carries its own
// cost parameters so they can be raised without invalidating older entries:
//
//	argon2id$<time>$<memory KiB>$<threads>$<base64 salt>$<base64 hash>
//
// It contains no ':' or ',' so it can sit inside a TABI_OPERATORS entry.
const hashScheme = "argon2id"

// argonParams are the cost settings for one hash.
type argonParams struct {
	time    uint32
	memory  uint32
	threads uint8
}

var defaultParams = argonParams{time: 1, memory: 64 * 1024, threads: 4}

const (
	argonKeyLen = 32
	saltLen     = 16
)

var b64 = base64.RawStdEncoding

// HashAPIKey hashes an operator API key with the default cost.
func HashAPIKey(apiKey string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}
	p := defaultParams
	sum := argon2.IDKey([]byte(apiKey), salt, p.time, p.memory, p.threads, argonKeyLen)
	return strings.Join([]string{
		hashScheme,
		strconv.FormatUint(uint64(p.time), 10),
		strconv.FormatUint(uint64(p.memory), 10),
		strconv.FormatUint(uint64(p.threads), 10),
		b64.EncodeToString(salt),
		b64.EncodeToString(sum),
	}, "$"), nil
}

// DummyVerify burns the same Argon2id cost as a real check. Call it when no
// operator matched so response timing does not reveal which ids exist.
func DummyVerify() {
	p := defaultParams
	argon2.IDKey([]byte("dummy"), make([]byte, saltLen), p.time, p.memory, p.threads, argonKeyLen)
}

// VerifyAPIKey checks an API key against an encoded hash.
func VerifyAPIKey(apiKey, encoded string) (bool, error) {
	p, salt, want, err := decodeHash(encoded)
	if err != nil {
		return false, err
	}
	got := argon2.IDKey([]byte(apiKey), salt, p.time, p.memory, p.threads, uint32(len(want))) //nolint:gosec // length checked in decodeHash
	return subtle.ConstantTimeCompare(want, got) == 1, nil
}

func decodeHash(encoded string) (argonParams, []byte, []byte, error) {
	var p argonParams
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != hashScheme {
		return p, nil, nil, fmt.Errorf("auth: invalid hash format")
	}
	t, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil || t == 0 {
		return p, nil, nil, fmt.Errorf("auth: invalid hash time cost %q", parts[1])
	}
	m, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil || m < 8 {
		return p, nil, nil, fmt.Errorf("auth: invalid hash memory cost %q", parts[2])
	}
	th, err := strconv.ParseUint(parts[3], 10, 8)
	if err != nil || th == 0 {
		return p, nil, nil, fmt.Errorf("auth: invalid hash parallelism %q", parts[3])
	}
	salt, err := b64.DecodeString(parts[4])
	if err != nil {
		return p, nil, nil, fmt.Errorf("auth: decode salt: %w", err)
	}
	sum, err := b64.DecodeString(parts[5])
	if err != nil {
		return p, nil, nil, fmt.Errorf("auth: decode hash: %w", err)
	}
	if len(sum) < 16 || len(sum) > 64 {
		return p, nil, nil, fmt.Errorf("auth: hash length %d out of range", len(sum))
	}
	p = argonParams{time: uint32(t), memory: uint32(m), threads: uint8(th)}
	return p, salt, sum, nil
}
