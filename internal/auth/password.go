// internal/auth/password.go
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// ErrInvalidHash indicates that a stored secret hash is in an invalid format.
var ErrInvalidHash = errors.New("the encoded hash is not in the correct format")

// ErrIncompatibleVersion indicates that the Argon2 version is incompatible.
var ErrIncompatibleVersion = errors.New("incompatible version of argon2")

// SecretLength is the length of a lobby admin secret.
const SecretLength = 20

const secretAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// params holds Argon2id hashing parameters. Lobby secrets are high-entropy
// random tokens, so the cost parameters are modest.
type params struct {
	memory      uint32
	iterations  uint32
	parallelism uint8
	saltLength  uint32
	keyLength   uint32
}

var defaultParams = &params{
	memory:      16 * 1024,
	iterations:  2,
	parallelism: 1,
	saltLength:  16,
	keyLength:   32,
}

// NewLobbySecret generates a fresh 20-character alphanumeric admin secret and
// its Argon2id hash. The plaintext is returned to the lobby creator exactly
// once; only the hash is retained.
func NewLobbySecret() (secret, hash string, err error) {
	raw := make([]byte, SecretLength)
	if _, err = rand.Read(raw); err != nil {
		return "", "", err
	}
	buf := make([]byte, SecretLength)
	for i, b := range raw {
		buf[i] = secretAlphabet[int(b)%len(secretAlphabet)]
	}
	secret = string(buf)

	hash, err = CreateHash(secret)
	if err != nil {
		return "", "", err
	}
	return secret, hash, nil
}

// CreateHash uses Argon2id to create a hashed representation of the secret.
//
// It returns a string encoded with the Argon2 version, parameters, salt, and
// derived key.
func CreateHash(secret string) (string, error) {
	p := defaultParams
	salt := make([]byte, p.saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	key := argon2.IDKey([]byte(secret), salt, p.iterations, p.memory, p.parallelism, p.keyLength)

	b64Salt := base64.RawStdEncoding.EncodeToString(salt)
	b64Key := base64.RawStdEncoding.EncodeToString(key)

	encoded := fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.memory, p.iterations, p.parallelism, b64Salt, b64Key)
	return encoded, nil
}

// VerifySecret checks whether the provided secret matches the Argon2id hash.
//
// It returns true if the secret is correct. If decoding the hash fails or the
// Argon2 versions mismatch, an error is returned.
func VerifySecret(secret, encodedHash string) (bool, error) {
	p, salt, key, err := decodeHash(encodedHash)
	if err != nil {
		return false, err
	}

	candidate := argon2.IDKey([]byte(secret), salt, p.iterations, p.memory, p.parallelism, p.keyLength)
	return subtle.ConstantTimeCompare(key, candidate) == 1, nil
}

// decodeHash parses an Argon2id encoded hash into its parameters, salt and key.
func decodeHash(encodedHash string) (*params, []byte, []byte, error) {
	vals := strings.Split(encodedHash, "$")
	if len(vals) != 6 || vals[1] != "argon2id" {
		return nil, nil, nil, ErrInvalidHash
	}

	var version int
	if _, err := fmt.Sscanf(vals[2], "v=%d", &version); err != nil {
		return nil, nil, nil, err
	}
	if version != argon2.Version {
		return nil, nil, nil, ErrIncompatibleVersion
	}

	p := &params{}
	if _, err := fmt.Sscanf(vals[3], "m=%d,t=%d,p=%d", &p.memory, &p.iterations, &p.parallelism); err != nil {
		return nil, nil, nil, err
	}

	salt, err := base64.RawStdEncoding.Strict().DecodeString(vals[4])
	if err != nil {
		return nil, nil, nil, err
	}
	p.saltLength = uint32(len(salt))

	key, err := base64.RawStdEncoding.Strict().DecodeString(vals[5])
	if err != nil {
		return nil, nil, nil, err
	}
	p.keyLength = uint32(len(key))

	return p, salt, key, nil
}
