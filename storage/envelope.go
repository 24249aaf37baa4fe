package storage

import (
	"encoding/json"
	"fmt"

	"github.com/jmcleod/nodedash/internal/util"
)

const envelopeScheme = "aes256gcm"

// Envelope is an AES-256-GCM sealed record as written to disk.
type Envelope struct {
	Ver        int    `json:"ver"`
	Scheme     string `json:"scheme"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// SealRecord encrypts plaintext under key, binding it to aad.
func SealRecord(key, plaintext, aad []byte) (*Envelope, error) {
	nonce, ct, err := util.Seal(key, plaintext, aad)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Ver:        1,
		Scheme:     envelopeScheme,
		Nonce:      nonce,
		Ciphertext: ct,
	}, nil
}

// OpenRecord reverses SealRecord.
func OpenRecord(key []byte, env *Envelope, aad []byte) ([]byte, error) {
	if env.Ver != 1 {
		return nil, fmt.Errorf("unsupported envelope version: %d", env.Ver)
	}
	if env.Scheme != envelopeScheme {
		return nil, fmt.Errorf("unsupported envelope scheme: %s", env.Scheme)
	}
	return util.Open(key, env.Nonce, env.Ciphertext, aad)
}

// SealJSON marshals v and seals the result into a serialized envelope.
func SealJSON(key []byte, v any, aad []byte) ([]byte, error) {
	plain, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding record: %w", err)
	}
	defer util.Wipe(plain)
	env, err := SealRecord(key, plain, aad)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// OpenJSON decodes a serialized envelope and unmarshals its plaintext into v.
func OpenJSON(key, data, aad []byte, v any) error {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decoding envelope: %w", err)
	}
	plain, err := OpenRecord(key, &env, aad)
	if err != nil {
		return err
	}
	defer util.Wipe(plain)
	return json.Unmarshal(plain, v)
}
