// Package vault seals per-user exchange API credentials with AES-256-GCM.
//
// Plaintext never leaves this package except inside a WithCredentials or
// Unseal callback, and is zeroed when the callback returns.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/GoPolymarket/tradefeed/internal/model"
)

const (
	KeySize = 32

	currentKeyVersion = 1
)

var (
	// ErrDecryption covers malformed ciphertext, a wrong key, and a blob that
	// was moved to a different (user, exchange) row.
	ErrDecryption = errors.New("vault: decryption failed")
	ErrInvalidKey = errors.New("vault: master key must be 32 bytes, base64 or hex")
	ErrEmptyField = errors.New("vault: api key and secret are required")
)

// Credentials is the transient plaintext. Fields alias a buffer owned by the
// vault; callbacks must not retain them.
type Credentials struct {
	APIKey     []byte
	APISecret  []byte
	Passphrase []byte
}

// Wipe zeroes every field in place.
func (c *Credentials) Wipe() {
	if c == nil {
		return
	}
	clear(c.APIKey)
	clear(c.APISecret)
	clear(c.Passphrase)
}

type Repo interface {
	Get(ctx context.Context, userID int64, exchange model.Exchange) (*model.ExchangeCredential, error)
	Upsert(ctx context.Context, c *model.ExchangeCredential) error
}

// StoreOptions carries the sync settings saved alongside a sealed blob.
type StoreOptions struct {
	AutoSync      bool
	IntervalHours int
}

type Vault struct {
	aead cipher.AEAD
	repo Repo
}

func New(key []byte, repo Repo) (*Vault, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	return &Vault{aead: aead, repo: repo}, nil
}

// ParseKey decodes a 32 byte master key given as base64 or hex (optional 0x).
func ParseKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidKey
	}
	// A 64 char hex key is also valid base64, so length decides.
	if b, err := base64.StdEncoding.DecodeString(raw); err == nil && len(b) == KeySize {
		return b, nil
	}
	if b, err := hex.DecodeString(strings.TrimPrefix(raw, "0x")); err == nil {
		if len(b) != KeySize {
			return nil, fmt.Errorf("%w: hex decoded length %d", ErrInvalidKey, len(b))
		}
		return b, nil
	}
	return nil, ErrInvalidKey
}

// Store seals creds and upserts the (user, exchange) row. Re-storing rotates
// the blob, re-activates the credential and clears failure bookkeeping;
// LastSyncAt survives so history is not re-fetched.
func (v *Vault) Store(ctx context.Context, userID int64, exchange model.Exchange, creds Credentials, opts StoreOptions) (*model.ExchangeCredential, error) {
	if len(creds.APIKey) == 0 || len(creds.APISecret) == 0 {
		return nil, ErrEmptyField
	}
	ciphertext, nonce, err := v.seal(userID, exchange, creds)
	if err != nil {
		return nil, err
	}

	rec := &model.ExchangeCredential{
		UserID:        userID,
		Exchange:      exchange,
		Ciphertext:    ciphertext,
		Nonce:         nonce,
		KeyVersion:    currentKeyVersion,
		Active:        true,
		AutoSync:      opts.AutoSync,
		IntervalHours: opts.IntervalHours,
	}
	if rec.IntervalHours <= 0 {
		rec.IntervalHours = model.DefaultSyncIntervalHours
	}
	if err := v.repo.Upsert(ctx, rec); err != nil {
		return nil, fmt.Errorf("vault: store credential: %w", err)
	}
	return rec, nil
}

// WithCredentials loads the sealed row for (user, exchange) and runs fn on the
// decrypted plaintext.
func WithCredentials[R any](ctx context.Context, v *Vault, userID int64, exchange model.Exchange, fn func(Credentials) (R, error)) (R, error) {
	var zero R
	rec, err := v.repo.Get(ctx, userID, exchange)
	if err != nil {
		return zero, err
	}
	return Unseal(v, rec, fn)
}

// Unseal decrypts an already loaded row and runs fn. The plaintext buffer is
// zeroed on every exit path, panics included.
func Unseal[R any](v *Vault, rec *model.ExchangeCredential, fn func(Credentials) (R, error)) (R, error) {
	var zero R
	plain, err := v.open(rec)
	if err != nil {
		return zero, err
	}
	defer clear(plain)

	creds, err := decode(plain)
	if err != nil {
		return zero, err
	}
	defer creds.Wipe()

	return fn(creds)
}

func (v *Vault) seal(userID int64, exchange model.Exchange, creds Credentials) ([]byte, []byte, error) {
	plain := encode(creds)
	defer clear(plain)

	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("vault: nonce: %w", err)
	}
	return v.aead.Seal(nil, nonce, plain, associatedData(userID, exchange)), nonce, nil
}

func (v *Vault) open(rec *model.ExchangeCredential) ([]byte, error) {
	if rec == nil {
		return nil, ErrDecryption
	}
	if rec.KeyVersion != 0 && rec.KeyVersion != currentKeyVersion {
		return nil, fmt.Errorf("%w: unknown key version %d", ErrDecryption, rec.KeyVersion)
	}
	if len(rec.Nonce) != v.aead.NonceSize() || len(rec.Ciphertext) < v.aead.Overhead() {
		return nil, fmt.Errorf("%w: malformed blob", ErrDecryption)
	}
	plain, err := v.aead.Open(nil, rec.Nonce, rec.Ciphertext, associatedData(rec.UserID, rec.Exchange))
	if err != nil {
		return nil, ErrDecryption
	}
	return plain, nil
}

// associatedData binds a blob to its row.
func associatedData(userID int64, exchange model.Exchange) []byte {
	return []byte(strconv.FormatInt(userID, 10) + ":" + string(exchange))
}

// Plaintext layout: three uvarint length-prefixed fields.
func encode(c Credentials) []byte {
	out := make([]byte, 0, 3*binary.MaxVarintLen64+len(c.APIKey)+len(c.APISecret)+len(c.Passphrase))
	for _, f := range [][]byte{c.APIKey, c.APISecret, c.Passphrase} {
		out = binary.AppendUvarint(out, uint64(len(f)))
		out = append(out, f...)
	}
	return out
}

func decode(buf []byte) (Credentials, error) {
	var fields [3][]byte
	rest := buf
	for i := range fields {
		n, read := binary.Uvarint(rest)
		if read <= 0 || n > uint64(len(rest)-read) {
			return Credentials{}, fmt.Errorf("%w: malformed plaintext", ErrDecryption)
		}
		rest = rest[read:]
		fields[i] = rest[:n:n]
		rest = rest[n:]
	}
	if len(rest) != 0 {
		return Credentials{}, fmt.Errorf("%w: trailing bytes", ErrDecryption)
	}
	return Credentials{APIKey: fields[0], APISecret: fields[1], Passphrase: fields[2]}, nil
}
