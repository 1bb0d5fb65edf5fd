// Package vault encrypts credentials at rest in the embedded database.
//
// Records are sealed with an authenticated scheme (AES-256-GCM by default,
// Fernet for older records) under a 32-byte key held only in process
// memory. The key is loaded from a KeySource on first use and checked
// against a verifier record, so a wrong key surfaces as ErrVaultUnavailable
// instead of as a decrypt failure on every record. Every read authenticates
// before any plaintext is used; a failed check is ErrTamperedOrCorrupt.
package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/gluk-w/easyscp-core/internal/database"
	"github.com/gluk-w/easyscp-core/internal/identity"
	"github.com/gluk-w/easyscp-core/internal/logging"
	"github.com/gluk-w/easyscp-core/internal/logutil"
)

var (
	ErrVaultUnavailable  = errors.New("vault unavailable")
	ErrTamperedOrCorrupt = errors.New("vault record tampered or corrupt")
	ErrNotFound          = errors.New("vault record not found")
)

const (
	metaVerifier     = "key_verifier"
	verifierConstant = "easyscp vault key verifier v1"
)

// payload is the plaintext sealed into each record. Ref repeats the
// identity key so a record copied onto another row fails to open.
type payload struct {
	Ref        string              `json:"ref"`
	Credential identity.Credential `json:"credential"`
}

type Vault struct {
	db     *gorm.DB
	source KeySource
	scheme Scheme
	log    zerolog.Logger

	mu     sync.RWMutex
	key    []byte
	closed bool
}

type Option func(*Vault)

// WithScheme selects the scheme for newly written records. Records are
// always readable under either scheme.
func WithScheme(s Scheme) Option {
	return func(v *Vault) { v.scheme = s }
}

func WithLogger(l zerolog.Logger) Option {
	return func(v *Vault) { v.log = l }
}

// Open returns a vault backed by db. The key is not loaded until the first
// operation that needs it.
func Open(db *gorm.DB, source KeySource, opts ...Option) *Vault {
	v := &Vault{
		db:     db,
		source: source,
		scheme: SchemeAESGCM,
		log:    logging.For("vault"),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// unlock loads and verifies the key if it is not already in memory.
func (v *Vault) unlock() error {
	v.mu.RLock()
	ready := v.key != nil
	closed := v.closed
	v.mu.RUnlock()
	if closed {
		return fmt.Errorf("%w: vault is closed", ErrVaultUnavailable)
	}
	if ready {
		return nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return fmt.Errorf("%w: vault is closed", ErrVaultUnavailable)
	}
	if v.key != nil {
		return nil
	}
	if v.source == nil {
		return fmt.Errorf("%w: no key source configured", ErrVaultUnavailable)
	}
	key, err := v.source.LoadKey(v.db)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVaultUnavailable, err)
	}
	if len(key) != KeySize {
		clear(key)
		return fmt.Errorf("%w: key must be %d bytes, got %d", ErrVaultUnavailable, KeySize, len(key))
	}
	if err := v.checkVerifier(key); err != nil {
		clear(key)
		return err
	}
	v.key = key
	v.log.Debug().Msg("vault key loaded")
	return nil
}

func (v *Vault) checkVerifier(key []byte) error {
	stored, err := database.GetMeta(v.db, metaVerifier)
	if errors.Is(err, database.ErrMetaNotFound) {
		ver, err := makeVerifier(key)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrVaultUnavailable, err)
		}
		if err := database.SetMeta(v.db, metaVerifier, ver); err != nil {
			return fmt.Errorf("%w: store verifier: %v", ErrVaultUnavailable, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: load verifier: %v", ErrVaultUnavailable, err)
	}
	if !checkVerifier(key, stored) {
		return fmt.Errorf("%w: key does not match this vault", ErrVaultUnavailable)
	}
	return nil
}

func makeVerifier(key []byte) ([]byte, error) {
	s, err := newSealer(SchemeAESGCM, key)
	if err != nil {
		return nil, err
	}
	out, err := s.seal([]byte(verifierConstant), []byte(metaVerifier))
	if err != nil {
		return nil, err
	}
	ver := append([]byte(nil), out.nonce...)
	ver = append(ver, out.ciphertext...)
	return append(ver, out.tag...), nil
}

func checkVerifier(key, ver []byte) bool {
	s, err := newSealer(SchemeAESGCM, key)
	if err != nil {
		return false
	}
	g := s.(gcmSealer)
	n := g.aead.NonceSize()
	if len(ver) < n+gcmTagSize {
		return false
	}
	pt, err := s.open(sealed{
		nonce:      ver[:n],
		ciphertext: ver[n : len(ver)-gcmTagSize],
		tag:        ver[len(ver)-gcmTagSize:],
	}, []byte(metaVerifier))
	return err == nil && string(pt) == verifierConstant
}

func sealRecord(scheme Scheme, key []byte, ref string, plaintext []byte) (database.VaultRecord, error) {
	s, err := newSealer(scheme, key)
	if err != nil {
		return database.VaultRecord{}, err
	}
	out, err := s.seal(plaintext, []byte(ref))
	if err != nil {
		return database.VaultRecord{}, err
	}
	return database.VaultRecord{
		IdentityRef: ref,
		Scheme:      string(scheme),
		Nonce:       out.nonce,
		Ciphertext:  out.ciphertext,
		Tag:         out.tag,
	}, nil
}

// openRecord authenticates and decodes rec. The returned plaintext must be
// cleared by the caller.
func openRecord(key []byte, rec database.VaultRecord) ([]byte, identity.Credential, error) {
	s, err := newSealer(Scheme(rec.Scheme), key)
	if err != nil {
		return nil, identity.Credential{}, fmt.Errorf("%w: %v", ErrTamperedOrCorrupt, err)
	}
	pt, err := s.open(sealed{nonce: rec.Nonce, ciphertext: rec.Ciphertext, tag: rec.Tag}, []byte(rec.IdentityRef))
	if err != nil {
		return nil, identity.Credential{}, err
	}
	var p payload
	if err := json.Unmarshal(pt, &p); err != nil {
		clear(pt)
		return nil, identity.Credential{}, fmt.Errorf("%w: decode payload", ErrTamperedOrCorrupt)
	}
	if p.Ref != rec.IdentityRef {
		clear(pt)
		p.Credential.Zero()
		return nil, identity.Credential{}, fmt.Errorf("%w: record belongs to another identity", ErrTamperedOrCorrupt)
	}
	if err := p.Credential.Validate(); err != nil {
		clear(pt)
		p.Credential.Zero()
		return nil, identity.Credential{}, fmt.Errorf("%w: %v", ErrTamperedOrCorrupt, err)
	}
	return pt, p.Credential, nil
}

// Store encrypts cred and replaces any existing record for id.
func (v *Vault) Store(ctx context.Context, id identity.Identity, cred identity.Credential) error {
	if cred.Kind != id.AuthKind {
		return fmt.Errorf("store credential: %w", identity.ErrKindMismatch)
	}
	if err := cred.Validate(); err != nil {
		return fmt.Errorf("store credential: %w", err)
	}
	if err := v.unlock(); err != nil {
		return err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.key == nil {
		return fmt.Errorf("%w: vault is closed", ErrVaultUnavailable)
	}

	ref := id.Key()
	pt, err := json.Marshal(payload{Ref: ref, Credential: cred})
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}
	defer clear(pt)

	rec, err := sealRecord(v.scheme, v.key, ref, pt)
	if err != nil {
		return fmt.Errorf("seal credential: %w", err)
	}
	err = v.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "identity_ref"}},
		DoUpdates: clause.AssignmentColumns([]string{"scheme", "nonce", "ciphertext", "tag", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("store credential: %w", err)
	}
	v.log.Info().Str("identity", logutil.SanitizeForLog(ref)).Str("scheme", string(v.scheme)).Msg("credential stored")
	return nil
}

// Retrieve returns the decrypted credential for id.
func (v *Vault) Retrieve(ctx context.Context, id identity.Identity) (identity.Credential, error) {
	if err := v.unlock(); err != nil {
		return identity.Credential{}, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.key == nil {
		return identity.Credential{}, fmt.Errorf("%w: vault is closed", ErrVaultUnavailable)
	}

	ref := id.Key()
	var rec database.VaultRecord
	if err := v.db.WithContext(ctx).Where("identity_ref = ?", ref).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return identity.Credential{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return identity.Credential{}, fmt.Errorf("load credential: %w", err)
	}

	pt, cred, err := openRecord(v.key, rec)
	if err != nil {
		v.log.Warn().Str("identity", logutil.SanitizeForLog(ref)).Str("scheme", rec.Scheme).Msg("vault record failed authentication")
		return identity.Credential{}, err
	}
	clear(pt)
	return cred, nil
}

// Delete removes the record for id. Deleting a missing record is not an
// error.
func (v *Vault) Delete(ctx context.Context, id identity.Identity) error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if err := v.db.WithContext(ctx).Where("identity_ref = ?", id.Key()).Delete(&database.VaultRecord{}).Error; err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}

// List returns the identity keys that have stored credentials. Nothing is
// decrypted.
func (v *Vault) List(ctx context.Context) ([]string, error) {
	var refs []string
	if err := v.db.WithContext(ctx).Model(&database.VaultRecord{}).Order("identity_ref").Pluck("identity_ref", &refs).Error; err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	return refs, nil
}

// RotateKey re-encrypts every record under newKey. All records are first
// decrypted and resealed in memory; only if every one succeeds are they
// written, together with the new verifier, in a single transaction. On any
// failure the stored records and the in-memory key are unchanged.
func (v *Vault) RotateKey(ctx context.Context, newKey []byte) error {
	if len(newKey) != KeySize {
		return fmt.Errorf("rotate key: new key must be %d bytes, got %d", KeySize, len(newKey))
	}
	if err := v.unlock(); err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.key == nil {
		return fmt.Errorf("%w: vault is closed", ErrVaultUnavailable)
	}

	var recs []database.VaultRecord
	if err := v.db.WithContext(ctx).Order("id").Find(&recs).Error; err != nil {
		return fmt.Errorf("rotate key: load records: %w", err)
	}

	staged := make([]database.VaultRecord, 0, len(recs))
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("rotate key: %w", err)
		}
		pt, cred, err := openRecord(v.key, rec)
		if err != nil {
			return fmt.Errorf("rotate key: record %s: %w", logutil.SanitizeForLog(rec.IdentityRef), err)
		}
		cred.Zero()
		next, err := sealRecord(v.scheme, newKey, rec.IdentityRef, pt)
		clear(pt)
		if err != nil {
			return fmt.Errorf("rotate key: reseal %s: %w", logutil.SanitizeForLog(rec.IdentityRef), err)
		}
		next.ID = rec.ID
		staged = append(staged, next)
	}

	ver, err := makeVerifier(newKey)
	if err != nil {
		return fmt.Errorf("rotate key: %w", err)
	}

	err = v.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, rec := range staged {
			res := tx.Model(&database.VaultRecord{}).Where("id = ?", rec.ID).Updates(map[string]any{
				"scheme":     rec.Scheme,
				"nonce":      rec.Nonce,
				"ciphertext": rec.Ciphertext,
				"tag":        rec.Tag,
			})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected != 1 {
				return fmt.Errorf("record %s changed during rotation", rec.IdentityRef)
			}
		}
		return database.SetMeta(tx, metaVerifier, ver)
	})
	if err != nil {
		return fmt.Errorf("rotate key: commit: %w", err)
	}

	clear(v.key)
	v.key = append([]byte(nil), newKey...)
	v.log.Info().Int("records", len(staged)).Str("scheme", string(v.scheme)).Msg("vault key rotated")
	return nil
}

// Close zeroes the in-memory key. Every later operation fails with
// ErrVaultUnavailable.
func (v *Vault) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	clear(v.key)
	v.key = nil
	v.closed = true
}
