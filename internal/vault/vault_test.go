package vault

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/gluk-w/easyscp-core/internal/database"
	"github.com/gluk-w/easyscp-core/internal/identity"
)

// setupTestDB creates an in-memory SQLite database limited to one
// connection so every query sees the same memory database.
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	return db
}

func testKey(b byte) []byte {
	return bytes.Repeat([]byte{b}, KeySize)
}

func newTestVault(t *testing.T, db *gorm.DB, key []byte, opts ...Option) *Vault {
	t.Helper()
	opts = append([]Option{WithLogger(zerolog.Nop())}, opts...)
	v := Open(db, StaticKey(key), opts...)
	t.Cleanup(v.Close)
	return v
}

var (
	pwIdentity  = identity.Identity{Name: "db", Host: "db.internal", Port: 22, Username: "admin", AuthKind: identity.AuthPassword}
	keyIdentity = identity.Identity{Name: "web", Host: "web.internal", Port: 2222, Username: "deploy", AuthKind: identity.AuthKeyFile, KeyPath: "/keys/web", KeyFormat: identity.FormatPEM}
	ppkIdentity = identity.Identity{Name: "win", Host: "win.internal", Port: 22, Username: "Administrator", AuthKind: identity.AuthKeyFile, KeyPath: `C:\keys\win.ppk`, KeyFormat: identity.FormatPPK}
)

func TestStoreRetrieveRoundTrip(t *testing.T) {
	cases := []struct {
		id   identity.Identity
		cred identity.Credential
	}{
		{pwIdentity, identity.Password("s3cret with spaces and ünïcode")},
		{keyIdentity, identity.KeyFile("/keys/web", identity.FormatPEM, "passphrase")},
		{keyIdentity, identity.KeyFile("/keys/web", identity.FormatPEM, "")},
		{ppkIdentity, identity.KeyFile(`C:\keys\win.ppk`, identity.FormatPPK, "putty pass")},
	}

	for _, scheme := range []Scheme{SchemeAESGCM, SchemeFernet} {
		t.Run(string(scheme), func(t *testing.T) {
			v := newTestVault(t, setupTestDB(t), testKey(1), WithScheme(scheme))
			ctx := context.Background()
			for _, c := range cases {
				if err := v.Store(ctx, c.id, c.cred); err != nil {
					t.Fatalf("Store %s: %v", c.id.Key(), err)
				}
				got, err := v.Retrieve(ctx, c.id)
				if err != nil {
					t.Fatalf("Retrieve %s: %v", c.id.Key(), err)
				}
				if !got.Equal(c.cred) {
					t.Errorf("round trip mismatch for %s: got %s, want %s", c.id.Key(), got, c.cred)
				}
			}
		})
	}
}

func TestStoreOverwrites(t *testing.T) {
	db := setupTestDB(t)
	v := newTestVault(t, db, testKey(1))
	ctx := context.Background()

	if err := v.Store(ctx, pwIdentity, identity.Password("old")); err != nil {
		t.Fatal(err)
	}
	if err := v.Store(ctx, pwIdentity, identity.Password("new")); err != nil {
		t.Fatal(err)
	}
	got, err := v.Retrieve(ctx, pwIdentity)
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Secret) != "new" {
		t.Errorf("expected overwritten secret, got %q", got.Secret)
	}

	var count int64
	db.Model(&database.VaultRecord{}).Count(&count)
	if count != 1 {
		t.Errorf("expected 1 record, got %d", count)
	}
}

func TestStoreRejectsKindMismatch(t *testing.T) {
	v := newTestVault(t, setupTestDB(t), testKey(1))
	err := v.Store(context.Background(), keyIdentity, identity.Password("pw"))
	if !errors.Is(err, identity.ErrKindMismatch) {
		t.Fatalf("expected ErrKindMismatch, got %v", err)
	}
}

func TestRetrieveNotFound(t *testing.T) {
	v := newTestVault(t, setupTestDB(t), testKey(1))
	_, err := v.Retrieve(context.Background(), pwIdentity)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCiphertextNotPlaintext(t *testing.T) {
	db := setupTestDB(t)
	v := newTestVault(t, db, testKey(1))
	if err := v.Store(context.Background(), pwIdentity, identity.Password("findme")); err != nil {
		t.Fatal(err)
	}
	var rec database.VaultRecord
	db.First(&rec)
	if bytes.Contains(rec.Ciphertext, []byte("findme")) {
		t.Error("plaintext visible in stored ciphertext")
	}
}

// flipEveryBit flips each bit of one column in turn and checks that
// Retrieve fails with ErrTamperedOrCorrupt.
func flipEveryBit(t *testing.T, db *gorm.DB, v *Vault, id identity.Identity, column string, original []byte) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < len(original)*8; i++ {
		flipped := append([]byte(nil), original...)
		flipped[i/8] ^= 1 << (i % 8)
		if err := db.Model(&database.VaultRecord{}).Where("identity_ref = ?", id.Key()).Update(column, flipped).Error; err != nil {
			t.Fatalf("update %s: %v", column, err)
		}
		cred, err := v.Retrieve(ctx, id)
		if !errors.Is(err, ErrTamperedOrCorrupt) {
			t.Fatalf("%s bit %d: expected ErrTamperedOrCorrupt, got cred=%s err=%v", column, i, cred, err)
		}
	}
	db.Model(&database.VaultRecord{}).Where("identity_ref = ?", id.Key()).Update(column, original)
	if _, err := v.Retrieve(ctx, id); err != nil {
		t.Fatalf("restored record no longer decrypts: %v", err)
	}
}

func TestTamperDetectedGCM(t *testing.T) {
	db := setupTestDB(t)
	v := newTestVault(t, db, testKey(1))
	if err := v.Store(context.Background(), pwIdentity, identity.Password("tamper-me")); err != nil {
		t.Fatal(err)
	}
	var rec database.VaultRecord
	db.First(&rec)

	flipEveryBit(t, db, v, pwIdentity, "ciphertext", rec.Ciphertext)
	flipEveryBit(t, db, v, pwIdentity, "nonce", rec.Nonce)
	flipEveryBit(t, db, v, pwIdentity, "tag", rec.Tag)
}

func TestTamperDetectedFernet(t *testing.T) {
	db := setupTestDB(t)
	v := newTestVault(t, db, testKey(1), WithScheme(SchemeFernet))
	if err := v.Store(context.Background(), pwIdentity, identity.Password("tamper-me")); err != nil {
		t.Fatal(err)
	}
	var rec database.VaultRecord
	db.First(&rec)
	flipEveryBit(t, db, v, pwIdentity, "ciphertext", rec.Ciphertext)
}

func TestTruncatedRecordIsCorrupt(t *testing.T) {
	db := setupTestDB(t)
	v := newTestVault(t, db, testKey(1))
	ctx := context.Background()
	if err := v.Store(ctx, pwIdentity, identity.Password("pw")); err != nil {
		t.Fatal(err)
	}
	db.Model(&database.VaultRecord{}).Where("identity_ref = ?", pwIdentity.Key()).Update("tag", []byte{1, 2, 3})
	if _, err := v.Retrieve(ctx, pwIdentity); !errors.Is(err, ErrTamperedOrCorrupt) {
		t.Fatalf("expected ErrTamperedOrCorrupt, got %v", err)
	}
}

func TestRecordSwapDetected(t *testing.T) {
	for _, scheme := range []Scheme{SchemeAESGCM, SchemeFernet} {
		t.Run(string(scheme), func(t *testing.T) {
			db := setupTestDB(t)
			v := newTestVault(t, db, testKey(1), WithScheme(scheme))
			ctx := context.Background()
			other := pwIdentity
			other.Host = "other.internal"

			if err := v.Store(ctx, pwIdentity, identity.Password("first")); err != nil {
				t.Fatal(err)
			}
			if err := v.Store(ctx, other, identity.Password("second")); err != nil {
				t.Fatal(err)
			}

			var src database.VaultRecord
			db.Where("identity_ref = ?", pwIdentity.Key()).First(&src)
			db.Model(&database.VaultRecord{}).Where("identity_ref = ?", other.Key()).Updates(map[string]any{
				"nonce": src.Nonce, "ciphertext": src.Ciphertext, "tag": src.Tag,
			})

			if _, err := v.Retrieve(ctx, other); !errors.Is(err, ErrTamperedOrCorrupt) {
				t.Fatalf("expected ErrTamperedOrCorrupt for swapped record, got %v", err)
			}
		})
	}
}

func TestVaultUnavailable(t *testing.T) {
	ctx := context.Background()

	t.Run("missing env key", func(t *testing.T) {
		t.Setenv("EASYSCP_TEST_VAULT_KEY", "")
		v := Open(setupTestDB(t), EnvKey("EASYSCP_TEST_VAULT_KEY"), WithLogger(zerolog.Nop()))
		if err := v.Store(ctx, pwIdentity, identity.Password("pw")); !errors.Is(err, ErrVaultUnavailable) {
			t.Errorf("Store: expected ErrVaultUnavailable, got %v", err)
		}
		if _, err := v.Retrieve(ctx, pwIdentity); !errors.Is(err, ErrVaultUnavailable) {
			t.Errorf("Retrieve: expected ErrVaultUnavailable, got %v", err)
		}
		if err := v.RotateKey(ctx, testKey(2)); !errors.Is(err, ErrVaultUnavailable) {
			t.Errorf("RotateKey: expected ErrVaultUnavailable, got %v", err)
		}
	})

	t.Run("short key", func(t *testing.T) {
		v := Open(setupTestDB(t), StaticKey([]byte("short")), WithLogger(zerolog.Nop()))
		if err := v.Store(ctx, pwIdentity, identity.Password("pw")); !errors.Is(err, ErrVaultUnavailable) {
			t.Errorf("expected ErrVaultUnavailable, got %v", err)
		}
	})

	t.Run("wrong key", func(t *testing.T) {
		db := setupTestDB(t)
		first := newTestVault(t, db, testKey(1))
		if err := first.Store(ctx, pwIdentity, identity.Password("pw")); err != nil {
			t.Fatal(err)
		}
		second := newTestVault(t, db, testKey(9))
		if _, err := second.Retrieve(ctx, pwIdentity); !errors.Is(err, ErrVaultUnavailable) {
			t.Errorf("expected ErrVaultUnavailable for wrong key, got %v", err)
		}
	})

	t.Run("closed", func(t *testing.T) {
		v := newTestVault(t, setupTestDB(t), testKey(1))
		if err := v.Store(ctx, pwIdentity, identity.Password("pw")); err != nil {
			t.Fatal(err)
		}
		v.Close()
		if _, err := v.Retrieve(ctx, pwIdentity); !errors.Is(err, ErrVaultUnavailable) {
			t.Errorf("expected ErrVaultUnavailable after Close, got %v", err)
		}
	})
}

func TestEnvKey(t *testing.T) {
	key, encoded, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	t.Setenv("EASYSCP_TEST_VAULT_KEY", encoded)
	got, err := EnvKey("EASYSCP_TEST_VAULT_KEY").LoadKey(nil)
	if err != nil {
		t.Fatalf("LoadKey: %v", err)
	}
	if !bytes.Equal(got, key) {
		t.Error("env key mismatch")
	}

	t.Setenv("EASYSCP_TEST_VAULT_KEY", "dG9vIHNob3J0")
	if _, err := EnvKey("EASYSCP_TEST_VAULT_KEY").LoadKey(nil); err == nil {
		t.Error("expected error for short key")
	}
}

func TestPassphraseKey(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	pass := func(s string) KeySource {
		return PassphraseKey(func() ([]byte, error) { return []byte(s), nil })
	}

	v := Open(db, pass("master"), WithLogger(zerolog.Nop()))
	if err := v.Store(ctx, pwIdentity, identity.Password("pw")); err != nil {
		t.Fatalf("Store: %v", err)
	}
	v.Close()

	reopened := Open(db, pass("master"), WithLogger(zerolog.Nop()))
	defer reopened.Close()
	got, err := reopened.Retrieve(ctx, pwIdentity)
	if err != nil {
		t.Fatalf("Retrieve after reopen: %v", err)
	}
	if string(got.Secret) != "pw" {
		t.Errorf("secret = %q", got.Secret)
	}

	wrong := Open(db, pass("not master"), WithLogger(zerolog.Nop()))
	defer wrong.Close()
	if _, err := wrong.Retrieve(ctx, pwIdentity); !errors.Is(err, ErrVaultUnavailable) {
		t.Errorf("expected ErrVaultUnavailable for wrong passphrase, got %v", err)
	}
}

func TestDeleteAndList(t *testing.T) {
	v := newTestVault(t, setupTestDB(t), testKey(1))
	ctx := context.Background()
	v.Store(ctx, pwIdentity, identity.Password("pw"))
	v.Store(ctx, keyIdentity, identity.KeyFile("/keys/web", identity.FormatPEM, ""))

	refs, err := v.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 2 {
		t.Fatalf("expected 2 refs, got %v", refs)
	}

	if err := v.Delete(ctx, pwIdentity); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := v.Delete(ctx, pwIdentity); err != nil {
		t.Fatalf("second Delete should be a no-op: %v", err)
	}
	if _, err := v.Retrieve(ctx, pwIdentity); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func seedVault(t *testing.T, v *Vault, n int) []identity.Identity {
	t.Helper()
	ids := make([]identity.Identity, n)
	for i := range ids {
		id := pwIdentity
		id.Host = fmt.Sprintf("host-%d.internal", i)
		ids[i] = id
		if err := v.Store(context.Background(), id, identity.Password(fmt.Sprintf("pw-%d", i))); err != nil {
			t.Fatalf("Store: %v", err)
		}
	}
	return ids
}

func assertReadable(t *testing.T, v *Vault, ids []identity.Identity) {
	t.Helper()
	for i, id := range ids {
		got, err := v.Retrieve(context.Background(), id)
		if err != nil {
			t.Fatalf("Retrieve %s: %v", id.Key(), err)
		}
		if want := fmt.Sprintf("pw-%d", i); string(got.Secret) != want {
			t.Errorf("Retrieve %s = %q, want %q", id.Key(), got.Secret, want)
		}
	}
}

func TestRotateKey(t *testing.T) {
	db := setupTestDB(t)
	v := newTestVault(t, db, testKey(1), WithScheme(SchemeFernet))
	ids := seedVault(t, v, 5)

	if err := v.RotateKey(context.Background(), testKey(2)); err != nil {
		t.Fatalf("RotateKey: %v", err)
	}
	assertReadable(t, v, ids)

	fresh := newTestVault(t, db, testKey(2))
	assertReadable(t, fresh, ids)

	stale := newTestVault(t, db, testKey(1))
	if _, err := stale.Retrieve(context.Background(), ids[0]); !errors.Is(err, ErrVaultUnavailable) {
		t.Errorf("old key after rotation: expected ErrVaultUnavailable, got %v", err)
	}
}

func TestRotateKeyMigratesScheme(t *testing.T) {
	db := setupTestDB(t)
	legacy := newTestVault(t, db, testKey(1), WithScheme(SchemeFernet))
	ids := seedVault(t, legacy, 2)
	legacy.Close()

	v := newTestVault(t, db, testKey(1))
	if err := v.RotateKey(context.Background(), testKey(3)); err != nil {
		t.Fatalf("RotateKey: %v", err)
	}
	var recs []database.VaultRecord
	db.Find(&recs)
	for _, r := range recs {
		if r.Scheme != string(SchemeAESGCM) {
			t.Errorf("record %s still uses %s", r.IdentityRef, r.Scheme)
		}
	}
	assertReadable(t, v, ids)
}

func TestRotateKeyStagingFailureKeepsOldKey(t *testing.T) {
	db := setupTestDB(t)
	v := newTestVault(t, db, testKey(1))
	ids := seedVault(t, v, 4)

	var victim database.VaultRecord
	db.Where("identity_ref = ?", ids[2].Key()).First(&victim)
	corrupt := append([]byte(nil), victim.Ciphertext...)
	corrupt[0] ^= 0xff
	db.Model(&database.VaultRecord{}).Where("id = ?", victim.ID).Update("ciphertext", corrupt)

	var before []database.VaultRecord
	db.Order("id").Find(&before)

	err := v.RotateKey(context.Background(), testKey(2))
	if !errors.Is(err, ErrTamperedOrCorrupt) {
		t.Fatalf("expected rotation to fail with ErrTamperedOrCorrupt, got %v", err)
	}

	var after []database.VaultRecord
	db.Order("id").Find(&after)
	for i := range before {
		if !bytes.Equal(before[i].Ciphertext, after[i].Ciphertext) {
			t.Errorf("record %s was modified by a failed rotation", before[i].IdentityRef)
		}
	}

	db.Model(&database.VaultRecord{}).Where("id = ?", victim.ID).Update("ciphertext", victim.Ciphertext)
	assertReadable(t, v, ids)
	assertReadable(t, newTestVault(t, db, testKey(1)), ids)
}

func TestRotateKeyCommitFailureRollsBack(t *testing.T) {
	db := setupTestDB(t)
	v := newTestVault(t, db, testKey(1))
	ids := seedVault(t, v, 4)

	var updates atomic.Int32
	err := db.Callback().Update().Before("gorm:update").Register("test:fail_third_update", func(tx *gorm.DB) {
		if updates.Add(1) == 3 {
			tx.AddError(errors.New("disk full"))
		}
	})
	if err != nil {
		t.Fatalf("register callback: %v", err)
	}

	if err := v.RotateKey(context.Background(), testKey(2)); err == nil {
		t.Fatal("expected rotation to fail")
	}
	if updates.Load() < 3 {
		t.Fatalf("injected failure never triggered (%d updates)", updates.Load())
	}

	assertReadable(t, v, ids)
	assertReadable(t, newTestVault(t, db, testKey(1)), ids)
}

func TestConcurrentStoreRetrieve(t *testing.T) {
	v := newTestVault(t, setupTestDB(t), testKey(1))
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := pwIdentity
			id.Host = fmt.Sprintf("c-%d", i)
			if err := v.Store(ctx, id, identity.Password(id.Host)); err != nil {
				errs <- err
				return
			}
			got, err := v.Retrieve(ctx, id)
			if err != nil {
				errs <- err
				return
			}
			if string(got.Secret) != id.Host {
				errs <- fmt.Errorf("got %q for %s", got.Secret, id.Host)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}
