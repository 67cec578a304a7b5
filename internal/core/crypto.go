// Package core provides the local persistence, history and request queue
// components of BreathSync.
//
// INVARIANTS:
// - The local store is encrypted at rest via SQLCipher (AES-256)
// - The raw key is derived from the passphrase with PBKDF2, never stored
// - Opening with a wrong passphrase fails before any read
package core

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mutecomm/go-sqlcipher/v4"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySaltSize is the size of the per-database PBKDF2 salt.
	KeySaltSize = 32
	// PBKDF2Iterations is the number of iterations for key derivation.
	PBKDF2Iterations = 100000
	// KeySize is the SQLCipher raw key size.
	KeySize = 32
)

// EncryptedDB wraps a SQLCipher-encrypted SQLite database.
type EncryptedDB struct {
	db        *sql.DB
	dbPath    string
	encrypted bool
}

// OpenEncryptedDB opens a SQLCipher-encrypted database.
// If passphrase is empty, opens without encryption.
// If the database exists and passphrase is wrong, returns an error.
func OpenEncryptedDB(dbPath string, passphrase string) (*EncryptedDB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL", dbPath)
	encrypted := passphrase != ""
	if encrypted {
		salt, err := loadOrCreateSalt(dbPath + ".salt")
		if err != nil {
			return nil, err
		}
		key := hex.EncodeToString(DeriveKey(passphrase, salt))
		dsn = fmt.Sprintf("file:%s?_pragma_key=x'%s'&_journal_mode=WAL&_synchronous=NORMAL", dbPath, key)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// sqlite_master is only readable with the right key
	var n int
	if err := db.QueryRow("SELECT count(*) FROM sqlite_master").Scan(&n); err != nil {
		db.Close()
		return nil, fmt.Errorf("invalid passphrase or corrupted database: %w", err)
	}

	return &EncryptedDB{
		db:        db,
		dbPath:    dbPath,
		encrypted: encrypted,
	}, nil
}

// DeriveKey derives the 256-bit database key from the passphrase.
func DeriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, PBKDF2Iterations, KeySize, sha256.New)
}

func loadOrCreateSalt(path string) ([]byte, error) {
	salt, err := os.ReadFile(path)
	if err == nil {
		if len(salt) != KeySaltSize {
			return nil, fmt.Errorf("invalid salt file %s", path)
		}
		return salt, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read salt: %w", err)
	}

	salt = make([]byte, KeySaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	if err := os.WriteFile(path, salt, 0600); err != nil {
		return nil, fmt.Errorf("failed to write salt: %w", err)
	}
	return salt, nil
}

// DB returns the underlying database connection.
func (edb *EncryptedDB) DB() *sql.DB {
	return edb.db
}

// Close closes the database connection.
func (edb *EncryptedDB) Close() error {
	return edb.db.Close()
}

// IsEncrypted returns whether the database is encrypted.
func (edb *EncryptedDB) IsEncrypted() bool {
	return edb.encrypted
}

// Path returns the database file path.
func (edb *EncryptedDB) Path() string {
	return edb.dbPath
}

// EncryptionStatus describes the encryption state of a database.
type EncryptionStatus struct {
	IsEncrypted   bool
	CipherVersion string
	KeyDerivation string
}

// GetEncryptionStatus returns info about the database encryption.
func (edb *EncryptedDB) GetEncryptionStatus(ctx context.Context) (*EncryptionStatus, error) {
	status := &EncryptionStatus{IsEncrypted: edb.encrypted}
	if !edb.encrypted {
		return status, nil
	}

	var cipherVersion string
	if err := edb.db.QueryRowContext(ctx, "PRAGMA cipher_version").Scan(&cipherVersion); err == nil {
		status.CipherVersion = cipherVersion
	}
	status.KeyDerivation = fmt.Sprintf("PBKDF2-SHA256, %d iterations", PBKDF2Iterations)
	return status, nil
}
