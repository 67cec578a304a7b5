package core

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEncryptedDB_OpenWithPassphrase(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "breathsync-crypto-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	dbPath := filepath.Join(tmpDir, "encrypted.db")
	passphrase := "test-passphrase-123"

	db, err := OpenEncryptedDB(dbPath, passphrase)
	if err != nil {
		t.Fatalf("failed to open encrypted db: %v", err)
	}
	if !db.IsEncrypted() {
		t.Error("database should be marked as encrypted")
	}

	_, err = db.DB().Exec(`
		CREATE TABLE test_table (id INTEGER PRIMARY KEY, value TEXT);
		INSERT INTO test_table (value) VALUES ('peak flow');
	`)
	if err != nil {
		t.Fatalf("failed to create table: %v", err)
	}
	db.Close()

	if _, err := os.Stat(dbPath + ".salt"); err != nil {
		t.Fatalf("salt file should exist: %v", err)
	}

	db2, err := OpenEncryptedDB(dbPath, passphrase)
	if err != nil {
		t.Fatalf("failed to reopen encrypted db: %v", err)
	}
	defer db2.Close()

	var value string
	if err := db2.DB().QueryRow("SELECT value FROM test_table WHERE id = 1").Scan(&value); err != nil {
		t.Fatalf("failed to query after reopen: %v", err)
	}
	if value != "peak flow" {
		t.Errorf("expected 'peak flow', got '%s'", value)
	}

	status, err := db2.GetEncryptionStatus(context.Background())
	if err != nil {
		t.Fatalf("failed to get status: %v", err)
	}
	if !status.IsEncrypted || !strings.Contains(status.KeyDerivation, "PBKDF2") {
		t.Errorf("unexpected status: %+v", status)
	}
}

func TestEncryptedDB_WrongPassphraseFails(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "breathsync-crypto-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	dbPath := filepath.Join(tmpDir, "encrypted.db")

	db, err := OpenEncryptedDB(dbPath, "correct-passphrase")
	if err != nil {
		t.Fatalf("failed to create encrypted db: %v", err)
	}
	if _, err := db.DB().Exec("CREATE TABLE test (id INTEGER)"); err != nil {
		t.Fatalf("failed to create table: %v", err)
	}
	db.Close()

	_, err = OpenEncryptedDB(dbPath, "wrong-passphrase")
	if err == nil {
		t.Fatal("opening with wrong passphrase should fail")
	}
	if !strings.HasPrefix(err.Error(), "invalid passphrase") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestEncryptedDB_UnencryptedMode(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "breathsync-crypto-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	db, err := OpenEncryptedDB(filepath.Join(tmpDir, "plain.db"), "")
	if err != nil {
		t.Fatalf("failed to open unencrypted db: %v", err)
	}
	defer db.Close()

	if db.IsEncrypted() {
		t.Error("database should not be marked as encrypted")
	}
	if _, err := os.Stat(filepath.Join(tmpDir, "plain.db.salt")); !os.IsNotExist(err) {
		t.Error("unencrypted database should not create a salt file")
	}
}

func TestDeriveKey(t *testing.T) {
	salt := bytes.Repeat([]byte{7}, KeySaltSize)

	k1 := DeriveKey("secret", salt)
	k2 := DeriveKey("secret", salt)
	if len(k1) != KeySize {
		t.Fatalf("expected %d byte key, got %d", KeySize, len(k1))
	}
	if !bytes.Equal(k1, k2) {
		t.Error("same passphrase and salt must derive the same key")
	}
	if bytes.Equal(k1, DeriveKey("other", salt)) {
		t.Error("different passphrases must derive different keys")
	}
}
