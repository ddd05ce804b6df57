package tillsync

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"
	"golang.org/x/crypto/pbkdf2"

	_ "modernc.org/sqlite"
)

const (
	backupNonceSize    = 12
	backupSaltSize     = 32
	backupKeySize      = 32
	backupKDFIteration = 100000
)

// Payload format flags stored per row so the encoding can change
// without migrating old rows.
const (
	backupFormatPlain     = 0
	backupFormatSnappy    = 1 << 0
	backupFormatEncrypted = 1 << 1
)

const metaKeyEncryptionSalt = "encryption_salt"

// BackupRecord is one finalized order held in the durable log until
// the remote authority acknowledges it.
type BackupRecord struct {
	AccessToken string
	Payload     []byte
	Receipt     string
	CreatedAt   time.Time
	Synced      bool
	SyncDate    time.Time
}

// OrderLog is a durable write-ahead log for finalized orders. Every
// order is persisted before the till reports it complete; upload to the
// remote authority happens asynchronously and survives restarts.
type OrderLog struct {
	db     *sql.DB
	config BackupConfig
	gcm    cipher.AEAD
	mu     sync.RWMutex
	closed bool
}

// NewOrderLog opens or creates the order backup log at path.
func NewOrderLog(path string, config BackupConfig) (*OrderLog, error) {
	if path == "" {
		path = "tillsync-orders.db"
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = 10 * time.Second
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=FULL", path))
	if err != nil {
		return nil, newStoreError(StoreErrorTypeInit, "failed to open order log", "", err)
	}

	log := &OrderLog{
		db:     db,
		config: config,
	}
	if err := log.initSchema(); err != nil {
		db.Close()
		return nil, newStoreError(StoreErrorTypeInit, "failed to initialize order log schema", "", err)
	}
	if config.EncryptionKey != "" {
		if err := log.initEncryption(config.EncryptionKey); err != nil {
			db.Close()
			return nil, newStoreError(StoreErrorTypeInit, "failed to initialize order log encryption", "", err)
		}
	}
	return log, nil
}

func (l *OrderLog) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS order_backups (
			access_token TEXT PRIMARY KEY,
			payload BLOB NOT NULL,
			format INTEGER NOT NULL DEFAULT 0,
			receipt TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			synced INTEGER NOT NULL DEFAULT 0,
			sync_date TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS backup_meta (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_backups_pending ON order_backups(synced, created_at);
	`
	_, err := l.db.Exec(schema)
	return err
}

// initEncryption derives the AES-256-GCM key from the configured
// passphrase. The salt is persisted so the same key derives across
// restarts.
func (l *OrderLog) initEncryption(passphrase string) error {
	var salt []byte
	err := l.db.QueryRow(`SELECT value FROM backup_meta WHERE key = ?`, metaKeyEncryptionSalt).Scan(&salt)
	if err == sql.ErrNoRows {
		salt = make([]byte, backupSaltSize)
		if _, err := rand.Read(salt); err != nil {
			return err
		}
		if _, err := l.db.Exec(
			`INSERT INTO backup_meta (key, value) VALUES (?, ?)`,
			metaKeyEncryptionSalt, salt,
		); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	key := pbkdf2.Key([]byte(passphrase), salt, backupKDFIteration, backupKeySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return err
	}
	l.gcm = gcm
	return nil
}

// encodePayload applies at-rest compression and encryption.
func (l *OrderLog) encodePayload(payload []byte) ([]byte, int, error) {
	format := backupFormatPlain
	data := payload
	if l.config.Compress {
		data = snappy.Encode(nil, data)
		format |= backupFormatSnappy
	}
	if l.gcm != nil {
		nonce := make([]byte, backupNonceSize)
		if _, err := rand.Read(nonce); err != nil {
			return nil, 0, err
		}
		data = l.gcm.Seal(nonce, nonce, data, nil)
		format |= backupFormatEncrypted
	}
	return data, format, nil
}

// decodePayload reverses encodePayload for a stored row.
func (l *OrderLog) decodePayload(data []byte, format int) ([]byte, error) {
	if format&backupFormatEncrypted != 0 {
		if l.gcm == nil {
			return nil, errors.New("order log payload is encrypted but no key is configured")
		}
		if len(data) < backupNonceSize {
			return nil, errors.New("order log payload is truncated")
		}
		nonce, ciphertext := data[:backupNonceSize], data[backupNonceSize:]
		plain, err := l.gcm.Open(nil, nonce, ciphertext, nil)
		if err != nil {
			return nil, fmt.Errorf("decrypt order payload: %w", err)
		}
		data = plain
	}
	if format&backupFormatSnappy != 0 {
		decoded, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, fmt.Errorf("decompress order payload: %w", err)
		}
		data = decoded
	}
	return data, nil
}

// Append stores a finalized order. An empty token gets a locally
// generated one so the order is addressable even when the remote
// authority never saw it. Returns the token under which the order is
// stored. Appending an existing token replaces the stored order and
// resets its sync state.
func (l *OrderLog) Append(ctx context.Context, token string, payload []byte, receipt string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return "", ErrStoreClosed
	}
	if token == "" {
		token = uuid.NewString()
	}
	data, format, err := l.encodePayload(payload)
	if err != nil {
		return "", newStoreError(StoreErrorTypeWrite, "failed to encode order payload", "", err)
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO order_backups (access_token, payload, format, receipt, created_at, synced, sync_date)
		VALUES (?, ?, ?, ?, ?, 0, '')
	`, token, data, format, receipt, time.Now().UTC().Format(TimeLayout))
	if err != nil {
		return "", newStoreError(StoreErrorTypeWrite, "failed to append order backup", "", err)
	}
	return token, nil
}

// AttachReceipt stores the rendered receipt for an order.
func (l *OrderLog) AttachReceipt(ctx context.Context, token, receipt string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrStoreClosed
	}
	res, err := l.db.ExecContext(ctx,
		`UPDATE order_backups SET receipt = ? WHERE access_token = ?`, receipt, token)
	if err != nil {
		return newStoreError(StoreErrorTypeWrite, "failed to attach receipt", "", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrBackupNotFound
	}
	return nil
}

// Get returns one stored order by token.
func (l *OrderLog) Get(ctx context.Context, token string) (BackupRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return BackupRecord{}, ErrStoreClosed
	}
	row := l.db.QueryRowContext(ctx, `
		SELECT access_token, payload, format, receipt, created_at, synced, sync_date
		FROM order_backups WHERE access_token = ?
	`, token)
	rec, err := l.scanBackup(row)
	if err == sql.ErrNoRows {
		return BackupRecord{}, ErrBackupNotFound
	}
	if err != nil {
		return BackupRecord{}, newStoreError(StoreErrorTypeRead, "failed to read order backup", "", err)
	}
	return rec, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (l *OrderLog) scanBackup(row rowScanner) (BackupRecord, error) {
	var (
		rec      BackupRecord
		data     []byte
		format   int
		created  string
		synced   int
		syncDate string
	)
	if err := row.Scan(&rec.AccessToken, &data, &format, &rec.Receipt, &created, &synced, &syncDate); err != nil {
		return BackupRecord{}, err
	}
	payload, err := l.decodePayload(data, format)
	if err != nil {
		return BackupRecord{}, err
	}
	rec.Payload = payload
	rec.Synced = synced != 0
	if t, err := time.Parse(TimeLayout, created); err == nil {
		rec.CreatedAt = t
	}
	if syncDate != "" {
		if t, err := time.Parse(TimeLayout, syncDate); err == nil {
			rec.SyncDate = t
		}
	}
	return rec, nil
}

// Unsynced returns orders not yet acknowledged, oldest first.
func (l *OrderLog) Unsynced(ctx context.Context) ([]BackupRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrStoreClosed
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT access_token, payload, format, receipt, created_at, synced, sync_date
		FROM order_backups WHERE synced = 0 ORDER BY created_at, access_token
	`)
	if err != nil {
		return nil, newStoreError(StoreErrorTypeRead, "failed to list unsynced backups", "", err)
	}
	defer rows.Close()

	var recs []BackupRecord
	for rows.Next() {
		rec, err := l.scanBackup(rows)
		if err != nil {
			return nil, newStoreError(StoreErrorTypeRead, "failed to scan order backup", "", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// MarkSynced records acknowledgement for the given tokens.
func (l *OrderLog) MarkSynced(ctx context.Context, tokens []string, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrStoreClosed
	}
	if len(tokens) == 0 {
		return nil
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return newStoreError(StoreErrorTypeWrite, "failed to begin transaction", "", err)
	}
	defer tx.Rollback()
	stamp := at.UTC().Format(TimeLayout)
	for _, token := range tokens {
		if _, err := tx.ExecContext(ctx,
			`UPDATE order_backups SET synced = 1, sync_date = ? WHERE access_token = ?`,
			stamp, token,
		); err != nil {
			return newStoreError(StoreErrorTypeWrite, "failed to mark backup synced", "", err)
		}
	}
	return tx.Commit()
}

// CountPending returns the number of unacknowledged orders.
func (l *OrderLog) CountPending(ctx context.Context) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return 0, ErrStoreClosed
	}
	var n int64
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM order_backups WHERE synced = 0`).Scan(&n)
	if err != nil {
		return 0, newStoreError(StoreErrorTypeRead, "failed to count pending backups", "", err)
	}
	return n, nil
}

// Prune deletes acknowledged orders older than the retention period.
// Unacknowledged orders are never pruned regardless of age. Returns the
// number of rows removed.
func (l *OrderLog) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrStoreClosed
	}
	if olderThan <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-olderThan).UTC().Format(TimeLayout)
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM order_backups WHERE synced = 1 AND created_at < ?`, cutoff)
	if err != nil {
		return 0, newStoreError(StoreErrorTypeWrite, "failed to prune backups", "", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// SyncPending performs one upload round of all unacknowledged orders.
// Tokens reported as successes or duplicates are marked synced;
// failures stay pending for the next round. Returns the acknowledged
// tokens.
func (l *OrderLog) SyncPending(ctx context.Context, client RemoteClient) ([]string, error) {
	pending, err := l.Unsynced(ctx)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}

	result, err := client.UploadBackups(ctx, pending)
	if err != nil {
		return nil, err
	}

	acked := make([]string, 0, len(result.Success)+len(result.Duplicates))
	acked = append(acked, result.Success...)
	acked = append(acked, result.Duplicates...)
	if err := l.MarkSynced(ctx, acked, time.Now()); err != nil {
		return nil, err
	}
	return acked, nil
}

// Close releases the order log.
func (l *OrderLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.db.Close()
}
