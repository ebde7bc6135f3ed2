package hub

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/xid"
	_ "modernc.org/sqlite"
)

var (
	ErrEmailTaken      = errors.New("email already registered")
	ErrAccountNotFound = errors.New("account not found")
)

// Account is one registered user.
type Account struct {
	UID          string
	Email        string
	Name         string
	PhotoURL     string
	PasswordHash string
	CreatedAt    int64
}

// DB is the hub's SQLite database: accounts plus the durable store
// collections. It implements store.Persister.
type DB struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenDB opens (or creates) the database at path. ":memory:" works for tests.
func OpenDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if path == ":memory:" {
		// every pooled connection would get its own empty database
		db.SetMaxOpenConns(1)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, err
		}
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS accounts (
		uid           TEXT PRIMARY KEY,
		email         TEXT NOT NULL UNIQUE,
		name          TEXT NOT NULL,
		photo_url     TEXT DEFAULT '',
		password_hash TEXT NOT NULL,
		created_at    INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, err
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS entries (
		coll       TEXT NOT NULL,
		key        TEXT NOT NULL,
		data       TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (coll, key)
	)`)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &DB{db: db}, nil
}

func (d *DB) Close() error { return d.db.Close() }

// CreateAccount inserts a new account and assigns its uid.
func (d *DB) CreateAccount(email, name, photoURL, hash string) (Account, error) {
	a := Account{
		UID:          xid.New().String(),
		Email:        strings.ToLower(strings.TrimSpace(email)),
		Name:         strings.TrimSpace(name),
		PhotoURL:     photoURL,
		PasswordHash: hash,
		CreatedAt:    time.Now().UnixMilli(),
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`INSERT INTO accounts (uid, email, name, photo_url, password_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.UID, a.Email, a.Name, a.PhotoURL, a.PasswordHash, a.CreatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return Account{}, ErrEmailTaken
		}
		return Account{}, fmt.Errorf("create account: %w", err)
	}
	return a, nil
}

func (d *DB) AccountByEmail(email string) (Account, error) {
	return d.account(`SELECT uid, email, name, photo_url, password_hash, created_at
		FROM accounts WHERE email = ?`, strings.ToLower(strings.TrimSpace(email)))
}

func (d *DB) AccountByUID(uid string) (Account, error) {
	return d.account(`SELECT uid, email, name, photo_url, password_hash, created_at
		FROM accounts WHERE uid = ?`, uid)
}

func (d *DB) account(query string, arg string) (Account, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var a Account
	err := d.db.QueryRow(query, arg).Scan(&a.UID, &a.Email, &a.Name, &a.PhotoURL, &a.PasswordHash, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrAccountNotFound
	}
	if err != nil {
		return Account{}, err
	}
	return a, nil
}

// Load returns every persisted entry of coll.
func (d *DB) Load(coll string) (map[string]json.RawMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rows, err := d.db.Query(`SELECT key, data FROM entries WHERE coll = ?`, coll)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var key, data string
		if err := rows.Scan(&key, &data); err != nil {
			return nil, err
		}
		out[key] = json.RawMessage(data)
	}
	return out, rows.Err()
}

func (d *DB) Put(coll, key string, data json.RawMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`INSERT INTO entries (coll, key, data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(coll, key) DO UPDATE SET
			data=excluded.data,
			updated_at=excluded.updated_at`,
		coll, key, string(data), time.Now().UnixMilli())
	return err
}

func (d *DB) Delete(coll, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`DELETE FROM entries WHERE coll = ? AND key = ?`, coll, key)
	return err
}
