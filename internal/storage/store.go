package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	sqlite "modernc.org/sqlite"

	"tabletalk/internal/domain"
)

const (
	sqliteConstraintCode = 19
	defaultBusyTimeout   = 5000

	// MaxMessageLength mirrors the limit enforced by the message pipeline so
	// the schema and the validator agree.
	MaxMessageLength = 500
)

// Store wraps the SQLite handle and exposes the repository methods the
// realtime subsystem and the HTTP surface consume.
type Store struct {
	db *sql.DB
}

// ErrUserExists is returned when attempting to insert a duplicate nickname.
var ErrUserExists = errors.New("user already exists")

// ErrRoomNotFound is returned for lookups against a room id that does not exist.
var ErrRoomNotFound = errors.New("room not found")

// NewStore initializes the SQLite database at the provided path. Call Close when done.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "tabletalk.db"
	}
	dsn := buildDSN(path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", defaultBusyTimeout)); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying DB connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildDSN(path string) string {
	switch {
	case strings.HasPrefix(path, "sqlite://"):
		path = path[len("sqlite://"):]
	case strings.HasPrefix(path, "file:"), strings.HasPrefix(path, ":memory:"):
		// already in a form sqlite understands
	default:
		path = "file:" + path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout=%d&_pragma=foreign_keys=ON", path, separator, defaultBusyTimeout)
}

// Migrate runs the schema creation statements.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			nickname TEXT NOT NULL UNIQUE,
			avatar_url TEXT NOT NULL DEFAULT '',
			password_hash BLOB NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS rooms (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS room_participants (
			room_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			joined_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (room_id, user_id),
			FOREIGN KEY(room_id) REFERENCES rooms(id) ON DELETE CASCADE,
			FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			room_id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			FOREIGN KEY(room_id) REFERENCES rooms(id) ON DELETE CASCADE,
			FOREIGN KEY(sender_id) REFERENCES users(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_room_seq ON messages(room_id, seq);`,
		`CREATE TABLE IF NOT EXISTS message_reads (
			message_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			read_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (message_id, user_id),
			FOREIGN KEY(message_id) REFERENCES messages(id) ON DELETE CASCADE,
			FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS push_tokens (
			user_id TEXT NOT NULL,
			token TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (user_id, token),
			FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
		);`,
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, stmt := range statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// CreateUser inserts a new user. ErrUserExists is returned on conflicts.
func (s *Store) CreateUser(ctx context.Context, nickname, avatarURL string, passwordHash []byte) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id, nickname, avatar_url, password_hash) VALUES(?, ?, ?, ?)`,
		id, nickname, avatarURL, passwordHash)
	if err != nil {
		if isConstraintError(err) {
			return "", ErrUserExists
		}
		return "", err
	}
	return id, nil
}

// GetUserByNickname fetches a user by nickname. A nil user means not found.
func (s *Store) GetUserByNickname(ctx context.Context, nickname string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, nickname, avatar_url, password_hash, created_at FROM users WHERE nickname = ?`, nickname)
	return scanUser(row)
}

// GetUserByID fetches a user by primary key. A nil user means not found.
func (s *Store) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, nickname, avatar_url, password_hash, created_at FROM users WHERE id = ?`, id)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*domain.User, error) {
	var user domain.User
	if err := row.Scan(&user.ID, &user.Nickname, &user.AvatarURL, &user.PasswordHash, &user.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

// CreateRoom inserts a new conversation and returns its id.
func (s *Store) CreateRoom(ctx context.Context, name string) (string, error) {
	id := uuid.NewString()
	if _, err := s.db.ExecContext(ctx, `INSERT INTO rooms(id, name) VALUES(?, ?)`, id, name); err != nil {
		return "", err
	}
	return id, nil
}

// RoomExists reports whether a room id is known.
func (s *Store) RoomExists(ctx context.Context, roomID string) (bool, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM rooms WHERE id = ?`, roomID).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// AddParticipant adds a user to a room's participant set. Idempotent.
func (s *Store) AddParticipant(ctx context.Context, roomID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO room_participants(room_id, user_id) VALUES(?, ?)`, roomID, userID)
	return err
}

// RemoveParticipant drops a user from a room's participant set.
func (s *Store) RemoveParticipant(ctx context.Context, roomID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM room_participants WHERE room_id = ? AND user_id = ?`, roomID, userID)
	return err
}

// RoomParticipants returns the user ids currently in the room, in join order.
// ErrRoomNotFound is returned when the room id itself is unknown, so callers
// can fail closed on authorization checks.
func (s *Store) RoomParticipants(ctx context.Context, roomID string) ([]string, error) {
	exists, err := s.RoomExists(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrRoomNotFound
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM room_participants WHERE room_id = ? ORDER BY joined_at ASC, user_id ASC`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var participants []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		participants = append(participants, id)
	}
	return participants, rows.Err()
}

// AppendMessage durably records a message and returns the canonical stored
// form with the server-assigned id, timestamp and per-room sequence. The
// sender is recorded as having read its own message in the same transaction.
func (s *Store) AppendMessage(ctx context.Context, roomID string, sender domain.Identity, content string) (*domain.Message, error) {
	exists, err := s.RoomExists(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrRoomNotFound
	}

	msg := &domain.Message{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		Sender:    sender,
		Content:   content,
		CreatedAt: time.Now().UTC(),
		ReadBy:    []string{sender.ID},
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var result sql.Result
	result, err = tx.ExecContext(ctx,
		`INSERT INTO messages(id, room_id, sender_id, content, created_at) VALUES(?, ?, ?, ?, ?)`,
		msg.ID, roomID, sender.ID, content, msg.CreatedAt)
	if err != nil {
		return nil, err
	}
	if msg.Seq, err = result.LastInsertId(); err != nil {
		return nil, err
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO message_reads(message_id, user_id) VALUES(?, ?)`, msg.ID, sender.ID); err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return msg, nil
}

// MarkMessagesRead records a read receipt for every message in the room the
// user has not read yet, and returns how many messages that covered.
func (s *Store) MarkMessagesRead(ctx context.Context, roomID, userID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO message_reads(message_id, user_id)
		SELECT m.id, ? FROM messages m WHERE m.room_id = ?
	`, userID, roomID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// RoomMessages returns the room's messages in the order the store accepted
// them, including each message's read receipt set.
func (s *Store) RoomMessages(ctx context.Context, roomID string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.seq, m.id, m.room_id, m.content, m.created_at,
		       u.id, u.nickname, u.avatar_url
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		WHERE m.room_id = ?
		ORDER BY m.seq ASC
	`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		var msg domain.Message
		if err := rows.Scan(&msg.Seq, &msg.ID, &msg.RoomID, &msg.Content, &msg.CreatedAt,
			&msg.Sender.ID, &msg.Sender.Nickname, &msg.Sender.AvatarURL); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range messages {
		readers, err := s.messageReaders(ctx, messages[i].ID)
		if err != nil {
			return nil, err
		}
		messages[i].ReadBy = readers
	}
	return messages, nil
}

func (s *Store) messageReaders(ctx context.Context, messageID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM message_reads WHERE message_id = ? ORDER BY read_at ASC, user_id ASC`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var readers []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		readers = append(readers, id)
	}
	return readers, rows.Err()
}

// RegisterPushToken stores an external push handle for a user. Idempotent.
func (s *Store) RegisterPushToken(ctx context.Context, userID, token string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO push_tokens(user_id, token) VALUES(?, ?)`, userID, token)
	return err
}

// RemovePushToken forgets a push handle, e.g. after the gateway reports it dead.
func (s *Store) RemovePushToken(ctx context.Context, userID, token string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM push_tokens WHERE user_id = ? AND token = ?`, userID, token)
	return err
}

// PushTokens returns the registered push handles for a user.
func (s *Store) PushTokens(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT token FROM push_tokens WHERE user_id = ? ORDER BY created_at ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tokens []string
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		// Code() is the extended result code (e.g. 2067 for a unique
		// violation); the low byte is the primary code
		return sqliteErr.Code()&0xff == sqliteConstraintCode
	}
	return false
}
