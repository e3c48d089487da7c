package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	dbconfig "chatrelay/pkg/database"
	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"
)

// Store implements interfaces.Store on SQLite. All writes funnel through a
// single goroutine: SQLite allows one writer at a time and serializing in
// process avoids busy-timeout churn. Reads run concurrently against the
// pool.
type Store struct {
	db           *sql.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewStore opens the database, applies pragmas and bootstraps the schema.
func NewStore(config *dbconfig.Config) (*Store, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	db, err := sql.Open("sqlite3", config.DatabasePath+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.ApplySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	if err := dbconfig.InitializeSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	store := &Store{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}

	store.wg.Add(1)
	go store.writeLoop()

	return store, nil
}

// writeLoop processes all write operations in a single goroutine, retrying
// a failed write exactly once after a short backoff.
func (s *Store) writeLoop() {
	defer s.wg.Done()

	for {
		select {
		case op := <-s.writeChannel:
			err := op.operation(s.db)
			if err != nil {
				log.Printf("Database write failed, retrying in 5 seconds: %v", err)
				time.Sleep(5 * time.Second)
				err = op.operation(s.db)
				if err != nil {
					log.Printf("Database write failed after retry: %v", err)
				}
			}
			op.result <- err

		case <-s.shutdown:
			return
		}
	}
}

func (s *Store) executeWrite(operation func(*sql.DB) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return fmt.Errorf("store is closed")
	}
	s.mu.RUnlock()

	result := make(chan error, 1)

	select {
	case s.writeChannel <- writeOperation{operation: operation, result: result}:
		return <-result
	case <-time.After(30 * time.Second):
		return fmt.Errorf("write operation timeout")
	case <-s.shutdown:
		return fmt.Errorf("store is shutting down")
	}
}

// CreateUser inserts a new account. Uniqueness on username and phone is
// enforced by the schema; violations surface as a wrapped constraint error.
func (s *Store) CreateUser(ctx context.Context, username, phoneNumber, passwordHash string) (int64, error) {
	var id int64
	err := s.executeWrite(func(db *sql.DB) error {
		result, err := db.ExecContext(ctx,
			`INSERT INTO users (username, phone_number, password_hash, created_at) VALUES (?, ?, ?, ?)`,
			username, phoneNumber, passwordHash, time.Now(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert user: %w", err)
		}
		id, err = result.LastInsertId()
		return err
	})
	return id, err
}

// FindUserByUsernameOrPhone resolves a login key against both unique
// columns, as the login form accepts either.
func (s *Store) FindUserByUsernameOrPhone(ctx context.Context, key string) (*types.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, phone_number, password_hash, created_at, last_login, is_online
		 FROM users WHERE username = ? OR phone_number = ?`,
		key, key,
	)
	return scanUser(row)
}

// FindUserByID retrieves a user by primary key.
func (s *Store) FindUserByID(ctx context.Context, userID int64) (*types.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, phone_number, password_hash, created_at, last_login, is_online
		 FROM users WHERE id = ?`,
		userID,
	)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*types.User, error) {
	var user types.User
	var lastLogin sql.NullTime
	err := row.Scan(&user.ID, &user.Username, &user.PhoneNumber, &user.PasswordHash,
		&user.CreatedAt, &lastLogin, &user.IsOnline)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, interfaces.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	if lastLogin.Valid {
		user.LastLogin = &lastLogin.Time
	}
	return &user, nil
}

// TouchLastLogin stamps the user's last successful login.
func (s *Store) TouchLastLogin(ctx context.Context, userID int64) error {
	return s.executeWrite(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `UPDATE users SET last_login = ? WHERE id = ?`, time.Now(), userID)
		if err != nil {
			return fmt.Errorf("failed to touch last login: %w", err)
		}
		return nil
	})
}

// SetUserOnline mirrors the in-memory presence state into the users table.
func (s *Store) SetUserOnline(ctx context.Context, userID int64, connectionID string) error {
	return s.executeWrite(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`UPDATE users SET is_online = TRUE, connection_id = ? WHERE id = ?`,
			connectionID, userID,
		)
		if err != nil {
			return fmt.Errorf("failed to set user online: %w", err)
		}
		return nil
	})
}

// SetUserOffline clears the presence mirror on disconnect.
func (s *Store) SetUserOffline(ctx context.Context, userID int64) error {
	return s.executeWrite(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`UPDATE users SET is_online = FALSE, connection_id = NULL WHERE id = ?`,
			userID,
		)
		if err != nil {
			return fmt.Errorf("failed to set user offline: %w", err)
		}
		return nil
	})
}

// ListOnlineUsers returns every flagged-online user except the caller,
// ordered by username.
func (s *Store) ListOnlineUsers(ctx context.Context, excludingUserID int64) ([]*types.OnlineUser, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, username, last_login FROM users
		 WHERE id != ? AND is_online = TRUE ORDER BY username`,
		excludingUserID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query online users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []*types.OnlineUser
	for rows.Next() {
		var user types.OnlineUser
		var lastLogin sql.NullTime
		if err := rows.Scan(&user.ID, &user.Username, &lastLogin); err != nil {
			return nil, fmt.Errorf("failed to scan online user: %w", err)
		}
		if lastLogin.Valid {
			user.LastLogin = &lastLogin.Time
		}
		users = append(users, &user)
	}
	return users, rows.Err()
}

// InsertBroadcastMessage persists a public room message and returns its id.
func (s *Store) InsertBroadcastMessage(ctx context.Context, senderID int64, senderName, text string) (int64, error) {
	var id int64
	err := s.executeWrite(func(db *sql.DB) error {
		result, err := db.ExecContext(ctx,
			`INSERT INTO messages (user_id, username, message, message_type, timestamp)
			 VALUES (?, ?, ?, 'public', ?)`,
			senderID, senderName, text, time.Now(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert broadcast message: %w", err)
		}
		id, err = result.LastInsertId()
		return err
	})
	return id, err
}

// RecentBroadcastMessages returns the newest public messages, most recent
// first.
func (s *Store) RecentBroadcastMessages(ctx context.Context, limit int) ([]*types.BroadcastMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, username, message, timestamp FROM messages
		 WHERE message_type = 'public' ORDER BY timestamp DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query broadcast history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*types.BroadcastMessage
	for rows.Next() {
		var msg types.BroadcastMessage
		if err := rows.Scan(&msg.ID, &msg.UserID, &msg.Username, &msg.Message, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan broadcast message: %w", err)
		}
		messages = append(messages, &msg)
	}
	return messages, rows.Err()
}

// InsertDirectMessage persists a directed message with initial status
// "sent" and returns the stored record.
func (s *Store) InsertDirectMessage(ctx context.Context, fromUserID, toUserID int64, text string) (*types.DirectMessage, error) {
	now := time.Now()
	var id int64
	err := s.executeWrite(func(db *sql.DB) error {
		result, err := db.ExecContext(ctx,
			`INSERT INTO direct_messages (from_user_id, to_user_id, message, timestamp, delivered, read)
			 VALUES (?, ?, ?, ?, FALSE, FALSE)`,
			fromUserID, toUserID, text, now,
		)
		if err != nil {
			return fmt.Errorf("failed to insert direct message: %w", err)
		}
		id, err = result.LastInsertId()
		return err
	})
	if err != nil {
		return nil, err
	}

	return &types.DirectMessage{
		ID:         id,
		FromUserID: fromUserID,
		ToUserID:   toUserID,
		Message:    text,
		Timestamp:  now,
	}, nil
}

// MarkDelivered bumps a message's persisted status to delivered. Monotonic:
// the delivered flag is only ever set, never cleared.
func (s *Store) MarkDelivered(ctx context.Context, messageID int64, at time.Time) error {
	return s.executeWrite(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`UPDATE direct_messages SET delivered = TRUE, delivered_at = ? WHERE id = ?`,
			at, messageID,
		)
		if err != nil {
			return fmt.Errorf("failed to mark message delivered: %w", err)
		}
		return nil
	})
}

// MarkReadBatch sets the read flag on the given messages, constrained to
// rows addressed to recipientID so a caller can never flip another user's
// receipts. Ids not matching the constraint are skipped without error.
func (s *Store) MarkReadBatch(ctx context.Context, messageIDs []int64, recipientID int64, at time.Time) error {
	if len(messageIDs) == 0 {
		return nil
	}
	return s.executeWrite(func(db *sql.DB) error {
		query := fmt.Sprintf(
			`UPDATE direct_messages SET read = TRUE, read_at = ?
			 WHERE id IN (%s) AND to_user_id = ?`,
			placeholders(len(messageIDs)),
		)
		args := make([]interface{}, 0, len(messageIDs)+2)
		args = append(args, at)
		for _, id := range messageIDs {
			args = append(args, id)
		}
		args = append(args, recipientID)

		if _, err := db.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to mark messages read: %w", err)
		}
		return nil
	})
}

// SendersOf returns the distinct senders of the given messages, limited to
// messages addressed to recipientID (the set actually affected by a
// mark-read batch).
func (s *Store) SendersOf(ctx context.Context, messageIDs []int64, recipientID int64) ([]int64, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(
		`SELECT DISTINCT from_user_id FROM direct_messages
		 WHERE id IN (%s) AND to_user_id = ?`,
		placeholders(len(messageIDs)),
	)
	args := make([]interface{}, 0, len(messageIDs)+1)
	for _, id := range messageIDs {
		args = append(args, id)
	}
	args = append(args, recipientID)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query message senders: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var senders []int64
	for rows.Next() {
		var senderID int64
		if err := rows.Scan(&senderID); err != nil {
			return nil, fmt.Errorf("failed to scan sender id: %w", err)
		}
		senders = append(senders, senderID)
	}
	return senders, rows.Err()
}

// Conversation returns the directed history between two users, ascending
// by time, with usernames joined in for display.
func (s *Store) Conversation(ctx context.Context, userA, userB int64, limit int) ([]*types.DirectMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT dm.id, dm.from_user_id, u1.username, dm.to_user_id, u2.username,
		        dm.message, dm.timestamp, dm.delivered, dm.delivered_at, dm.read, dm.read_at
		 FROM direct_messages dm
		 JOIN users u1 ON dm.from_user_id = u1.id
		 JOIN users u2 ON dm.to_user_id = u2.id
		 WHERE (dm.from_user_id = ? AND dm.to_user_id = ?)
		    OR (dm.from_user_id = ? AND dm.to_user_id = ?)
		 ORDER BY dm.timestamp ASC
		 LIMIT ?`,
		userA, userB, userB, userA, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversation: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*types.DirectMessage
	for rows.Next() {
		var msg types.DirectMessage
		var deliveredAt, readAt sql.NullTime
		err := rows.Scan(&msg.ID, &msg.FromUserID, &msg.FromUsername, &msg.ToUserID, &msg.ToUsername,
			&msg.Message, &msg.Timestamp, &msg.Delivered, &deliveredAt, &msg.Read, &readAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan direct message: %w", err)
		}
		if deliveredAt.Valid {
			msg.DeliveredAt = &deliveredAt.Time
		}
		if readAt.Valid {
			msg.ReadAt = &readAt.Time
		}
		messages = append(messages, &msg)
	}
	return messages, rows.Err()
}

// RecentConversations returns per-peer summaries for a user, newest
// activity first: last message time, preview text and unread count.
func (s *Store) RecentConversations(ctx context.Context, userID int64, limit int) ([]*types.ConversationSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT
			u.id,
			u.username,
			MAX(dm.timestamp) AS last_message_time,
			COUNT(CASE WHEN dm.read = FALSE AND dm.to_user_id = ? THEN 1 END) AS unread_count,
			(SELECT message FROM direct_messages
			 WHERE (from_user_id = u.id AND to_user_id = ?)
			    OR (from_user_id = ? AND to_user_id = u.id)
			 ORDER BY timestamp DESC LIMIT 1) AS last_message
		 FROM users u
		 JOIN direct_messages dm ON (dm.from_user_id = u.id OR dm.to_user_id = u.id)
		 WHERE u.id != ? AND (dm.from_user_id = ? OR dm.to_user_id = ?)
		 GROUP BY u.id
		 ORDER BY last_message_time DESC
		 LIMIT ?`,
		userID, userID, userID, userID, userID, userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent conversations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var summaries []*types.ConversationSummary
	for rows.Next() {
		var summary types.ConversationSummary
		var lastText sql.NullString
		err := rows.Scan(&summary.PeerID, &summary.PeerName, &summary.LastMessageAt,
			&summary.UnreadCount, &lastText)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation summary: %w", err)
		}
		summary.LastMessageText = lastText.String
		summaries = append(summaries, &summary)
	}
	return summaries, rows.Err()
}

// UpsertTypingIndicator overwrites the single record for the ordered pair.
func (s *Store) UpsertTypingIndicator(ctx context.Context, userID, targetUserID int64, isTyping bool, at time.Time) error {
	return s.executeWrite(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT OR REPLACE INTO typing_indicators (user_id, target_user_id, is_typing, updated_at)
			 VALUES (?, ?, ?, ?)`,
			userID, targetUserID, isTyping, at,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert typing indicator: %w", err)
		}
		return nil
	})
}

// HealthCheck validates connectivity and a basic read.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// Close shuts down the single-writer loop and the connection pool.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.shutdown)
	s.wg.Wait()

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
