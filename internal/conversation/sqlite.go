package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	ctxpkg "github.com/stupiduntilnot/stagebot/internal/context"
)

const defaultPageSize = 20

// SQLiteStore keeps conversations in the conversations table created by
// db.InitSchema.
type SQLiteStore struct {
	DB *sql.DB
}

const selectColumns = `cid, session_key, platform, title, persona_id, history, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var (
		c                Conversation
		history          string
		created, updated int64
	)
	if err := row.Scan(&c.CID, &c.SessionKey, &c.Platform, &c.Title, &c.PersonaID, &history, &created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(history), &c.History); err != nil {
		return nil, fmt.Errorf("decode history of %s: %w", c.CID, err)
	}
	c.CreatedAt = time.Unix(created, 0)
	c.UpdatedAt = time.Unix(updated, 0)
	return &c, nil
}

func (s *SQLiteStore) Get(ctx context.Context, sessionKey string) (*Conversation, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM conversations WHERE session_key = ?`, sessionKey)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation %s: %w", sessionKey, err)
	}
	return c, nil
}

// Create inserts an empty conversation. Creating an existing key returns
// the stored conversation unchanged.
func (s *SQLiteStore) Create(ctx context.Context, sessionKey string) (*Conversation, error) {
	if sessionKey == "" {
		return nil, errors.New("create conversation: empty session key")
	}
	platform, _, _ := strings.Cut(sessionKey, ":")
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO conversations (cid, session_key, platform) VALUES (?, ?, ?)
		 ON CONFLICT(session_key) DO NOTHING`,
		uuid.NewString(), sessionKey, platform,
	)
	if err != nil {
		return nil, fmt.Errorf("create conversation %s: %w", sessionKey, err)
	}
	return s.Get(ctx, sessionKey)
}

func (s *SQLiteStore) UpdateHistory(ctx context.Context, sessionKey string, history []ctxpkg.Message) error {
	if history == nil {
		history = []ctxpkg.Message{}
	}
	data, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	return s.update(ctx, sessionKey, "history", string(data))
}

func (s *SQLiteStore) UpdateTitle(ctx context.Context, sessionKey, title string) error {
	return s.update(ctx, sessionKey, "title", title)
}

func (s *SQLiteStore) UpdatePersona(ctx context.Context, sessionKey, personaID string) error {
	return s.update(ctx, sessionKey, "persona_id", personaID)
}

// column is always one of the literals above.
func (s *SQLiteStore) update(ctx context.Context, sessionKey, column string, value any) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE conversations SET `+column+` = ?, updated_at = unixepoch() WHERE session_key = ?`,
		value, sessionKey,
	)
	if err != nil {
		return fmt.Errorf("update %s of %s: %w", column, sessionKey, err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) Delete(ctx context.Context, sessionKey string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM conversations WHERE session_key = ?`, sessionKey)
	if err != nil {
		return fmt.Errorf("delete conversation %s: %w", sessionKey, err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns one page of conversations, newest first, and the total
// number of rows matching f. page is 1-based.
func (s *SQLiteStore) List(ctx context.Context, page, pageSize int, f Filter) ([]Conversation, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	where, args := buildWhere(f)

	var total int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count conversations: %w", err)
	}

	query := `SELECT ` + selectColumns + ` FROM conversations` + where +
		` ORDER BY updated_at DESC, rowid DESC LIMIT ? OFFSET ?`
	rows, err := s.DB.QueryContext(ctx, query, append(args, pageSize, (page-1)*pageSize)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *c)
	}
	return out, total, rows.Err()
}

func buildWhere(f Filter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if len(f.Platforms) > 0 {
		var ors []string
		for _, p := range f.Platforms {
			ors = append(ors, "session_key LIKE ?")
			args = append(args, p+":%")
		}
		clauses = append(clauses, "("+strings.Join(ors, " OR ")+")")
	}
	if len(f.MessageTypes) > 0 {
		var ors []string
		for _, t := range f.MessageTypes {
			ors = append(ors, "session_key LIKE ?")
			args = append(args, "%:"+t+":%")
		}
		clauses = append(clauses, "("+strings.Join(ors, " OR ")+")")
	}
	if q := strings.TrimSpace(f.Search); q != "" {
		like := "%" + q + "%"
		clauses = append(clauses, "(title LIKE ? OR session_key LIKE ? OR cid LIKE ? OR history LIKE ?)")
		args = append(args, like, like, like, like)
	}
	if len(f.ExcludeIDs) > 0 {
		clauses = append(clauses, "cid NOT IN ("+placeholders(len(f.ExcludeIDs))+")")
		for _, id := range f.ExcludeIDs {
			args = append(args, id)
		}
	}
	if len(f.ExcludePlatforms) > 0 {
		clauses = append(clauses, "platform NOT IN ("+placeholders(len(f.ExcludePlatforms))+")")
		for _, p := range f.ExcludePlatforms {
			args = append(args, p)
		}
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
