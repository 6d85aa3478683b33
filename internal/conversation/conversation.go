package conversation

import (
	"context"
	"errors"
	"time"

	ctxpkg "github.com/stupiduntilnot/stagebot/internal/context"
)

// ErrNotFound is returned when no conversation exists for a session key.
var ErrNotFound = errors.New("conversation not found")

// Conversation is the persisted dialogue of one session.
type Conversation struct {
	CID        string
	SessionKey string
	Platform   string
	Title      string
	PersonaID  string
	History    []ctxpkg.Message
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// DisplayTitle returns the title, or a short id-based fallback.
func (c *Conversation) DisplayTitle() string {
	if c.Title != "" {
		return c.Title
	}
	short := c.CID
	if len(short) > 8 {
		short = short[:8]
	}
	return "对话 " + short
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Platforms        []string
	MessageTypes     []string
	Search           string
	ExcludeIDs       []string
	ExcludePlatforms []string
}

// Store persists conversations keyed by session key. Implementations must
// be safe for concurrent use with distinct keys.
type Store interface {
	Get(ctx context.Context, sessionKey string) (*Conversation, error)
	Create(ctx context.Context, sessionKey string) (*Conversation, error)
	UpdateHistory(ctx context.Context, sessionKey string, history []ctxpkg.Message) error
	UpdateTitle(ctx context.Context, sessionKey, title string) error
	UpdatePersona(ctx context.Context, sessionKey, personaID string) error
	Delete(ctx context.Context, sessionKey string) error
	List(ctx context.Context, page, pageSize int, f Filter) ([]Conversation, int, error)
}

// GetOrCreate loads the conversation for sessionKey, creating it when absent.
func GetOrCreate(ctx context.Context, s Store, sessionKey string) (*Conversation, error) {
	conv, err := s.Get(ctx, sessionKey)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return s.Create(ctx, sessionKey)
}
