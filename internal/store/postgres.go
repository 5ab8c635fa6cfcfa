package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// Postgres is the PostgreSQL-backed store. It is safe for concurrent use by
// multiple goroutines; per-conversation write ordering is guaranteed by row
// locks taken inside message-append transactions.
//
// The pool must have pgvector codecs registered (see database.NewPool).
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgres creates a Postgres store.
func NewPostgres(pool *pgxpool.Pool, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{pool: pool, logger: logger}
}

// CreatePersona inserts a persona and returns it with server-side timestamps.
func (s *Postgres) CreatePersona(ctx context.Context, p *Persona) (*Persona, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	guidelines, err := json.Marshal(p.Guidelines)
	if err != nil {
		return nil, fmt.Errorf("marshaling guidelines: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO personas (id, name, provider, model, system_prompt, guidelines, temperature, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`,
		p.ID, p.Name, p.Provider, p.Model, p.SystemPrompt, guidelines, p.Temperature, p.Notes)
	if err := row.Scan(&p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, fmt.Errorf("creating persona %q: %w", p.Name, err)
	}

	s.logger.Debug("created persona", "id", p.ID, "name", p.Name, "provider", p.Provider)
	return p, nil
}

// GetPersona retrieves a persona by ID.
func (s *Postgres) GetPersona(ctx context.Context, id uuid.UUID) (*Persona, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, provider, model, system_prompt, guidelines, temperature, notes, created_at, updated_at
		FROM personas WHERE id = $1`, id)

	var p Persona
	var guidelines []byte
	err := row.Scan(&p.ID, &p.Name, &p.Provider, &p.Model, &p.SystemPrompt,
		&guidelines, &p.Temperature, &p.Notes, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("persona %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting persona %s: %w", id, err)
	}
	if err := json.Unmarshal(guidelines, &p.Guidelines); err != nil {
		s.logger.Warn("parsing persona guidelines", "persona_id", p.ID, "error", err)
		p.Guidelines = nil
	}
	return &p, nil
}

// ListPersonas lists personas ordered by name.
func (s *Postgres) ListPersonas(ctx context.Context, limit int32) ([]*Persona, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, provider, model, system_prompt, guidelines, temperature, notes, created_at, updated_at
		FROM personas ORDER BY name LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing personas: %w", err)
	}
	defer rows.Close()

	var personas []*Persona
	for rows.Next() {
		var p Persona
		var guidelines []byte
		if err := rows.Scan(&p.ID, &p.Name, &p.Provider, &p.Model, &p.SystemPrompt,
			&guidelines, &p.Temperature, &p.Notes, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning persona: %w", err)
		}
		if err := json.Unmarshal(guidelines, &p.Guidelines); err != nil {
			p.Guidelines = nil
		}
		personas = append(personas, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing personas: %w", err)
	}
	return personas, nil
}

// CreateConversation inserts a conversation and its starter message in one
// transaction. The starter message is the single user-role message of the
// conversation and carries no persona reference. The per-side provider,
// model and temperature snapshots must already be filled in (from the
// personas at creation time) so later persona edits never reach an in-flight
// conversation.
func (s *Postgres) CreateConversation(ctx context.Context, c *Conversation) (*Conversation, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Status == "" {
		c.Status = StatusActive
	}
	stopWords, err := json.Marshal(c.StopWords)
	if err != nil {
		return nil, fmt.Errorf("marshaling stop words: %w", err)
	}
	metadata, err := json.Marshal(c.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshaling metadata: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			s.logger.Debug("transaction rollback", "error", err)
		}
	}()

	row := tx.QueryRow(ctx, `
		INSERT INTO conversations (
			id, user_id,
			persona_a_id, persona_a_provider, persona_a_model, persona_a_temperature,
			persona_b_id, persona_b_provider, persona_b_model, persona_b_temperature,
			starter, status, max_rounds,
			stop_words_enabled, stop_words, stop_threshold, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING created_at, updated_at`,
		c.ID, c.UserID,
		c.PersonaA.PersonaID, c.PersonaA.Provider, c.PersonaA.Model, c.PersonaA.Temperature,
		c.PersonaB.PersonaID, c.PersonaB.Provider, c.PersonaB.Model, c.PersonaB.Temperature,
		c.Starter, c.Status, c.MaxRounds,
		c.StopWordsEnabled, stopWords, c.StopThreshold, metadata)
	if err := row.Scan(&c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO messages (id, conversation_id, persona_id, role, content, sequence_number)
		VALUES ($1, $2, NULL, $3, $4, 1)`,
		uuid.New(), c.ID, RoleUser, c.Starter)
	if err != nil {
		return nil, fmt.Errorf("creating starter message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", c.ID, "max_rounds", c.MaxRounds)
	return c, nil
}

// GetConversation retrieves a conversation by ID.
func (s *Postgres) GetConversation(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id,
			persona_a_id, persona_a_provider, persona_a_model, persona_a_temperature,
			persona_b_id, persona_b_provider, persona_b_model, persona_b_temperature,
			starter, status, max_rounds,
			stop_words_enabled, stop_words, stop_threshold, metadata,
			COALESCE(error_message, ''), created_at, updated_at
		FROM conversations WHERE id = $1`, id)

	var c Conversation
	var stopWords, metadata []byte
	err := row.Scan(&c.ID, &c.UserID,
		&c.PersonaA.PersonaID, &c.PersonaA.Provider, &c.PersonaA.Model, &c.PersonaA.Temperature,
		&c.PersonaB.PersonaID, &c.PersonaB.Provider, &c.PersonaB.Model, &c.PersonaB.Temperature,
		&c.Starter, &c.Status, &c.MaxRounds,
		&c.StopWordsEnabled, &stopWords, &c.StopThreshold, &metadata,
		&c.ErrorMessage, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting conversation %s: %w", id, err)
	}
	if err := json.Unmarshal(stopWords, &c.StopWords); err != nil {
		c.StopWords = nil
	}
	if err := json.Unmarshal(metadata, &c.Metadata); err != nil {
		c.Metadata = nil
	}
	return &c, nil
}

// UpdateConversationStatus transitions a conversation out of the active
// state. Only active -> completed and active -> failed are legal; any other
// attempt returns ErrIllegalTransition (or ErrNotFound for an unknown ID).
// errorMessage is stored only for failed transitions.
func (s *Postgres) UpdateConversationStatus(ctx context.Context, id uuid.UUID, status Status, errorMessage string) error {
	if status != StatusCompleted && status != StatusFailed {
		return fmt.Errorf("transition to %q: %w", status, ErrIllegalTransition)
	}

	var errMsg *string
	if status == StatusFailed && errorMessage != "" {
		errMsg = &errorMessage
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE conversations
		SET status = $2, error_message = $3, updated_at = now()
		WHERE id = $1 AND status = 'active'`,
		id, status, errMsg)
	if err != nil {
		return fmt.Errorf("updating conversation %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a missing row from a finished conversation.
		var current Status
		err := s.pool.QueryRow(ctx, `SELECT status FROM conversations WHERE id = $1`, id).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("checking conversation %s status: %w", id, err)
		}
		return fmt.Errorf("conversation %s is %s: %w", id, current, ErrIllegalTransition)
	}

	s.logger.Debug("updated conversation status", "id", id, "status", status)
	return nil
}

// CreateMessage appends a message to a conversation. The sequence number is
// assigned inside a transaction that locks the conversation row, so appends
// to one conversation are strictly ordered even under concurrent writers.
func (s *Postgres) CreateMessage(ctx context.Context, m *Message) (*Message, error) {
	if m.TokensUsed != nil && *m.TokensUsed < 0 {
		return nil, fmt.Errorf("message tokens %d: %w", *m.TokensUsed, ErrNegativeTokens)
	}
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			s.logger.Debug("transaction rollback", "error", err)
		}
	}()

	// Lock the conversation row to serialize sequence assignment.
	var convID uuid.UUID
	err = tx.QueryRow(ctx, `SELECT id FROM conversations WHERE id = $1 FOR UPDATE`, m.ConversationID).Scan(&convID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", m.ConversationID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("locking conversation %s: %w", m.ConversationID, err)
	}

	var embedding *pgvector.Vector
	if m.Embedding != nil {
		v := pgvector.NewVector(m.Embedding)
		embedding = &v
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO messages (id, conversation_id, persona_id, role, content, tokens_used, embedding, sequence_number)
		VALUES ($1, $2, $3, $4, $5, $6, $7,
			(SELECT COALESCE(MAX(sequence_number), 0) + 1 FROM messages WHERE conversation_id = $2))
		RETURNING sequence_number, created_at`,
		m.ID, m.ConversationID, m.PersonaID, m.Role, m.Content, m.TokensUsed, embedding)
	if err := row.Scan(&m.SequenceNumber, &m.CreatedAt); err != nil {
		return nil, fmt.Errorf("creating message: %w", err)
	}

	_, err = tx.Exec(ctx, `UPDATE conversations SET updated_at = now() WHERE id = $1`, m.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("touching conversation %s: %w", m.ConversationID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing message: %w", err)
	}

	s.logger.Debug("created message",
		"id", m.ID,
		"conversation_id", m.ConversationID,
		"role", m.Role,
		"sequence", m.SequenceNumber)
	return m, nil
}

// GetMessage retrieves a single message, embedding included.
func (s *Postgres) GetMessage(ctx context.Context, id uuid.UUID) (*Message, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, conversation_id, persona_id, role, content, tokens_used, embedding, sequence_number, created_at
		FROM messages WHERE id = $1`, id)

	var m Message
	var embedding *pgvector.Vector
	err := row.Scan(&m.ID, &m.ConversationID, &m.PersonaID, &m.Role, &m.Content,
		&m.TokensUsed, &embedding, &m.SequenceNumber, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting message %s: %w", id, err)
	}
	if embedding != nil {
		m.Embedding = embedding.Slice()
	}
	return &m, nil
}

// RecentMessages returns the trailing window of a conversation: the most
// recent limit messages in chronological order. Embeddings are not loaded;
// the window feeds prompt assembly, which never needs them.
func (s *Postgres) RecentMessages(ctx context.Context, conversationID uuid.UUID, limit int32) ([]*Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, conversation_id, persona_id, role, content, tokens_used, sequence_number, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY sequence_number DESC
		LIMIT $2`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("loading history for %s: %w", conversationID, err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.PersonaID, &m.Role, &m.Content,
			&m.TokensUsed, &m.SequenceNumber, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		messages = append(messages, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loading history for %s: %w", conversationID, err)
	}

	// Query returned newest-first; callers want chronological order.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// CountAssistantMessages counts persisted assistant turns, which is the
// number of rounds already consumed.
func (s *Postgres) CountAssistantMessages(ctx context.Context, conversationID uuid.UUID) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE conversation_id = $1 AND role = 'assistant'`, conversationID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting assistant messages for %s: %w", conversationID, err)
	}
	return count, nil
}

// AttachEmbedding stores the embedding vector for a message. This is the
// only mutation a message row ever receives after creation.
func (s *Postgres) AttachEmbedding(ctx context.Context, messageID uuid.UUID, embedding []float32) error {
	vec := pgvector.NewVector(embedding)
	tag, err := s.pool.Exec(ctx, `UPDATE messages SET embedding = $2 WHERE id = $1`, messageID, vec)
	if err != nil {
		return fmt.Errorf("attaching embedding to %s: %w", messageID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	return nil
}
