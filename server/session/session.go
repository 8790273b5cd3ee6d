// Package session keeps chatbot conversations in memory.
//
// A session holds the message history for one chat, starting with a welcome
// message from the selected model. Only one turn may be in flight per session.
// Sessions are lost on restart.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/teilomillet/shopfront/config"
	"github.com/teilomillet/shopfront/errors"
	"github.com/teilomillet/shopfront/server/fanout"
	"github.com/teilomillet/shopfront/server/formatting"
	"github.com/teilomillet/shopfront/server/processing"
	"go.uber.org/zap"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of a chat history. Document is set on assistant
// replies from models that are not raw.
type Message struct {
	Role     string              `json:"role"`
	Content  string              `json:"content"`
	Document formatting.Document `json:"document,omitempty"`
	Time     time.Time           `json:"time"`
}

// Snapshot is a copy of a session's state at one point in time.
type Snapshot struct {
	ID        string    `json:"id"`
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	Busy      bool      `json:"busy"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Responder produces a model reply for a chat request.
// *processing.Processor implements it.
type Responder interface {
	Generate(ctx context.Context, req *processing.Request) (string, error)
}

type session struct {
	mu          sync.Mutex
	id          string
	model       string
	messages    []Message
	busy        bool
	generation  uint64
	aggregation *fanout.Aggregation
	createdAt   time.Time
	updatedAt   time.Time
}

func (s *session) snapshot() Snapshot {
	return Snapshot{
		ID:        s.id,
		Model:     s.model,
		Messages:  append([]Message(nil), s.messages...),
		Busy:      s.busy,
		CreatedAt: s.createdAt,
		UpdatedAt: s.updatedAt,
	}
}

// Store holds every live session.
type Store struct {
	cfg       config.ChatConfig
	responder Responder
	formatter *formatting.Formatter
	logger    *zap.Logger
	now       func() time.Time

	mu       sync.RWMutex
	sessions map[string]*session
}

// NewStore creates an empty Store.
func NewStore(cfg config.ChatConfig, responder Responder, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		cfg:       cfg,
		responder: responder,
		formatter: formatting.New(logger),
		logger:    logger,
		now:       time.Now,
		sessions:  make(map[string]*session),
	}
}

// WelcomeMessage is the first message of every session for model.
func WelcomeMessage(model string) string {
	return fmt.Sprintf("Welcome to the %s Chatbot!", model)
}

// Create starts a session with model, or the default model when empty.
func (st *Store) Create(model string) (Snapshot, error) {
	if model == "" {
		model = st.cfg.DefaultModel
	}
	if _, ok := st.cfg.Models[model]; !ok {
		return Snapshot{}, errors.NewValidationError("", "Unknown chat model", map[string]interface{}{
			"field": "model",
			"value": model,
		})
	}

	now := st.now()
	s := &session{
		id:        uuid.New().String(),
		model:     model,
		createdAt: now,
		updatedAt: now,
	}
	s.messages = []Message{st.welcome(model, now)}

	st.mu.Lock()
	st.sessions[s.id] = s
	st.mu.Unlock()

	st.logger.Debug("chat session created", zap.String("session_id", s.id), zap.String("model", model))
	return s.snapshot(), nil
}

// Get returns a snapshot of the session.
func (st *Store) Get(id string) (Snapshot, error) {
	s, err := st.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot(), nil
}

// Send appends the user's text, asks the model for a reply and appends it.
// A turn started while another is in flight fails with a ConflictError.
// When the model call fails the user message stays in the history.
func (st *Store) Send(ctx context.Context, id, text string) (Message, error) {
	s, err := st.lookup(id)
	if err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return Message{}, errors.NewConflictError("", "A reply is already in progress for this session")
	}
	s.busy = true
	history := append([]Message(nil), s.messages...)
	s.append(Message{Role: RoleUser, Content: text, Time: st.now()}, st.cfg.MaxHistory)
	generation := s.generation
	model := s.model
	s.mu.Unlock()

	modelCfg := st.cfg.Models[model]
	req := &processing.Request{
		Type:     processing.TypeChat,
		Text:     text,
		History:  toProcessing(history),
		Provider: modelCfg.Provider,
	}
	content, genErr := st.responder.Generate(ctx, req)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = false
	s.updatedAt = st.now()
	if genErr != nil {
		st.logger.Warn("chat turn failed",
			zap.String("session_id", id),
			zap.String("model", model),
			zap.Error(genErr),
		)
		return Message{}, genErr
	}

	reply := Message{Role: RoleAssistant, Content: content, Time: st.now()}
	if !modelCfg.Raw {
		reply.Document = st.formatter.Format(content)
	}
	// A Clear during the call starts a new conversation; the reply belongs
	// to the old one.
	if s.generation == generation {
		s.append(reply, st.cfg.MaxHistory)
	}
	return reply, nil
}

// Clear resets the history to the welcome message and discards any
// translation fan-out attached to the session.
func (st *Store) Clear(id string) (Snapshot, error) {
	s, err := st.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := st.now()
	s.messages = []Message{st.welcome(s.model, now)}
	s.generation++
	s.updatedAt = now
	if s.aggregation != nil {
		s.aggregation.Discard()
		s.aggregation = nil
	}
	return s.snapshot(), nil
}

// Attach records agg as the session's current translation fan-out. Any
// previous fan-out is discarded so its late results are never delivered.
func (st *Store) Attach(id string, agg *fanout.Aggregation) error {
	s, err := st.lookup(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	prev := s.aggregation
	s.aggregation = agg
	s.updatedAt = st.now()
	s.mu.Unlock()

	if prev != nil && prev != agg {
		prev.Discard()
		st.logger.Debug("discarded previous aggregation",
			zap.String("session_id", id),
			zap.String("aggregation_id", prev.ID()),
		)
	}
	return nil
}

// Delete removes the session and discards its fan-out.
func (st *Store) Delete(id string) error {
	st.mu.Lock()
	s, ok := st.sessions[id]
	delete(st.sessions, id)
	st.mu.Unlock()
	if !ok {
		return errors.NewNotFoundError("", "Chat session", id)
	}

	s.mu.Lock()
	if s.aggregation != nil {
		s.aggregation.Discard()
	}
	s.mu.Unlock()
	return nil
}

// Len returns the number of live sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// Sweep removes sessions idle for longer than the configured TTL. Busy
// sessions are kept. It returns the number removed.
func (st *Store) Sweep() int {
	if st.cfg.SessionTTL <= 0 {
		return 0
	}
	cutoff := st.now().Add(-st.cfg.SessionTTL)

	st.mu.Lock()
	var expired []*session
	for id, s := range st.sessions {
		s.mu.Lock()
		if !s.busy && s.updatedAt.Before(cutoff) {
			delete(st.sessions, id)
			expired = append(expired, s)
		}
		s.mu.Unlock()
	}
	st.mu.Unlock()

	for _, s := range expired {
		s.mu.Lock()
		if s.aggregation != nil {
			s.aggregation.Discard()
		}
		s.mu.Unlock()
	}
	if len(expired) > 0 {
		st.logger.Info("expired chat sessions", zap.Int("count", len(expired)))
	}
	return len(expired)
}

// StartJanitor sweeps expired sessions until ctx is done.
func (st *Store) StartJanitor(ctx context.Context) {
	if st.cfg.SessionTTL <= 0 {
		return
	}
	interval := st.cfg.SessionTTL / 2
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st.Sweep()
			}
		}
	}()
}

func (st *Store) lookup(id string) (*session, error) {
	st.mu.RLock()
	s, ok := st.sessions[id]
	st.mu.RUnlock()
	if !ok {
		return nil, errors.NewNotFoundError("", "Chat session", id)
	}
	return s, nil
}

func (st *Store) welcome(model string, at time.Time) Message {
	text := WelcomeMessage(model)
	msg := Message{Role: RoleAssistant, Content: text, Time: at}
	if !st.cfg.Models[model].Raw {
		msg.Document = st.formatter.Format(text)
	}
	return msg
}

// append adds msg and drops the oldest messages after the welcome message
// once the history exceeds max.
func (s *session) append(msg Message, max int) {
	s.messages = append(s.messages, msg)
	if max > 1 && len(s.messages) > max {
		drop := len(s.messages) - max
		s.messages = append(s.messages[:1], s.messages[1+drop:]...)
	}
}

func toProcessing(history []Message) []processing.Message {
	out := make([]processing.Message, len(history))
	for i, m := range history {
		out[i] = processing.Message{Role: m.Role, Content: m.Content}
	}
	return out
}
