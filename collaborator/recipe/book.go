package recipe

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/trickstertwo/a2abus"
)

// Request types served by a Book.
const (
	TypeSubmitRecipe  = "submit_recipe"
	TypeApproveRecipe = "approve_recipe"
	TypeGetRecipe     = "get_recipe"
)

// Topics a Book publishes on.
const (
	TopicDrafted  = "recipe.drafted"
	TopicRevision = "recipe.revision_requested"
	TopicApproved = "recipe.approved"
)

// Draft states.
const (
	StatusDrafted  = "drafted"
	StatusRevision = "revision_requested"
	StatusApproved = "approved"
)

// ApproveDecision is the feedback text that approves a draft.
const ApproveDecision = "approve"

var (
	ErrUnknownDraft    = errors.New("recipe: unknown draft")
	ErrAlreadyApproved = errors.New("recipe: draft already approved")
	ErrDecisionPending = errors.New("recipe: decision already in progress")
)

// Publisher is the part of a bus a Book announces drafts on.
type Publisher interface {
	Publish(ctx context.Context, topic string, env *a2abus.Envelope) error
}

// Registrar is the part of a bus a Book registers its handlers on.
type Registrar interface {
	RegisterHandler(msgType string, h a2abus.Handler) error
}

// DocumentStore receives approved recipes.
type DocumentStore interface {
	StoreDocument(ctx context.Context, text, source string) (string, int, error)
}

// Draft is a recipe moving through the approval loop.
// DocumentID is set once the approved recipe is indexed.
type Draft struct {
	ID         string   `json:"draft_id"`
	Author     string   `json:"author"`
	Intent     Intent   `json:"intent"`
	Recipe     Recipe   `json:"recipe"`
	Status     string   `json:"status"`
	Feedback   []string `json:"feedback,omitempty"`
	Revision   int      `json:"revision"`
	DocumentID string   `json:"document_id,omitempty"`

	deciding   bool
	indexed    string
	indexedRev int
}

// Book tracks drafts and their approval.
type Book struct {
	pub   Publisher
	store DocumentStore

	mu     sync.Mutex
	drafts map[string]*Draft
}

// NewBook creates a Book. pub and store are optional.
func NewBook(pub Publisher, store DocumentStore) *Book {
	return &Book{pub: pub, store: store, drafts: make(map[string]*Draft)}
}

// Register binds submit_recipe, approve_recipe and get_recipe on r.
func (b *Book) Register(r Registrar) error {
	handlers := map[string]a2abus.HandlerFunc{
		TypeSubmitRecipe:  b.handleSubmit,
		TypeApproveRecipe: b.handleApprove,
		TypeGetRecipe:     b.handleGet,
	}
	for msgType, h := range handlers {
		if err := r.RegisterHandler(msgType, h); err != nil {
			return fmt.Errorf("register %s: %w", msgType, err)
		}
	}
	return nil
}

// Get returns a copy of a draft.
func (b *Book) Get(id string) (Draft, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.drafts[id]
	if !ok {
		return Draft{}, false
	}
	return d.copy(), true
}

// Drafts lists all drafts ordered by ID.
func (b *Book) Drafts() []Draft {
	b.mu.Lock()
	out := make([]Draft, 0, len(b.drafts))
	for _, d := range b.drafts {
		out = append(out, d.copy())
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type submitRequest struct {
	DraftID string `json:"draft_id"`
	Intent  Intent `json:"intent"`
	Recipe  Recipe `json:"recipe"`
}

type approveRequest struct {
	DraftID  string `json:"draft_id"`
	Decision string `json:"decision"`
}

// handleSubmit stores a new draft, or a revision of an existing one when
// draft_id is set.
func (b *Book) handleSubmit(ctx context.Context, env *a2abus.Envelope) (a2abus.Payload, error) {
	req, err := a2abus.DecodePayload[submitRequest](ctx, env.Payload)
	if err != nil {
		return nil, err
	}
	if err := req.Intent.Validate(); err != nil {
		return nil, err
	}
	if err := req.Recipe.Validate(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	d, ok := b.drafts[req.DraftID]
	switch {
	case req.DraftID == "":
		d = &Draft{ID: uuid.NewString(), Author: env.Source, Intent: req.Intent}
		b.drafts[d.ID] = d
	case !ok:
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownDraft, req.DraftID)
	case d.Status == StatusApproved:
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyApproved, req.DraftID)
	case d.deciding:
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDecisionPending, req.DraftID)
	default:
		d.Revision++
	}
	d.Recipe = req.Recipe
	d.Status = StatusDrafted
	snapshot := d.copy()
	b.mu.Unlock()

	if err := b.announce(ctx, TopicDrafted, snapshot); err != nil {
		return nil, err
	}
	return a2abus.Payload{"status": StatusDrafted, "draft_id": snapshot.ID, "revision": snapshot.Revision}, nil
}

// handleApprove applies a decision: "approve" (any case) approves the draft and
// indexes it; anything else is recorded as feedback. The draft only changes once
// indexing and the announcement succeeded.
func (b *Book) handleApprove(ctx context.Context, env *a2abus.Envelope) (a2abus.Payload, error) {
	req, err := a2abus.DecodePayload[approveRequest](ctx, env.Payload)
	if err != nil {
		return nil, err
	}
	decision := strings.TrimSpace(req.Decision)
	if decision == "" {
		return nil, fmt.Errorf("recipe: decision required")
	}

	b.mu.Lock()
	d, ok := b.drafts[req.DraftID]
	switch {
	case !ok:
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownDraft, req.DraftID)
	case d.Status == StatusApproved:
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyApproved, req.DraftID)
	case d.deciding:
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDecisionPending, req.DraftID)
	}
	d.deciding = true
	next := d.copy()
	reuse := ""
	if d.indexedRev == d.Revision {
		reuse = d.indexed
	}
	b.mu.Unlock()

	approve := strings.EqualFold(decision, ApproveDecision)
	topic := TopicRevision
	if approve {
		next.Status = StatusApproved
		topic = TopicApproved
	} else {
		next.Status = StatusRevision
		next.Feedback = append(next.Feedback, decision)
	}

	docID, err := b.decide(ctx, topic, &next, reuse)

	b.mu.Lock()
	defer b.mu.Unlock()
	d.deciding = false
	if docID != "" {
		d.indexed, d.indexedRev = docID, d.Revision
	}
	if err != nil {
		return nil, err
	}
	d.Status = next.Status
	d.Feedback = next.Feedback
	d.DocumentID = next.DocumentID

	out := a2abus.Payload{"status": next.Status, "draft_id": next.ID}
	if next.DocumentID != "" {
		out["document_id"] = next.DocumentID
	}
	return out, nil
}

// decide indexes an approved draft (unless reuse names the document already
// indexed for this revision) and announces the new state. It returns the
// indexed document ID even when the announcement fails.
func (b *Book) decide(ctx context.Context, topic string, next *Draft, reuse string) (string, error) {
	docID := reuse
	if next.Status == StatusApproved && b.store != nil {
		if docID == "" {
			id, _, err := b.store.StoreDocument(ctx, next.Recipe.Text(), "recipe:"+next.ID)
			if err != nil {
				return "", fmt.Errorf("index approved recipe: %w", err)
			}
			docID = id
		}
		next.DocumentID = docID
	}
	return docID, b.announce(ctx, topic, *next)
}

func (b *Book) handleGet(ctx context.Context, env *a2abus.Envelope) (a2abus.Payload, error) {
	req, err := a2abus.DecodePayload[approveRequest](ctx, env.Payload)
	if err != nil {
		return nil, err
	}
	d, ok := b.Get(req.DraftID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDraft, req.DraftID)
	}
	return a2abus.EncodePayload(d)
}

// announce broadcasts the draft from the identity of the bus serving ctx.
func (b *Book) announce(ctx context.Context, topic string, d Draft) error {
	if b.pub == nil {
		return nil
	}
	source, ok := a2abus.IdentityFromContext(ctx)
	if !ok {
		source = "RecipeBook"
	}
	p, err := a2abus.EncodePayload(d)
	if err != nil {
		return err
	}
	env, err := a2abus.NewEnvelope(source, []string{a2abus.Broadcast}, a2abus.TypeUpdate, p)
	if err != nil {
		return err
	}
	return b.pub.Publish(ctx, topic, env)
}

func (d *Draft) copy() Draft {
	c := *d
	c.Recipe.Ingredients = append([]string(nil), d.Recipe.Ingredients...)
	c.Recipe.Steps = append([]string(nil), d.Recipe.Steps...)
	c.Feedback = append([]string(nil), d.Feedback...)
	c.deciding = false
	return c
}
