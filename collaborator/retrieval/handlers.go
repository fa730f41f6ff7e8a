package retrieval

import (
	"context"
	"fmt"

	"github.com/trickstertwo/a2abus"
)

// Message types served by the retrieval collaborator.
const (
	TypeStoreDocument  = "store_document"
	TypeRetrieveRecipe = "retrieve_recipe"
	TypeKnowledgeQuery = "knowledge_query"
)

// Registrar is the part of a bus the collaborator needs.
type Registrar interface {
	RegisterHandler(msgType string, h a2abus.Handler) error
}

type storeRequest struct {
	Text   string `json:"text"`
	Source string `json:"source"`
}

type queryRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

// Register binds the store's handlers on r.
func (s *Store) Register(r Registrar) error {
	for msgType, h := range map[string]a2abus.HandlerFunc{
		TypeStoreDocument:  s.handleStore,
		TypeRetrieveRecipe: s.handleRetrieve,
		TypeKnowledgeQuery: s.handleKnowledge,
	} {
		if err := r.RegisterHandler(msgType, h); err != nil {
			return fmt.Errorf("register %s: %w", msgType, err)
		}
	}
	return nil
}

func (s *Store) handleStore(ctx context.Context, env *a2abus.Envelope) (a2abus.Payload, error) {
	req, err := a2abus.DecodePayload[storeRequest](ctx, env.Payload)
	if err != nil {
		return nil, err
	}
	source := req.Source
	if source == "" {
		source = env.Source
	}
	id, n, err := s.StoreDocument(ctx, req.Text, source)
	if err != nil {
		return nil, err
	}
	return a2abus.Payload{"status": "stored", "document_id": id, "chunks": n}, nil
}

func (s *Store) handleRetrieve(ctx context.Context, env *a2abus.Envelope) (a2abus.Payload, error) {
	req, err := a2abus.DecodePayload[queryRequest](ctx, env.Payload)
	if err != nil {
		return nil, err
	}
	text, err := s.Retrieve(ctx, req.Query)
	if err != nil {
		return nil, err
	}
	return a2abus.Payload{"result": text}, nil
}

// handleKnowledge answers with scored matches plus the joined context text.
func (s *Store) handleKnowledge(ctx context.Context, env *a2abus.Envelope) (a2abus.Payload, error) {
	req, err := a2abus.DecodePayload[queryRequest](ctx, env.Payload)
	if err != nil {
		return nil, err
	}
	if s.Documents() == 0 {
		return a2abus.Payload{"status": "empty", "query": req.Query, "results": []any{}, "context": EmptyAnswer}, nil
	}
	matches, err := s.Search(ctx, req.Query, req.Limit)
	if err != nil {
		return nil, err
	}

	results := make([]any, len(matches))
	joined := ""
	for i, m := range matches {
		results[i] = map[string]any{"id": m.ID, "content": m.Content, "score": m.Score}
		if i > 0 {
			joined += "\n\n"
		}
		joined += m.Content
	}
	status := "found"
	if len(matches) == 0 {
		status = "not_found"
	}
	return a2abus.Payload{"status": status, "query": req.Query, "results": results, "context": joined}, nil
}
