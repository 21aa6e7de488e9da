package rag

import (
	"context"
	"fmt"
	"log/slog"

	"apexrag/types"
)

const RouteRAG = "rag"

// Classifier assigns a question to one of the known routes
// (rag, hr, legal, technical, training) with a confidence value.
type Classifier interface {
	Classify(ctx context.Context, question string) (types.RouteDecision, error)
}

// Retriever is the pipeline surface the router needs.
type Retriever interface {
	Retrieve(ctx context.Context, question string, topK int) (*types.AskResponse, error)
	Probe(ctx context.Context, question string) (bool, error)
}

// Router decides whether a question goes through retrieval. Documented
// evidence beats topical classification: a non-rag classification is
// overridden whenever a probe finds matching documents.
type Router struct {
	classifier Classifier
	retriever  Retriever
	logger     *slog.Logger
}

func NewRouter(classifier Classifier, retriever Retriever) *Router {
	return &Router{
		classifier: classifier,
		retriever:  retriever,
		logger:     slog.Default(),
	}
}

func (r *Router) Route(ctx context.Context, req types.AskRequest) (*types.AskResponse, error) {
	decision, err := r.classifier.Classify(ctx, req.Question)
	if err != nil {
		return nil, err
	}
	// Confidence is logged for observability but does not influence the
	// routing decision.
	r.logger.Info("route detected", "route", decision.Route, "confidence", decision.Confidence)

	if decision.Route == RouteRAG {
		return r.retriever.Retrieve(ctx, req.Question, req.TopK)
	}

	hasEvidence, err := r.retriever.Probe(ctx, req.Question)
	if err != nil {
		return nil, err
	}
	if hasEvidence {
		r.logger.Info("forcing retrieval on documented evidence", "route", decision.Route)
		return r.retriever.Retrieve(ctx, req.Question, req.TopK)
	}

	// Specialist agents are not implemented; acknowledge the route.
	return &types.AskResponse{
		Answer: fmt.Sprintf(
			"Esta consulta fue clasificada como '%s'. La respuesta por agente especialista está en implementación.",
			decision.Route),
		Sources: []types.Source{},
	}, nil
}
