package search

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Backend is a search engine that also accepts index writes.
type Backend interface {
	Searcher
	Indexer
}

// Service is the facade that tries the primary index first and falls back to
// Postgres full-text search.
type Service struct {
	primary  Backend
	fallback Searcher
	log      *zap.Logger
	pending  sync.WaitGroup
}

// NewService creates a search service. primary may be nil when no external
// index is configured.
func NewService(primary Backend, fallback Searcher, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{primary: primary, fallback: fallback, log: log}
}

func (s *Service) primaryReady() bool {
	return s.primary != nil && s.primary.Healthy()
}

// Search tries the primary index if healthy, otherwise falls back.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.primaryReady() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Engine: EngineMeili}
		}
		s.log.Warn("primary search failed, falling back to postgres", zap.Error(err))
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.log.Error("postgres search failed", zap.Error(err))
		return Response{Results: []Result{}, Total: 0, Query: q.Text, Engine: EnginePostgres}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Engine: EnginePostgres}
}

// IndexDocument pushes a document to the primary index in the background.
// Deleted documents are removed instead.
func (s *Service) IndexDocument(doc DocumentRecord) {
	if doc.Status == "deleted" {
		s.DeleteDocument(doc.ID)
		return
	}
	s.background(func() error { return s.primary.IndexDocument(doc) }, "index document", doc.ID)
}

// DeleteDocument removes a document from the primary index in the background.
func (s *Service) DeleteDocument(id string) {
	s.background(func() error { return s.primary.DeleteDocument(id) }, "delete document", id)
}

func (s *Service) background(fn func() error, op, id string) {
	if !s.primaryReady() {
		return
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		if err := fn(); err != nil {
			s.log.Warn("search index write failed", zap.String("op", op), zap.String("document_id", id), zap.Error(err))
		}
	}()
}

// Wait blocks until background index writes have finished.
func (s *Service) Wait() {
	s.pending.Wait()
}

// ReindexAll pushes every record to the primary index.
func (s *Service) ReindexAll(documents []DocumentRecord) {
	if !s.primaryReady() || len(documents) == 0 {
		return
	}
	if err := s.primary.IndexDocuments(documents); err != nil {
		s.log.Warn("reindex documents failed", zap.Error(err))
	}
}

// ReindexAllFromPG reindexes all searchable documents from PostgreSQL.
func (s *Service) ReindexAllFromPG(ctx context.Context, pgfts *PgFTS) {
	if !s.primaryReady() || pgfts == nil {
		return
	}
	documents, err := pgfts.LoadAllRecords(ctx)
	if err != nil {
		s.log.Warn("reindex load failed", zap.Error(err))
		return
	}
	s.ReindexAll(documents)
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
