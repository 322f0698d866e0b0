// Package retention prunes old autosave history so the store does not grow
// without bound. Saves land continuously while a document is being edited;
// only the most recent ones are worth keeping.
package retention

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Glfrancodev/semilleros-collab/internal/store"
)

type Config struct {
	Interval   time.Duration
	KeepPerDoc int
}

func DefaultConfig() Config {
	return Config{
		Interval:   10 * time.Minute,
		KeepPerDoc: 25,
	}
}

type Service struct {
	store  *store.Store
	config Config
	stop   chan struct{}
	wg     sync.WaitGroup
}

func New(st *store.Store, config Config) *Service {
	return &Service{
		store:  st,
		config: config,
		stop:   make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	log.Info().Dur("interval", s.config.Interval).Int("keep_per_doc", s.config.KeepPerDoc).
		Msg("retention service started")
}

func (s *Service) Stop() {
	close(s.stop)
	s.wg.Wait()
	log.Info().Msg("retention service stopped")
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Service) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	docs, err := s.store.DocumentsWithHistory(ctx)
	if err != nil {
		log.Error().Err(err).Msg("retention sweep failed to list documents")
		return
	}

	var pruned int64
	for _, doc := range docs {
		n, err := s.store.PruneHistory(ctx, doc[0], doc[1], s.config.KeepPerDoc)
		if err != nil {
			log.Error().Err(err).Str("doc", doc[0]+"/"+doc[1]).Msg("retention prune failed")
			continue
		}
		pruned += n
	}

	if pruned > 0 {
		log.Info().Int64("rows", pruned).Int("documents", len(docs)).Msg("pruned autosave history")
	}
}
