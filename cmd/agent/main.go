// Command agent is a headless session peer. It joins a document room, mirrors
// the replicated content in memory and persists it through the autosave
// scheduler, which makes it useful as a durable observer for rooms whose
// editors connect from flaky networks.
package main

import (
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Glfrancodev/semilleros-collab/pkg/collab"
	"github.com/Glfrancodev/semilleros-collab/pkg/collab/wire"
)

type mirror struct {
	mu      sync.Mutex
	content json.RawMessage
}

func (m *mirror) ApplyRemoteContent(content json.RawMessage) {
	m.mu.Lock()
	m.content = content
	m.mu.Unlock()
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	var (
		serverURL = flag.String("server", "ws://localhost:8080/ws", "websocket endpoint of the collab server")
		apiURL    = flag.String("api", "http://localhost:8080", "base URL of the collab REST API")
		token     = flag.String("token", os.Getenv("COLLAB_TOKEN"), "portal session token")
		docType   = flag.String("type", "proyecto", "document type")
		docID     = flag.String("doc", "", "document id to mirror")
	)
	flag.Parse()

	if *token == "" || *docID == "" {
		log.Fatal().Msg("both -token (or COLLAB_TOKEN) and -doc are required")
	}

	doc := &mirror{}
	saver := collab.NewHTTPSaver(*apiURL, *token)
	autosave := collab.NewAutosave(collab.AutosaveConfig{
		DocumentID:   *docID,
		DocumentType: *docType,
		Saver:        saver,
	})

	ch := collab.NewChannel(collab.ChannelConfig{
		URL:   *serverURL,
		Token: *token,
		OnState: func(s collab.State) {
			log.Info().Stringer("state", s).Msg("channel state")
		},
	})

	session := collab.NewSession(ch, collab.SessionConfig{
		DocumentID:   *docID,
		DocumentType: *docType,
		Editor:       doc,
		Autosave:     autosave,
		OnRoster: func(users []wire.User) {
			log.Info().Int("peers", len(users)).Msg("roster updated")
		},
	})
	collab.Bind(ch, session)

	if err := ch.Connect(); err != nil {
		log.Fatal().Err(err).Msg("connecting to collab server")
	}
	if err := session.Join(); err != nil {
		log.Fatal().Err(err).Msg("joining document room")
	}
	log.Info().Str("type", *docType).Str("doc", *docID).Msg("mirroring document")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down")
	if err := autosave.Close(); err != nil {
		log.Error().Err(err).Msg("final flush failed, latest content not persisted")
	}
	if err := session.Leave(); err != nil {
		log.Debug().Err(err).Msg("leave not delivered")
	}
	ch.Disconnect()
}
