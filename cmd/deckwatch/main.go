// Command deckwatch joins a presentation as a headless participant and logs
// the reconciled document every time the room commits a change.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/manpreetbhatti/deckroom/internal/logging"
	"github.com/manpreetbhatti/deckroom/internal/model"
	"github.com/manpreetbhatti/deckroom/internal/protocol"
	"github.com/manpreetbhatti/deckroom/internal/reconcile"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	addr := flag.String("addr", "127.0.0.1:8080", "the server address")
	presentationID := flag.String("presentation", "", "the presentation to join")
	nickname := flag.String("nickname", "deckwatch", "the nickname to join as")
	levelName := flag.String("log-level", "info", "debug, info, warn or error")
	flag.Parse()

	if *presentationID == "" {
		return errors.New("-presentation is required")
	}
	level, ok := logging.ParseLevel(*levelName)
	if !ok {
		return fmt.Errorf("unknown log level %q", *levelName)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Events only arrive from Run, after conn is assigned.
	var conn *reconcile.Conn
	conn, err := reconcile.Dial(ctx, "ws://"+*addr+"/ws", *presentationID, *nickname, reconcile.ConnOptions{
		Logger: logger,
		OnEvent: func(evt protocol.Event) {
			logView(logger, conn, evt)
		},
		OnRejected: func(p protocol.ErrorPayload) {
			logger.Warn("operation rejected", "operation", p.Operation, "error_kind", p.Code, "message", p.Message)
		},
	})
	if err != nil {
		return err
	}
	defer conn.Close()

	logger.Info("joined", "presentation_id", *presentationID, "participant_id", conn.ParticipantID())
	if err := conn.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func logView(logger *slog.Logger, conn *reconcile.Conn, evt protocol.Event) {
	doc, ok := conn.Reconciler().View()
	if !ok {
		return
	}
	online := 0
	for _, p := range doc.Participants {
		if p.State == model.Online {
			online++
		}
	}
	logger.Info("presentation updated",
		"event", evt.Kind,
		"seq", evt.Seq,
		"title", doc.Title,
		"slides", len(doc.Slides),
		"participants", len(doc.Participants),
		"online", online,
	)
	for _, s := range doc.Slides {
		logger.Debug("slide", "order", s.Order, "id", s.ID, "title", s.Title, "text_blocks", len(s.TextBlocks))
	}
}
