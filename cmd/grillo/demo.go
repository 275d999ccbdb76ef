package main

import (
	"context"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/grillo/pkg/broker"
	"github.com/go-go-golems/grillo/pkg/realtime"
)

func newDemoCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run an in-memory broker and two client sessions exchanging messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(cmd.Context(), addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8077", "broker listen address")
	return cmd
}

func runDemo(parent context.Context, addr string) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b := broker.New(broker.Config{PresenceInterval: 3 * time.Second})
	core := newDemoCore(b)

	mux := http.NewServeMux()
	mux.Handle("/ws", b.Handler())
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "listen")
	}
	server := &http.Server{Handler: mux}
	wsURL := "ws://" + ln.Addr().String() + "/ws"
	log.Info().Str("component", "demo").Str("url", wsURL).Msg("broker listening")

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		if err := b.Run(egCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
		return runDemoClients(egCtx, wsURL, core)
	})
	return eg.Wait()
}

func runDemoClients(ctx context.Context, wsURL string, core *demoCore) error {
	newSession := func(id realtime.Identity) (*realtime.Session, error) {
		sess, err := realtime.NewSession(ctx, realtime.SessionConfig{
			URL:        wsURL,
			Credential: realtime.Credential{Identity: id, Token: "demo"},
			Backend:    core.backendFor(id),
			OnActionError: func(err error) {
				log.Warn().Err(err).Str("identity", string(id)).Msg("action rejected")
			},
		})
		if err != nil {
			return nil, err
		}
		if err := sess.Start(ctx); err != nil {
			return nil, err
		}
		if err := sess.RefreshDirectory(ctx); err != nil {
			return nil, err
		}
		if err := sess.Notifications.Refresh(ctx); err != nil {
			return nil, err
		}
		return sess, nil
	}

	alice, err := newSession("alice@demo")
	if err != nil {
		return errors.Wrap(err, "start alice")
	}
	defer alice.Stop()
	bob, err := newSession("bob@demo")
	if err != nil {
		return errors.Wrap(err, "start bob")
	}
	defer bob.Stop()

	bob.Chat.OnChange(func() {
		msgs := bob.Chat.Messages()
		if len(msgs) == 0 {
			return
		}
		last := msgs[len(msgs)-1]
		log.Info().Str("component", "demo").Str("from", string(last.Author)).Str("body", last.Body).Int("total", len(msgs)).Msg("bob sees message")
	})

	if err := bob.OpenConversation(ctx, realtime.DirectConversation(realtime.Friend{Identity: "alice@demo", DisplayName: "Alice"})); err != nil {
		return errors.Wrap(err, "open conversation")
	}
	if err := alice.OpenConversation(ctx, realtime.DirectConversation(realtime.Friend{Identity: "bob@demo", DisplayName: "Bob"})); err != nil {
		return errors.Wrap(err, "open conversation")
	}

	bodies := []string{"ciao Bob!", "did you see the new project board?", "join the #jobs group"}
	for _, body := range bodies {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second):
		}
		if err := alice.Chat.Send(ctx, body); err != nil {
			return errors.Wrap(err, "send message")
		}
	}

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
	}
	log.Info().Str("component", "demo").
		Bool("alice_online_for_bob", bob.Presence.IsOnline("alice@demo")).
		Int("bob_unread_badge", bob.Notifications.Unread()).
		Msg("demo finished")
	return nil
}
