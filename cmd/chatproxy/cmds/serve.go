package cmds

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatproxy/pkg/contextwindow"
	"github.com/go-go-golems/chatproxy/pkg/conversation"
	"github.com/go-go-golems/chatproxy/pkg/eventbus"
	"github.com/go-go-golems/chatproxy/pkg/persistence/messagestore"
	"github.com/go-go-golems/chatproxy/pkg/relay"
	"github.com/go-go-golems/chatproxy/pkg/server"
	"github.com/go-go-golems/chatproxy/pkg/settings"
	"github.com/go-go-golems/chatproxy/pkg/tokens"
	"github.com/go-go-golems/chatproxy/pkg/upstream"
)

func NewServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the backend API, the conversation stream and the static web UI",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			if err := s.Validate(); err != nil {
				return err
			}
			srv, err := BuildServer(cmd.Context(), s)
			if err != nil {
				return err
			}
			return srv.Run(cmd.Context())
		},
	}
	settings.AddFlags(cmd.Flags())
	return cmd
}

// BuildServer wires the store, token counter, context builder, upstream
// client, event bus and conversation service into an HTTP server.
func BuildServer(ctx context.Context, s *settings.Settings) (*server.Server, error) {
	counter, err := tokens.New(s.Tokenizer, s.Model, "")
	if err != nil {
		return nil, errors.Wrap(err, "token counter")
	}

	store, err := messagestore.Open(ctx, messagestore.Options{
		Backend:    s.Store,
		Capacity:   s.StoreSize,
		SQLitePath: s.SQLitePath,
		RedisAddr:  s.RedisAddr,
		RedisTTL:   s.RedisTTL,
	})
	if err != nil {
		return nil, errors.Wrap(err, "message store")
	}
	closers := []io.Closer{store}
	fail := func(err error) (*server.Server, error) {
		for _, c := range closers {
			_ = c.Close()
		}
		return nil, err
	}

	builder, err := contextwindow.NewBuilder(contextwindow.Config{
		Store:             store,
		Counter:           counter,
		MaxModelTokens:    s.MaxModelTokens,
		MaxResponseTokens: s.MaxResponseTokens,
	})
	if err != nil {
		return fail(err)
	}

	transport, err := upstream.TransportFromSettings(s.HTTPSProxy, s.SOCKSProxy)
	if err != nil {
		return fail(errors.Wrap(err, "upstream transport"))
	}
	client, err := upstream.NewClient(upstream.Config{
		APIKey:          s.APIKey,
		BaseURL:         s.APIBaseURL,
		Model:           s.Model,
		Temperature:     s.Temperature,
		TopP:            s.TopP,
		PresencePenalty: s.PresencePenalty,
		Timeout:         s.Timeout(),
		Debug:           s.Debug,
	}, transport)
	if err != nil {
		return fail(err)
	}

	bus, err := eventbus.New(eventbus.Config{
		Backend:   s.Events,
		RedisAddr: s.EventsRedisAddr,
	})
	if err != nil {
		return fail(errors.Wrap(err, "event bus"))
	}

	svc, err := conversation.NewService(conversation.Config{
		Store:              store,
		Builder:            builder,
		Upstream:           client,
		Publisher:          bus,
		SystemMessage:      s.SystemMessageAt,
		Model:              client.Model(),
		CancelOnDisconnect: s.CancelOnDisconnect,
	})
	if err != nil {
		_ = bus.Close()
		return fail(err)
	}

	cfg := server.Config{
		Addr:      s.ListenAddr(),
		PublicDir: s.PublicDir,
		Service:   svc,
		Registry:  relay.NewRegistry(),
		Bus:       bus,
		Closers:   closers,
	}
	if s.BasicAuth {
		cfg.Auth = server.PasswordFile{Path: s.PasswdFile}
	}

	log.Info().
		Str("addr", cfg.Addr).
		Str("model", client.Model()).
		Str("store", s.Store).
		Str("events", s.Events).
		Bool("basic_auth", s.BasicAuth).
		Dur("timeout", s.Timeout()).
		Str("system_message", firstLine(s.SystemMessageAt(time.Now()))).
		Msg("starting chatproxy")

	srv, err := server.New(cfg)
	if err != nil {
		_ = bus.Close()
		return fail(err)
	}
	return srv, nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
