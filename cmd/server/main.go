package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/jrsteele09/school-portal/auth"
	"github.com/jrsteele09/school-portal/internal/config"
	"github.com/jrsteele09/school-portal/kvstore"
	"github.com/jrsteele09/school-portal/server"
	"github.com/jrsteele09/school-portal/sessions"
	"github.com/jrsteele09/school-portal/token"
	"github.com/jrsteele09/school-portal/token/keys"
	"github.com/jrsteele09/school-portal/token/refresh"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Error running server")
	}
	log.Info().Msg("Server stopped")
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("Recovered from panic")
			returnError = errors.New("panic recovered")
		}
	}()

	c := config.New()
	setupLogging(c)
	displayAppname(c.GetAppName())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := kvstore.New(ctx, c)
	if err != nil {
		return fmt.Errorf("kvstore.New: %w", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			log.Err(err).Msg("failed to close session store")
		}
	}()

	decoder, err := newDecoder(ctx, c)
	if err != nil {
		return err
	}

	store := sessions.NewStore(repo, decoder)
	clock := token.NewClock(token.WithDecoder(decoder), token.WithThreshold(c.GetRefreshThreshold()))
	scheduler := refresh.NewScheduler(store, clock,
		refresh.NewHTTPEndpoint(c.GetAPIBaseURL(), c.GetRefreshPath(), &http.Client{Timeout: c.GetRefreshTimeout()}),
		refresh.WithRetryDelay(c.GetRefreshRetryDelay()),
		refresh.WithMaxAttempts(c.GetRefreshMaxAttempts()),
		refresh.WithTimeout(c.GetRefreshTimeout()),
	)
	defer scheduler.Cancel()

	if err := store.Restore(ctx); err != nil {
		log.Err(err).Msg("failed to restore session")
	}
	if session := store.Get(); session != nil {
		log.Info().Str("session", session.ID).Msg("restored session")
		scheduler.ScheduleFrom(session.AccessToken)
	}

	gateway := auth.NewGateway(store, clock, scheduler, auth.WithBypassPaths(c.GetLoginPath(), c.GetRefreshPath()))
	loginClient := &http.Client{Timeout: c.GetRequestTimeout()}

	handler, err := server.New(c, server.Deps{
		Store:     store,
		Clock:     clock,
		Scheduler: scheduler,
		Gateway:   gateway,
		Guard:     auth.NewGuard(store, clock, scheduler),
		Auth:      auth.NewService(auth.NewHTTPLoginEndpoint(c.GetAPIBaseURL(), c.GetLoginPath(), loginClient), store, scheduler),
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              c.GetPort(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return listenAndServe(httpServer)
	})
	g.Go(func() error {
		return gateway.RunBackgroundCheck(gctx, c.GetBackgroundCheckInterval())
	})
	g.Go(func() error {
		<-gctx.Done()
		return shutdown(httpServer)
	})
	return g.Wait()
}

func newDecoder(ctx context.Context, c config.SessionConfig) (token.Decoder, error) {
	if jwks := c.GetJWKSURL(); jwks != "" {
		log.Info().Str("jwks", jwks).Msg("verifying token signatures")
		return token.NewRemoteKeySetDecoder(ctx, jwks), nil
	}
	if file := c.GetJWTPublicKeyFile(); file != "" {
		publicKeys, err := keys.LoadPublicKeysFromFile(file)
		if err != nil {
			return nil, fmt.Errorf("keys.LoadPublicKeysFromFile: %w", err)
		}
		log.Info().Str("file", file).Int("keys", len(publicKeys)).Msg("verifying token signatures")
		return token.NewStaticKeySetDecoder(publicKeys...), nil
	}
	return token.Unverified, nil
}

func setupLogging(c config.EnvConfig) {
	level, err := zerolog.ParseLevel(c.GetLogLevel())
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if c.GetEnv() == "DEV" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}

func listenAndServe(server *http.Server) error {
	log.Info().Msgf("Server listening on %s", server.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server.ListenAndServe %w", err)
	}
	return nil
}

func shutdown(server *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
