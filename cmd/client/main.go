package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/arjn/fieldlink/internal/adapters/rtc"
	"github.com/arjn/fieldlink/internal/core"
	"github.com/arjn/fieldlink/internal/domain"
	"github.com/arjn/fieldlink/internal/driver"
)

func main() {
	var (
		relayURL = flag.String("relay", "ws://localhost:8080/api/ws/signal", "relay websocket URL")
		idFlag   = flag.String("id", "", "endpoint identifier (e.g. commander, soldier1)")
		call     = flag.String("call", "", "endpoint to call once joined; empty means wait for calls")
		decline  = flag.Bool("decline", false, "decline all incoming calls")
		stunURL  = flag.String("stun", "stun:stun.l.google.com:19302", "STUN server URL")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	id, err := domain.ParseEndpointID(*idFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid -id")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	media := func(ctx context.Context) (core.MediaSession, error) {
		return rtc.Acquire(rtc.Config(*stunURL), string(id))
	}

	var policy driver.DecisionPolicy = driver.AcceptAll{}
	if *decline {
		policy = driver.DeclineAll{}
	}

	d := driver.New(id, media, policy, func(phase domain.CallPhase, peer domain.EndpointID) {
		log.Info().Str("phase", string(phase)).Str("peer", string(peer)).Msg("call state")
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Connect(ctx, *relayURL)
	}()

	if *call != "" {
		target, err := domain.ParseEndpointID(*call)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid -call")
		}
		if err := d.WaitReady(ctx); err != nil {
			log.Fatal().Err(err).Msg("relay connection")
		}
		if err := d.StartCall(ctx, target); err != nil {
			log.Error().Err(err).Str("target", string(target)).Msg("start call")
			cancel()
		}
	}

	if err := <-errCh; err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("relay connection lost")
	}
	log.Info().Msg("client exited")
}
