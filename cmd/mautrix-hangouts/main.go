// Copyright 2024-2026 Aiku AI

// Command mautrix-hangouts is a Matrix-Hangouts relay bridge built as
// a Matrix application service. It mirrors Hangouts conversations into
// Matrix rooms with puppet users for the remote participants, and
// relays room messages back to Hangouts.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	flag "maunium.net/go/mauflag"

	"github.com/aiku/mautrix-hangouts/pkg/bridge"
	"github.com/aiku/mautrix-hangouts/pkg/hangouts"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath = flag.MakeFull("c", "config", "Path to the config file.", "config.yaml").String()
var version = flag.MakeFull("v", "version", "Print the version and exit.", "false").Bool()
var wantHelp, _ = flag.MakeHelpFlag()

func main() {
	flag.SetHelpTitles(
		"mautrix-hangouts - A Matrix-Hangouts relay bridge.",
		"mautrix-hangouts [-h] [-c <path>] [-v]")
	if err := flag.Parse(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		return
	} else if *version {
		fmt.Printf("mautrix-hangouts %s (%s, built %s)\n", Tag, Commit, BuildTime)
		return
	}

	cfg, err := bridge.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		os.Exit(10)
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to configure logging:", err)
		os.Exit(11)
	}

	as, err := bridge.NewAppService(cfg, *log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize appservice client")
	}

	connect := func(ctx context.Context, credential string) (bridge.ChatClient, error) {
		return hangouts.Dial(ctx, hangouts.Config{
			RefreshToken: credential,
			Logger:       log.With().Str("component", "hangouts").Logger(),
		})
	}

	br := bridge.New(cfg, *log, bridge.NewMatrixAPI(as), connect)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := br.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start bridge")
	}

	<-ctx.Done()
	stop()
	br.Stop(context.Background())
}
