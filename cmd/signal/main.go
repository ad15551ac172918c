// Command signal runs the room signaling server the calling core's websocket
// transport connects to.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	ilog "github.com/pion/ion-log"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/orbita-chat/calling/cmd/signal/server"
)

var (
	conf server.Config
	file string
	addr string
)

func showHelp() {
	fmt.Printf("Usage:%s {params}\n", os.Args[0])
	fmt.Println("      -c {config file}")
	fmt.Println("      -a {listen addr}")
	fmt.Println("      -h (show help info)")
}

func load() bool {
	_, err := os.Stat(file)
	if err != nil {
		return false
	}

	viper.SetConfigFile(file)
	viper.SetConfigType("toml")

	if err = viper.ReadInConfig(); err != nil {
		fmt.Printf("config file %s read failed. %v\n", file, err)
		return false
	}
	if err = viper.GetViper().Unmarshal(&conf); err != nil {
		fmt.Printf("config file %s loaded failed. %v\n", file, err)
		return false
	}
	return true
}

func parse() bool {
	flag.StringVar(&file, "c", "config.toml", "config file")
	flag.StringVar(&addr, "a", ":7000", "address to listen on")
	help := flag.Bool("h", false, "help info")
	flag.Parse()
	if !load() {
		return false
	}
	if *help {
		return false
	}
	return true
}

func main() {
	if !parse() {
		showHelp()
		os.Exit(-1)
	}
	if conf.Signal.Addr != "" {
		addr = conf.Signal.Addr
	}

	ilog.Init(conf.Log.Level)
	level, err := zerolog.ParseLevel(conf.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Logger()

	srv := server.New(conf, logger)
	httpServer := &http.Server{Addr: addr, Handler: srv.Router()}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	if conf.Turn.Enabled {
		turnServer, err := server.StartTurnServer(conf.Turn)
		if err != nil {
			logger.Fatal().Err(err).Msg("starting turn server")
		}
		defer func() { _ = turnServer.Close() }()
		logger.Info().Str("addr", conf.Turn.Address).Msg("turn server listening")
	}

	g.Go(func() error {
		logger.Info().Str("addr", addr).Msg("signal server listening")
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Fatal().Err(err).Msg("signal server exited")
	}
}
