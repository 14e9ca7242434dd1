package main

import (
	"context"
	"os"

	"github.com/rs/zerolog"
)

func main() {
	os.Exit(realMain())
}

func realMain() int {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		log := zerolog.New(os.Stderr).With().Timestamp().Logger()
		log.Error().Err(err).Msg("error running the application")

		return 1
	}

	return 0
}
