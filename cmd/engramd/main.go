package main

import (
	"os"

	"github.com/engramlabs/engram/engramservice"
	"github.com/engramlabs/engram/internal/logger"
)

func main() {
	if err := engramservice.Run(); err != nil {
		log := logger.New("engram")
		log.Error().Err(err).Msg("service exited with error")
		os.Exit(1)
	}
}
