//cmd/seeder/main.go
package main

import (
	"os"

	"github.com/unclebandit/mailfleet-backend/internal/logger"
)

func main() {
	if err := Command().Execute(); err != nil {
		log := logger.New("info", false)
		log.Error().Err(err).Msg("seeder failed")
		os.Exit(1)
	}
}
