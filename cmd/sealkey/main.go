// Command sealkey encrypts a provider API key for the api_key_enc field of
// the models file, using the master keys from the environment.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"albert/internal/config"
	"albert/internal/crypto"
)

func main() {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if !cfg.Crypto.Enabled() {
		log.Fatal().Msg("MASTER_KEY_B64 or MASTER_KEYS_JSON is required")
	}
	ring, err := crypto.NewKeyRing(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize key ring")
	}

	secret := strings.Join(os.Args[1:], " ")
	if secret == "" {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			log.Fatal().Err(err).Msg("failed to read key from stdin")
		}
		secret = strings.TrimSpace(line)
	}
	if secret == "" {
		log.Fatal().Msg("nothing to seal")
	}

	sealed, err := ring.Seal(secret)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to seal key")
	}
	fmt.Println(sealed)
}
