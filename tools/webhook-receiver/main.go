// Command webhook-receiver is a local webhook endpoint for exercising triggerd.
// It records the last requests, optionally verifies signatures and can be
// told to fail the first N calls to drive retries.
package main

import (
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/djlord-it/triggerd/internal/logging"
)

func main() {
	logger, err := logging.Setup(getenv("LOG_LEVEL", "info"), getenv("LOG_FORMAT", "console"))
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(2)
	}

	failFirst, _ := strconv.Atoi(os.Getenv("FAIL_FIRST"))
	failStatus, err := strconv.Atoi(getenv("FAIL_STATUS", "503"))
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid FAIL_STATUS")
	}

	r := newReceiver(os.Getenv("WEBHOOK_SIGNING_SECRET"), failFirst, failStatus)
	addr := getenv("ADDR", ":8080")
	srv := &http.Server{Addr: addr, Handler: r.routes(), ReadHeaderTimeout: 10 * time.Second}

	logger.Info().Str("addr", addr).Int("fail_first", failFirst).Msg("webhook-receiver listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server error")
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
