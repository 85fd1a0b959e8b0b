package util

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// GracefulShutdown waits for the context to close and then calls the shutdown function in a blocking fashion.
// If the shutdown function does not complete within the timeout, the function exits early.
func GracefulShutdown(ctx context.Context, handleShutdown func(context.Context) error, timeout time.Duration) error {
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- handleShutdown(shutdownCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			log.Error().Err(err).Msg("graceful shutdown")
			return err
		}
		log.Info().Msg("graceful shutdown complete")
		return nil
	case <-shutdownCtx.Done():
		log.Warn().Dur("timeout", timeout).Msg("graceful shutdown timed out")
		return shutdownCtx.Err()
	}
}
