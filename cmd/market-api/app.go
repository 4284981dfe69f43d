package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kculz/Qonvey-sub001/internal/apperr"
	"github.com/kculz/Qonvey-sub001/internal/broker/messages"
	"github.com/kculz/Qonvey-sub001/internal/models"
	httpSwagger "github.com/swaggo/http-swagger"
)

type marketAPIOpts struct {
	httpAddr    string
	swaggerPath string

	topic         string
	consumerGroup string

	onListen func(httpAddr string)
}

type kafkaConsumer interface {
	Consume(ctx context.Context, handler func(key, value []byte) error) error
}

type locationAppender interface {
	ApplyLocationReport(ctx context.Context, tripID, driverID string, lat, lng float64, reportedAt time.Time) (models.RoutePoint, error)
}

func runMarketAPI(ctx context.Context, opts marketAPIOpts, api http.Handler, trips locationAppender, consumer kafkaConsumer) error {
	if opts.swaggerPath == "" {
		return fmt.Errorf("swaggerPath env var is required")
	}
	if _, err := os.Stat(opts.swaggerPath); os.IsNotExist(err) {
		return fmt.Errorf("swagger file not found: %s", opts.swaggerPath)
	}

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- runHTTPServer(ctx, lis, api, opts.swaggerPath)
	}()

	consumerErr := make(chan error, 1)
	if consumer != nil {
		go func() {
			slog.Info("kafka consumer started", "topic", opts.topic, "group", opts.consumerGroup)
			err := consumer.Consume(ctx, locationHandler(ctx, trips))
			if ctx.Err() != nil {
				return
			}
			if err == nil {
				err = fmt.Errorf("consumer returned without error")
			}
			slog.Error("kafka consumer stopped", "topic", opts.topic, "error", err.Error())
			consumerErr <- fmt.Errorf("location consumer %s: %w", opts.topic, err)
		}()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-consumerErr:
		return err
	case err := <-httpErr:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
}

// locationHandler applies driver location reports. Messages the marketplace
// rejects are logged and committed; storage failures stop the consumer so the
// message is redelivered. Redelivered reports are deduplicated on their device
// timestamp.
func locationHandler(ctx context.Context, trips locationAppender) func(key, value []byte) error {
	return func(_ []byte, value []byte) error {
		var m messages.LocationReported
		if err := json.Unmarshal(value, &m); err != nil {
			slog.Warn("skip malformed location message", "error", err.Error())
			return nil
		}
		if _, err := trips.ApplyLocationReport(ctx, m.TripID, m.DriverID, m.Lat, m.Lng, m.RecordedAt); err != nil {
			if apperr.As(err) != nil {
				slog.Warn("skip rejected location", "trip_id", m.TripID, "driver_id", m.DriverID, "reason", apperr.ReasonOf(err))
				return nil
			}
			return err
		}
		return nil
	}
}

func runHTTPServer(ctx context.Context, lis net.Listener, api http.Handler, swaggerPath string) error {
	r := chi.NewRouter()
	r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		http.ServeFile(w, r, swaggerPath)
	})

	swaggerURL := "/swagger.json"
	if fi, err := os.Stat(swaggerPath); err == nil {
		swaggerURL = fmt.Sprintf("/swagger.json?v=%d", fi.ModTime().Unix())
	}
	r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL(swaggerURL)))
	r.Mount("/", api)

	srv := &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("HTTP server listening", "addr", lis.Addr().String())
	return srv.Serve(lis)
}
