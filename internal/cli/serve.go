package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spbu-ds-practicum-2025/card-fraud-service/internal/domain"
	grpcserver "github.com/spbu-ds-practicum-2025/card-fraud-service/internal/grpc"
	"github.com/spbu-ds-practicum-2025/card-fraud-service/internal/httpapi"
	"github.com/spbu-ds-practicum-2025/card-fraud-service/internal/messaging"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Consume transactions and serve the admin API",
		Long: `serve consumes transaction events from INGEST_SOURCE (rabbitmq, kafka or none),
and serves the HTTP admin API on HTTP_PORT and gRPC health checks on GRPC_PORT.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	log := a.logger
	log.Info("starting card fraud service")

	var publisher *messaging.RabbitMQPublisher
	var events domain.EventPublisher
	var rejects messaging.RejectionPublisher
	if a.cfg.RabbitMQ.PublishResults {
		publisher, err = messaging.NewRabbitMQPublisher(a.cfg.RabbitMQ, log)
		if err != nil {
			return err
		}
		defer publisher.Close()
		events, rejects = publisher, publisher
	}

	pipeline, err := a.pipeline(events)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	switch a.cfg.Ingest.Source {
	case "rabbitmq":
		dispatcher := messaging.NewDispatcher(pipeline, a.cfg.Pipeline.Workers, log)
		consumer, err := messaging.NewRabbitMQConsumer(a.cfg.RabbitMQ, pipeline, dispatcher, rejects, log)
		if err != nil {
			return err
		}
		defer consumer.Close()

		g.Go(func() error { return dispatcher.Run(ctx) })
		g.Go(func() error { return consumer.Start(ctx) })

	case "kafka":
		consumer, err := messaging.NewKafkaConsumer(a.cfg.Kafka, pipeline, rejects, log)
		if err != nil {
			return err
		}
		defer consumer.Close()

		g.Go(func() error { return consumer.Start(ctx) })

	default:
		log.Info("no ingest source configured, serving the admin API only")
	}

	lis, err := net.Listen("tcp", ":"+a.cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("failed to listen on port %s: %w", a.cfg.GRPCPort, err)
	}
	grpcSrv := grpcserver.NewServer(log)
	g.Go(func() error { return grpcSrv.Serve(ctx, lis) })

	handler := httpapi.NewHandler(pipeline, a.cards, a.ledger, log)
	httpSrv := &http.Server{
		Addr:              ":" + a.cfg.HTTPPort,
		Handler:           httpapi.NewRouter(handler, log),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		log.WithField("addr", httpSrv.Addr).Info("HTTP server listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		grpcSrv.SetServing(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	grpcSrv.SetServing(true)

	err = g.Wait()
	if err != nil {
		log.WithError(err).Error("card fraud service stopped with error")
		return err
	}
	log.Info("card fraud service stopped gracefully")
	return nil
}
