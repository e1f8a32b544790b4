// Command stepwised is an HTTP front-end over the client surface: it
// starts workflows, runs the polling supervisor in-process, and reports
// workflow status, following the shape of teacher's
// example/simple_math/main/main.go rewritten against the new client and
// worker packages.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/stepwise/stepwise"
	"github.com/stepwise/stepwise/client"
	"github.com/stepwise/stepwise/engine"
	"github.com/stepwise/stepwise/example/orderfulfillment"
	"github.com/stepwise/stepwise/store/memory"
	"github.com/stepwise/stepwise/worker"
)

var (
	stepwiseClient *client.Client
	store          stepwise.Store
)

func initializeApp() {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	})

	store = memory.New()
	stepwiseClient = client.New(store)

	registry := stepwise.NewRegistry()
	orderfulfillment.Register(registry)

	cfg := stepwise.BuildConfig(stepwise.WithLogger(log.Logger))
	eng := engine.New(store, registry, cfg)
	supervisor := worker.New(store, eng, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	go supervisor.Poll(ctx)

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		cancel()
	}()

	log.Info().Msg("stepwise engine and supervisor started")
}

func registerRoutes(app *fiber.App) {
	app.Get("/health", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "healthy", "service": "stepwised"})
	})

	v1 := app.Group("/api/v1")
	workflows := v1.Group("/workflows")
	workflows.Post("/orders", handleStartOrder)
	workflows.Get("/:id", handleGetStatus)
}

type startOrderRequest struct {
	CustomerID string   `json:"customer_id"`
	SKUs       []string `json:"skus"`
	TotalCents int64    `json:"total_cents"`
}

func handleStartOrder(c fiber.Ctx) error {
	var req startOrderRequest
	if err := c.Bind().JSON(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	orderID := uuid.NewString()
	input := orderfulfillment.OrderInput{
		OrderID:    orderID,
		CustomerID: req.CustomerID,
		SKUs:       req.SKUs,
		TotalCents: req.TotalCents,
	}

	started, err := stepwiseClient.Start(c.Context(), orderID, orderfulfillment.HandlerName, input)
	if err != nil {
		log.Error().Err(err).Str("order_id", orderID).Msg("failed to start order workflow")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to start workflow"})
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"id":      orderID,
		"started": started,
	})
}

type statusResponse struct {
	ID     string          `json:"id"`
	Status stepwise.Status `json:"status"`
}

func handleGetStatus(c fiber.Ctx) error {
	id := c.Params("id")

	status, ok, err := store.FindStatus(c.Context(), id)
	if err != nil {
		log.Error().Err(err).Str("id", id).Msg("failed to find workflow status")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to find workflow"})
	}
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "workflow not found"})
	}

	return c.JSON(statusResponse{ID: id, Status: status})
}

func main() {
	initializeApp()

	app := fiber.New()
	registerRoutes(app)

	go func() {
		addr := ":3000"
		log.Info().Str("address", addr).Msg("starting HTTP server")
		if err := app.Listen(addr); err != nil {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server...")
	if err := app.ShutdownWithTimeout(5 * time.Second); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("server stopped")
}
