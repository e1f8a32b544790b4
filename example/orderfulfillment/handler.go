// Package orderfulfillment is a worked handler showing step, sleep and
// start used together: reserve inventory and charge payment as memoized
// steps, wait out a cancellation grace period as a durable nap, then start
// an independent notification workflow once the shipment is dispatched.
package orderfulfillment

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stepwise/stepwise"
)

const (
	HandlerName             = "orderfulfillment"
	NotificationHandlerName = "ordernotification"

	cancellationGracePeriod = 24 * time.Hour
)

// Handler fulfils an order: reserve inventory, charge payment, wait out the
// cancellation window, then dispatch and notify. Register adds it to a
// Registry under HandlerName.
func Handler(ctx *stepwise.Context, raw json.RawMessage) error {
	var input OrderInput
	if err := json.Unmarshal(raw, &input); err != nil {
		return fmt.Errorf("orderfulfillment: decode input: %w", err)
	}

	reservation, err := stepwise.Step(ctx, "reserve-inventory", func() (ReservationOutput, error) {
		return reserveInventory(ctx, input)
	})
	if err != nil {
		return err
	}

	charge, err := stepwise.Step(ctx, "charge-payment", func() (ChargeOutput, error) {
		return chargePayment(ctx, input, reservation)
	})
	if err != nil {
		return err
	}

	if err := ctx.Sleep("cancellation-grace-period", cancellationGracePeriod); err != nil {
		return fmt.Errorf("orderfulfillment: cancellation grace period: %w", err)
	}

	shipment, err := stepwise.Step(ctx, "dispatch-shipment", func() (ShipmentOutput, error) {
		return dispatchShipment(ctx, input, charge)
	})
	if err != nil {
		return err
	}

	notifyID := "notify-" + input.OrderID
	started, err := ctx.Start(notifyID, NotificationHandlerName, NotificationInput{
		OrderID:        input.OrderID,
		CustomerID:     input.CustomerID,
		TrackingNumber: shipment.TrackingNumber,
	})
	if err != nil {
		return fmt.Errorf("orderfulfillment: start notification: %w", err)
	}

	logger := ctx.Logger()
	logger.Info().
		Str("order_id", input.OrderID).
		Str("tracking_number", shipment.TrackingNumber).
		Bool("notification_started", started).
		Msg("order fulfilled")
	return nil
}

func reserveInventory(ctx *stepwise.Context, input OrderInput) (ReservationOutput, error) {
	logger := ctx.Logger()
	logger.Info().Str("order_id", input.OrderID).Strs("skus", input.SKUs).Msg("reserving inventory")
	return ReservationOutput{ReservationID: uuid.NewString()}, nil
}

func chargePayment(ctx *stepwise.Context, input OrderInput, reservation ReservationOutput) (ChargeOutput, error) {
	logger := ctx.Logger()
	logger.Info().
		Str("order_id", input.OrderID).
		Str("reservation_id", reservation.ReservationID).
		Int64("total_cents", input.TotalCents).
		Msg("charging payment")
	return ChargeOutput{ChargeID: uuid.NewString()}, nil
}

func dispatchShipment(ctx *stepwise.Context, input OrderInput, charge ChargeOutput) (ShipmentOutput, error) {
	logger := ctx.Logger()
	logger.Info().
		Str("order_id", input.OrderID).
		Str("charge_id", charge.ChargeID).
		Msg("dispatching shipment")
	return ShipmentOutput{TrackingNumber: "TRK-" + uuid.NewString()}, nil
}

// NotificationHandler is the handler for the independent workflow
// fulfillment starts once a shipment ships.
func NotificationHandler(ctx *stepwise.Context, raw json.RawMessage) error {
	var input NotificationInput
	if err := json.Unmarshal(raw, &input); err != nil {
		return fmt.Errorf("ordernotification: decode input: %w", err)
	}

	_, err := stepwise.Step(ctx, "send-notification", func() (struct{}, error) {
		logger := ctx.Logger()
		logger.Info().
			Str("order_id", input.OrderID).
			Str("customer_id", input.CustomerID).
			Str("tracking_number", input.TrackingNumber).
			Msg("notifying customer of shipment")
		return struct{}{}, nil
	})
	return err
}

// Register wires both handlers into a Registry.
func Register(registry *stepwise.Registry) {
	registry.Register(HandlerName, Handler)
	registry.Register(NotificationHandlerName, NotificationHandler)
}
