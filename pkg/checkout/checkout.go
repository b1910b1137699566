// Package checkout is the complete-cart workflow: stock is reserved, the
// payment authorized and the order written together with its order.created
// event. A failure at any step undoes the earlier ones.
package checkout

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/flowforge/sagaflow/pkg/config"
	"github.com/flowforge/sagaflow/pkg/engine"
	"github.com/flowforge/sagaflow/pkg/outbox"
	"github.com/flowforge/sagaflow/pkg/saga"
	"github.com/flowforge/sagaflow/pkg/store"
)

const (
	WorkflowName = "complete-cart"

	StepReserveInventory = "reserve-inventory"
	StepAuthorizePayment = "authorize-payment"
	StepCreateOrder      = "create-order"

	EventOrderCreated   = "order.created"
	EventOrderCancelled = "order.cancelled"

	aggregateOrder = "order"
)

var (
	ErrInvalidCart     = errors.New("invalid cart")
	ErrOutOfStock      = errors.New("insufficient stock")
	ErrPaymentDeclined = errors.New("payment declined")
)

type Item struct {
	SKU      string `json:"sku" validate:"required,max=64"`
	Quantity int    `json:"quantity" validate:"gt=0"`
}

type Cart struct {
	CartID      string `json:"cart_id" validate:"required,max=64"`
	CustomerID  string `json:"customer_id" validate:"required,max=64"`
	Items       []Item `json:"items" validate:"required,min=1,dive"`
	AmountCents int64  `json:"amount_cents" validate:"gt=0"`
	Currency    string `json:"currency" validate:"required,len=3"`
}

type Receipt struct {
	OrderID         string `json:"order_id"`
	ReservationID   string `json:"reservation_id"`
	AuthorizationID string `json:"authorization_id"`
}

// OrderCreated is the payload of the order.created event.
type OrderCreated struct {
	OrderID         string `json:"order_id" validate:"required"`
	CartID          string `json:"cart_id" validate:"required"`
	CustomerID      string `json:"customer_id" validate:"required"`
	AmountCents     int64  `json:"amount_cents"`
	Currency        string `json:"currency"`
	AuthorizationID string `json:"authorization_id"`
}

// OrderCancelled is the payload of the order.cancelled event.
type OrderCancelled struct {
	OrderID string `json:"order_id" validate:"required"`
	CartID  string `json:"cart_id" validate:"required"`
}

// Requests carry the step's idempotency key. Implementations must return the
// original result when they see a key twice.
type ReserveRequest struct {
	Key    string
	CartID string
	Items  []Item
}

type AuthorizeRequest struct {
	Key         string
	CartID      string
	CustomerID  string
	AmountCents int64
	Currency    string
}

type OrderRequest struct {
	Key             string
	Cart            Cart
	ReservationID   string
	AuthorizationID string
}

type Inventory interface {
	Reserve(ctx context.Context, req ReserveRequest) (string, error)
	Release(ctx context.Context, reservationID string) error
}

type Payments interface {
	Authorize(ctx context.Context, req AuthorizeRequest) (string, error)
	Void(ctx context.Context, authorizationID string) error
}

// Orders writes through the transaction carried by ctx when there is one.
type Orders interface {
	Create(ctx context.Context, req OrderRequest) (string, error)
	// Cancel reports whether this call moved the order to cancelled; an
	// already cancelled order yields false.
	Cancel(ctx context.Context, orderID string) (bool, error)
}

type reservation struct {
	ReservationID string `json:"reservation_id"`
}

type authorization struct {
	AuthorizationID string `json:"authorization_id"`
}

type order struct {
	OrderID string `json:"order_id"`
	CartID  string `json:"cart_id"`
}

// LockKey serialises completions of one cart.
func LockKey(cartID string) string {
	return "cart:complete:" + cartID
}

// RegisterEvents makes the publisher decode order events.
func RegisterEvents(registry *outbox.Registry) {
	outbox.RegisterType[OrderCreated](registry, EventOrderCreated)
	outbox.RegisterType[OrderCancelled](registry, EventOrderCancelled)
}

type Workflow struct {
	tx        store.Transactor
	events    *outbox.Service
	inventory Inventory
	payments  Payments
	orders    Orders
	cfg       config.CheckoutConfig
	validate  *validator.Validate
}

func NewWorkflow(tx store.Transactor, events *outbox.Service, inventory Inventory, payments Payments, orders Orders, cfg config.CheckoutConfig) *Workflow {
	return &Workflow{
		tx:        tx,
		events:    events,
		inventory: inventory,
		payments:  payments,
		orders:    orders,
		cfg:       cfg,
		validate:  validator.New(),
	}
}

// Sequence returns the saga to register with the engine.
func (w *Workflow) Sequence() *saga.Sequence[Cart, Receipt] {
	return saga.MustSequence[Cart, Receipt](WorkflowName, w.receipt,
		saga.NewStep(StepReserveInventory, w.reserve, w.release),
		saga.NewStep(StepAuthorizePayment, w.authorize, w.void),
		saga.NewStep(StepCreateOrder, w.createOrder, w.cancelOrder),
	)
}

// Register adds the workflow to e.
func (w *Workflow) Register(e *engine.Engine) error {
	return engine.Register[Cart, Receipt](e, w.Sequence())
}

// Complete runs the workflow for cart under the cart's lock. A second
// completion of the same cart while one is in flight fails with
// engine.ErrLockContention. Zero timeout and retry options take the
// configured checkout defaults.
func (w *Workflow) Complete(ctx context.Context, e *engine.Engine, cart Cart, opts engine.Options) (engine.Result[Receipt], error) {
	if err := w.validate.Struct(cart); err != nil {
		return engine.Result[Receipt]{}, fmt.Errorf("%w: %v", ErrInvalidCart, err)
	}
	opts.LockKey = LockKey(cart.CartID)
	if opts.CorrelationID == "" {
		opts.CorrelationID = cart.CartID
	}
	if opts.TimeoutSeconds == 0 {
		opts.TimeoutSeconds = w.cfg.TimeoutSeconds
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = w.cfg.MaxRetries
	}
	return engine.Execute[Cart, Receipt](ctx, e, WorkflowName, cart, opts)
}

func (w *Workflow) reserve(ctx context.Context, cart Cart, sc *saga.StepContext) (any, error) {
	if err := w.validate.Struct(cart); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCart, err)
	}
	id, err := w.inventory.Reserve(ctx, ReserveRequest{
		Key:    sc.IdempotencyKey(),
		CartID: cart.CartID,
		Items:  cart.Items,
	})
	if err != nil {
		return nil, err
	}
	return reservation{ReservationID: id}, nil
}

func (w *Workflow) release(ctx context.Context, sc *saga.StepContext) error {
	var state reservation
	if ok, err := sc.State(&state); err != nil || !ok {
		return err
	}
	return w.inventory.Release(ctx, state.ReservationID)
}

func (w *Workflow) authorize(ctx context.Context, cart Cart, sc *saga.StepContext) (any, error) {
	id, err := w.payments.Authorize(ctx, AuthorizeRequest{
		Key:         sc.IdempotencyKey(),
		CartID:      cart.CartID,
		CustomerID:  cart.CustomerID,
		AmountCents: cart.AmountCents,
		Currency:    cart.Currency,
	})
	if err != nil {
		return nil, err
	}
	return authorization{AuthorizationID: id}, nil
}

func (w *Workflow) void(ctx context.Context, sc *saga.StepContext) error {
	var state authorization
	if ok, err := sc.State(&state); err != nil || !ok {
		return err
	}
	return w.payments.Void(ctx, state.AuthorizationID)
}

func (w *Workflow) createOrder(ctx context.Context, cart Cart, sc *saga.StepContext) (any, error) {
	var held reservation
	if _, err := sc.Lookup(StepReserveInventory, &held); err != nil {
		return nil, err
	}
	var auth authorization
	if _, err := sc.Lookup(StepAuthorizePayment, &auth); err != nil {
		return nil, err
	}

	var created order
	err := w.tx.Transaction(ctx, func(ctx context.Context) error {
		id, err := w.orders.Create(ctx, OrderRequest{
			Key:             sc.IdempotencyKey(),
			Cart:            cart,
			ReservationID:   held.ReservationID,
			AuthorizationID: auth.AuthorizationID,
		})
		if err != nil {
			return err
		}
		created = order{OrderID: id, CartID: cart.CartID}

		_, err = w.events.Enqueue(ctx, outbox.Event{
			AggregateType: aggregateOrder,
			AggregateID:   id,
			EventType:     EventOrderCreated,
			Payload: OrderCreated{
				OrderID:         id,
				CartID:          cart.CartID,
				CustomerID:      cart.CustomerID,
				AmountCents:     cart.AmountCents,
				Currency:        cart.Currency,
				AuthorizationID: auth.AuthorizationID,
			},
		}, sc.CorrelationID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (w *Workflow) cancelOrder(ctx context.Context, sc *saga.StepContext) error {
	var state order
	if ok, err := sc.State(&state); err != nil || !ok {
		return err
	}
	return w.tx.Transaction(ctx, func(ctx context.Context) error {
		cancelled, err := w.orders.Cancel(ctx, state.OrderID)
		if err != nil || !cancelled {
			return err
		}
		_, err = w.events.Enqueue(ctx, outbox.Event{
			AggregateType: aggregateOrder,
			AggregateID:   state.OrderID,
			EventType:     EventOrderCancelled,
			Payload:       OrderCancelled{OrderID: state.OrderID, CartID: state.CartID},
		}, sc.CorrelationID)
		return err
	})
}

func (w *Workflow) receipt(ctx context.Context, cart Cart, journal *saga.Journal) (Receipt, error) {
	var (
		held    reservation
		auth    authorization
		created order
	)
	for step, v := range map[string]any{
		StepReserveInventory: &held,
		StepAuthorizePayment: &auth,
		StepCreateOrder:      &created,
	} {
		if _, err := journal.Lookup(step, v); err != nil {
			return Receipt{}, err
		}
	}
	return Receipt{
		OrderID:         created.OrderID,
		ReservationID:   held.ReservationID,
		AuthorizationID: auth.AuthorizationID,
	}, nil
}
