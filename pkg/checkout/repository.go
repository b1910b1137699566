package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/flowforge/sagaflow/pkg/model"
	"github.com/flowforge/sagaflow/pkg/store"
)

const (
	ReservationStatusHeld     = "HELD"
	ReservationStatusReleased = "RELEASED"

	AuthorizationStatusApproved = "AUTHORIZED"
	AuthorizationStatusVoided   = "VOIDED"

	OrderStatusPlaced    = "PLACED"
	OrderStatusCancelled = "CANCELLED"
)

type StockItem struct {
	SKU       string `gorm:"type:varchar(64);primaryKey"`
	Available int    `gorm:"not null;default:0"`
	UpdatedAt time.Time
}

func (StockItem) TableName() string {
	return "checkout_stock"
}

type Reservation struct {
	ID             uuid.UUID  `gorm:"type:char(36);primaryKey"`
	IdempotencyKey string     `gorm:"type:varchar(255);uniqueIndex;not null"`
	CartID         string     `gorm:"type:varchar(64);index;not null"`
	Items          model.JSON `gorm:"not null"`
	Status         string     `gorm:"type:varchar(16);not null"`
	CreatedAt      time.Time
	ReleasedAt     *time.Time
}

func (Reservation) TableName() string {
	return "checkout_reservations"
}

type Authorization struct {
	ID             uuid.UUID `gorm:"type:char(36);primaryKey"`
	IdempotencyKey string    `gorm:"type:varchar(255);uniqueIndex;not null"`
	CartID         string    `gorm:"type:varchar(64);index;not null"`
	CustomerID     string    `gorm:"type:varchar(64);not null"`
	AmountCents    int64     `gorm:"not null"`
	Currency       string    `gorm:"type:char(3);not null"`
	Status         string    `gorm:"type:varchar(16);not null"`
	CreatedAt      time.Time
	VoidedAt       *time.Time
}

func (Authorization) TableName() string {
	return "checkout_authorizations"
}

type Order struct {
	ID              uuid.UUID `gorm:"type:char(36);primaryKey"`
	IdempotencyKey  string    `gorm:"type:varchar(255);uniqueIndex;not null"`
	CartID          string    `gorm:"type:varchar(64);index;not null"`
	CustomerID      string    `gorm:"type:varchar(64);not null"`
	ReservationID   string    `gorm:"type:char(36);not null"`
	AuthorizationID string    `gorm:"type:char(36);not null"`
	AmountCents     int64     `gorm:"not null"`
	Currency        string    `gorm:"type:char(3);not null"`
	Status          string    `gorm:"type:varchar(16);not null"`
	CreatedAt       time.Time
	CancelledAt     *time.Time
}

func (Order) TableName() string {
	return "checkout_orders"
}

// DB is the part of the store the repository needs.
type DB interface {
	store.Transactor
	Conn(ctx context.Context) *gorm.DB
}

// Repository keeps stock, payment authorizations and orders in the workflow
// database. Every write is keyed by the step's idempotency key, so a step
// replayed after a crash finds the row it already wrote.
type Repository struct {
	db         DB
	limitCents int64
}

// NewRepository declines authorizations above limitCents. A limit of zero
// disables the check.
func NewRepository(db DB, limitCents int64) *Repository {
	return &Repository{db: db, limitCents: limitCents}
}

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&StockItem{}, &Reservation{}, &Authorization{}, &Order{})
}

// Restock adds quantity units of sku.
func (r *Repository) Restock(ctx context.Context, sku string, quantity int) error {
	item := StockItem{SKU: sku, Available: quantity}
	return r.db.Conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "sku"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"available": gorm.Expr("checkout_stock.available + ?", quantity)}),
	}).Create(&item).Error
}

func (r *Repository) Available(ctx context.Context, sku string) (int, error) {
	var item StockItem
	err := r.db.Conn(ctx).First(&item, "sku = ?", sku).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	return item.Available, err
}

func (r *Repository) Reserve(ctx context.Context, req ReserveRequest) (string, error) {
	items, err := model.MarshalJSON(req.Items)
	if err != nil {
		return "", err
	}

	var id uuid.UUID
	err = r.db.Transaction(ctx, func(ctx context.Context) error {
		var existing Reservation
		found, err := r.byKey(ctx, &existing, req.Key)
		if err != nil || found {
			id = existing.ID
			return err
		}

		for _, item := range req.Items {
			result := r.db.Conn(ctx).Model(&StockItem{}).
				Where("sku = ? AND available >= ?", item.SKU, item.Quantity).
				Update("available", gorm.Expr("available - ?", item.Quantity))
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return fmt.Errorf("%w: %s", ErrOutOfStock, item.SKU)
			}
		}

		held := Reservation{
			ID:             uuid.New(),
			IdempotencyKey: req.Key,
			CartID:         req.CartID,
			Items:          items,
			Status:         ReservationStatusHeld,
		}
		id = held.ID
		return r.db.Conn(ctx).Create(&held).Error
	})
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Release puts the reserved units back. Releasing twice is a no-op.
func (r *Repository) Release(ctx context.Context, reservationID string) error {
	return r.db.Transaction(ctx, func(ctx context.Context) error {
		var held Reservation
		if err := r.db.Conn(ctx).First(&held, "id = ?", reservationID).Error; err != nil {
			return notFound("reservation", reservationID, err)
		}
		if held.Status == ReservationStatusReleased {
			return nil
		}

		var items []Item
		if err := json.Unmarshal(held.Items, &items); err != nil {
			return err
		}
		for _, item := range items {
			if err := r.db.Conn(ctx).Model(&StockItem{}).
				Where("sku = ?", item.SKU).
				Update("available", gorm.Expr("available + ?", item.Quantity)).Error; err != nil {
				return err
			}
		}

		now := time.Now().UTC()
		return r.db.Conn(ctx).Model(&held).
			Where("status = ?", ReservationStatusHeld).
			Updates(map[string]interface{}{"status": ReservationStatusReleased, "released_at": &now}).Error
	})
}

func (r *Repository) Authorize(ctx context.Context, req AuthorizeRequest) (string, error) {
	if r.limitCents > 0 && req.AmountCents > r.limitCents {
		return "", fmt.Errorf("%w: %d %s exceeds the authorization limit", ErrPaymentDeclined, req.AmountCents, req.Currency)
	}

	var existing Authorization
	found, err := r.byKey(ctx, &existing, req.Key)
	if err != nil {
		return "", err
	}
	if found {
		return existing.ID.String(), nil
	}

	auth := Authorization{
		ID:             uuid.New(),
		IdempotencyKey: req.Key,
		CartID:         req.CartID,
		CustomerID:     req.CustomerID,
		AmountCents:    req.AmountCents,
		Currency:       req.Currency,
		Status:         AuthorizationStatusApproved,
	}
	if err := r.db.Conn(ctx).Create(&auth).Error; err != nil {
		return "", err
	}
	return auth.ID.String(), nil
}

func (r *Repository) Void(ctx context.Context, authorizationID string) error {
	now := time.Now().UTC()
	result := r.db.Conn(ctx).Model(&Authorization{}).
		Where("id = ? AND status = ?", authorizationID, AuthorizationStatusApproved).
		Updates(map[string]interface{}{"status": AuthorizationStatusVoided, "voided_at": &now})
	if result.Error != nil || result.RowsAffected > 0 {
		return result.Error
	}
	return r.exists(ctx, &Authorization{}, "authorization", authorizationID)
}

func (r *Repository) Create(ctx context.Context, req OrderRequest) (string, error) {
	var existing Order
	found, err := r.byKey(ctx, &existing, req.Key)
	if err != nil {
		return "", err
	}
	if found {
		return existing.ID.String(), nil
	}

	placed := Order{
		ID:              uuid.New(),
		IdempotencyKey:  req.Key,
		CartID:          req.Cart.CartID,
		CustomerID:      req.Cart.CustomerID,
		ReservationID:   req.ReservationID,
		AuthorizationID: req.AuthorizationID,
		AmountCents:     req.Cart.AmountCents,
		Currency:        req.Cart.Currency,
		Status:          OrderStatusPlaced,
	}
	if err := r.db.Conn(ctx).Create(&placed).Error; err != nil {
		return "", err
	}
	return placed.ID.String(), nil
}

func (r *Repository) Cancel(ctx context.Context, orderID string) (bool, error) {
	now := time.Now().UTC()
	result := r.db.Conn(ctx).Model(&Order{}).
		Where("id = ? AND status = ?", orderID, OrderStatusPlaced).
		Updates(map[string]interface{}{"status": OrderStatusCancelled, "cancelled_at": &now})
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected > 0 {
		return true, nil
	}
	return false, r.exists(ctx, &Order{}, "order", orderID)
}

func (r *Repository) Orders(ctx context.Context, cartID string) ([]Order, error) {
	var orders []Order
	err := r.db.Conn(ctx).Where("cart_id = ?", cartID).Order("created_at ASC").Find(&orders).Error
	return orders, err
}

func (r *Repository) byKey(ctx context.Context, dest interface{}, key string) (bool, error) {
	err := r.db.Conn(ctx).Where("idempotency_key = ?", key).First(dest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (r *Repository) exists(ctx context.Context, m interface{}, kind, id string) error {
	var count int64
	if err := r.db.Conn(ctx).Model(m).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, store.ErrNotFound)
	}
	return nil
}

func notFound(kind, id string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %s: %w", kind, id, store.ErrNotFound)
	}
	return err
}
