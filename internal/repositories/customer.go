package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/chatline-io/chatline/internal/db"
)

// gormCustomerRepository is the GORM implementation of CustomerRepository.
type gormCustomerRepository struct {
	db *gorm.DB
}

// NewCustomerRepository returns a CustomerRepository backed by the provided *gorm.DB.
func NewCustomerRepository(db *gorm.DB) CustomerRepository {
	return &gormCustomerRepository{db: db}
}

// Upsert returns the customer for visitorID, creating the record on first
// sight. Reconnects refresh last_active_at and any attrs the handshake
// supplied; empty attr fields leave stored values untouched. A concurrent
// first connection for the same visitor settles on the unique index — the
// loser re-reads the winner's row.
func (r *gormCustomerRepository) Upsert(ctx context.Context, visitorID string, attrs CustomerAttrs) (*db.Customer, error) {
	now := time.Now().UTC()

	var customer db.Customer
	err := r.db.WithContext(ctx).First(&customer, "visitor_id = ?", visitorID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		customer = db.Customer{
			VisitorID:    visitorID,
			Address:      attrs.Address,
			UserAgent:    attrs.UserAgent,
			Locale:       attrs.Locale,
			SourcePage:   attrs.SourcePage,
			Device:       attrs.Device,
			OS:           attrs.OS,
			Browser:      attrs.Browser,
			LastActiveAt: now,
		}
		if cerr := r.db.WithContext(ctx).Create(&customer).Error; cerr != nil {
			if !isUniqueViolation(cerr) {
				return nil, fmt.Errorf("customers: create: %w", cerr)
			}
			// Lost the race to a concurrent first connection.
			if rerr := r.db.WithContext(ctx).First(&customer, "visitor_id = ?", visitorID).Error; rerr != nil {
				return nil, fmt.Errorf("customers: reread after conflict: %w", rerr)
			}
		} else {
			return &customer, nil
		}
	} else if err != nil {
		return nil, fmt.Errorf("customers: get by visitor id: %w", err)
	}

	updates := map[string]any{"last_active_at": now}
	if attrs.Address != "" {
		updates["address"] = attrs.Address
	}
	if attrs.UserAgent != "" {
		updates["user_agent"] = attrs.UserAgent
	}
	if attrs.Locale != "" {
		updates["locale"] = attrs.Locale
	}
	if attrs.SourcePage != "" {
		updates["source_page"] = attrs.SourcePage
	}
	if attrs.Device != "" {
		updates["device"] = attrs.Device
	}
	if attrs.OS != "" {
		updates["os"] = attrs.OS
	}
	if attrs.Browser != "" {
		updates["browser"] = attrs.Browser
	}

	if err := r.db.WithContext(ctx).Model(&customer).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("customers: refresh: %w", err)
	}
	return &customer, nil
}

// GetByID retrieves a customer by its UUID.
func (r *gormCustomerRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Customer, error) {
	var customer db.Customer
	err := r.db.WithContext(ctx).First(&customer, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("customers: get by id: %w", err)
	}
	return &customer, nil
}

// GetByVisitorID retrieves a customer by its stable client-supplied identifier.
func (r *gormCustomerRepository) GetByVisitorID(ctx context.Context, visitorID string) (*db.Customer, error) {
	var customer db.Customer
	err := r.db.WithContext(ctx).First(&customer, "visitor_id = ?", visitorID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("customers: get by visitor id: %w", err)
	}
	return &customer, nil
}
