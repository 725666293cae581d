package repository

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/salespath/webhooklog/app/models"
)

// businessRepository implements the BusinessRepository interface
type businessRepository struct {
	db *gorm.DB
}

// NewBusinessRepository creates a new business repository instance
func NewBusinessRepository(db *gorm.DB) BusinessRepository {
	return &businessRepository{db: db}
}

func (r *businessRepository) GetByID(ctx context.Context, id string) (*models.Business, error) {
	return r.first(ctx, "id = ?", strings.TrimSpace(id))
}

func (r *businessRepository) GetByCustomerCode(ctx context.Context, code string) (*models.Business, error) {
	return r.first(ctx, "paystack_customer_code = ?", strings.TrimSpace(code))
}

func (r *businessRepository) GetByEmail(ctx context.Context, email string) (*models.Business, error) {
	return r.first(ctx, "LOWER(email) = ?", strings.ToLower(strings.TrimSpace(email)))
}

func (r *businessRepository) first(ctx context.Context, query string, arg string) (*models.Business, error) {
	if arg == "" {
		return nil, ErrNotFound
	}
	var business models.Business
	err := r.db.WithContext(ctx).Where(query, arg).First(&business).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, storageErr("find business", err)
	}
	return &business, nil
}
