package models

import "time"

// Business is the tenant a payment event belongs to. The webhook subsystem
// only reads it, to resolve business ids and to search logs by name.
type Business struct {
	ID                   string    `gorm:"type:varchar(64);primaryKey" json:"id"`
	Name                 string    `gorm:"type:varchar(191);not null;index" json:"name"`
	Email                string    `gorm:"type:varchar(200);index" json:"email"`
	PaystackCustomerCode string    `gorm:"type:varchar(100);index" json:"paystack_customer_code"`
	CreatedAt            time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
