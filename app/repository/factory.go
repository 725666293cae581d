package repository

import (
	"sync"

	"gorm.io/gorm"
)

// Factory manages repository instances and ensures they are singletons
type Factory struct {
	db    *gorm.DB
	repos *Repositories
	once  sync.Once
}

// NewFactory creates a new repository factory
func NewFactory(db *gorm.DB) *Factory {
	return &Factory{
		db: db,
	}
}

// NewRepositories wires every GORM-backed repository to db.
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		WebhookLog: NewWebhookLogRepository(db),
		Effect:     NewEffectRepository(db),
		Business:   NewBusinessRepository(db),
	}
}

// GetRepositories returns a singleton instance of all repositories
func (f *Factory) GetRepositories() *Repositories {
	f.once.Do(func() {
		f.repos = NewRepositories(f.db)
	})
	return f.repos
}

