package models

import (
	"github.com/mmdatafocus/erp_backend/config"
)

// productionTables in dependency order.
var productionTables = []interface{}{
	&Product{}, &InventoryMovement{},
	&ProcessDefinition{},
	&Batch{}, &BatchEvent{},
	&PieceworkTicket{},
	&AIInsight{},
	&OutboxRecord{}, &IdempotencyKey{},
}

// MigrateTable runs AutoMigrate on startup and exits the process when it fails.
func MigrateTable() {
	if err := AutoMigrate(); err != nil {
		config.GetLogger().WithField("field", "migrations").Fatal(err.Error())
	}
}

// AutoMigrate is MigrateTable without the exit, for the admin CLI and tests.
func AutoMigrate() error {
	return config.GetDB().AutoMigrate(productionTables...)
}
