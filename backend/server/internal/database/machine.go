package database

import (
	"context"
	"fmt"
	"time"
)

type Machine struct {
	UserId    string `json:"user_id" gorm:"not null; uniqueIndex:machineUniqueIndex"`
	MachineId string `json:"machine_id" gorm:"not null; uniqueIndex:machineUniqueIndex"`
	// The IP address that was used to register the machine. Recorded so we
	// can count how many installs are active and roughly from where.
	RegistrationIp   string    `json:"registration_ip"`
	RegistrationDate time.Time `json:"registration_date"`
	// Test machines, that should be aggressively cleaned from the DB
	IsIntegrationTestMachine bool `json:"is_integration_test_machine"`
	// Whether the collector was uninstalled from this machine
	UninstallDate time.Time `json:"uninstall_date"`
}

func (db *DB) CountAllMachines(ctx context.Context) (int64, error) {
	var numMachines int64 = 0
	tx := db.WithContext(ctx).Model(&Machine{}).Count(&numMachines)
	if tx.Error != nil {
		return 0, fmt.Errorf("tx.Error: %w", tx.Error)
	}

	return numMachines, nil
}

func (db *DB) CountMachinesForUser(ctx context.Context, userID string) (int64, error) {
	var existingMachinesCount int64
	tx := db.WithContext(ctx).Model(&Machine{}).Where("user_id = ?", userID).Count(&existingMachinesCount)
	if tx.Error != nil {
		return 0, fmt.Errorf("tx.Error: %w", tx.Error)
	}

	return existingMachinesCount, nil
}

func (db *DB) CreateMachine(ctx context.Context, machine *Machine) error {
	tx := db.WithContext(ctx).Create(machine)
	if tx.Error != nil {
		return fmt.Errorf("tx.Error: %w", tx.Error)
	}

	return nil
}

// MachineExists reports whether the (user, machine) pair has registered
// before, so re-running the install flow stays idempotent.
func (db *DB) MachineExists(ctx context.Context, userID, machineID string) (bool, error) {
	var count int64
	tx := db.WithContext(ctx).Model(&Machine{}).Where("user_id = ? AND machine_id = ?", userID, machineID).Count(&count)
	if tx.Error != nil {
		return false, fmt.Errorf("tx.Error: %w", tx.Error)
	}

	return count > 0, nil
}

func (db *DB) MachinesForUser(ctx context.Context, userID string) ([]*Machine, error) {
	var machines []*Machine
	tx := db.WithContext(ctx).Where("user_id = ? AND (uninstall_date IS NULL OR uninstall_date < '1971-01-01')", userID).Find(&machines)
	if tx.Error != nil {
		return nil, fmt.Errorf("tx.Error: %w", tx.Error)
	}

	return machines, nil
}

func (db *DB) UninstallMachine(ctx context.Context, userID, machineID string) error {
	tx := db.WithContext(ctx).Model(&Machine{}).
		Where("user_id = ? AND machine_id = ?", userID, machineID).
		Update("uninstall_date", db.Now().UTC())
	if tx.Error != nil {
		return fmt.Errorf("tx.Error: %w", tx.Error)
	}

	return nil
}

func (db *DB) CountDistinctUsers(ctx context.Context) (int64, error) {
	row := db.WithContext(ctx).Raw("SELECT COUNT(DISTINCT user_id) FROM machines").Row()
	return extractInt64FromRow(row)
}
