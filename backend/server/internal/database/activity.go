package database

import (
	"context"
	"fmt"
	"time"
)

// IngestActivity tracks when each (user, machine) pair last uploaded, which
// collector version it runs, and from where. Written on every ingest; feeds
// the internal stats pages, never user-facing reads.
type IngestActivity struct {
	UserId     string    `json:"user_id"`
	MachineId  string    `json:"machine_id"`
	LastUpload time.Time `json:"last_upload"`
	NumUploads int       `json:"num_uploads"`
	Version    string    `json:"version"`
	LastIp     string    `json:"last_ip"`
}

func (db *DB) IngestActivityFindByUserAndMachine(ctx context.Context, userID, machineID string) ([]IngestActivity, error) {
	var activity []IngestActivity
	tx := db.WithContext(ctx).Where("user_id = ? AND machine_id = ?", userID, machineID).Find(&activity)
	if tx.Error != nil {
		return nil, fmt.Errorf("db.WithContext.Where.Find: %w", tx.Error)
	}

	return activity, nil
}

func (db *DB) CreateIngestActivity(ctx context.Context, activity *IngestActivity) error {
	tx := db.WithContext(ctx).Create(activity)
	if tx.Error != nil {
		return fmt.Errorf("db.WithContext.Create: %w", tx.Error)
	}

	return nil
}

func (db *DB) UpdateIngestActivity(ctx context.Context, userID, machineID string, lastUpload time.Time, lastIP string) error {
	tx := db.WithContext(ctx).Exec(
		"UPDATE ingest_activities SET num_uploads = COALESCE(num_uploads, 0) + 1, last_upload = ?, last_ip = ? WHERE user_id = ? AND machine_id = ?",
		lastUpload, lastIP, userID, machineID)
	if tx.Error != nil {
		return fmt.Errorf("db.WithContext.Exec: %w", tx.Error)
	}

	return nil
}

func (db *DB) UpdateIngestActivityVersion(ctx context.Context, userID, machineID, version string) error {
	tx := db.WithContext(ctx).Exec(
		"UPDATE ingest_activities SET version = ? WHERE user_id = ? AND machine_id = ?",
		version, userID, machineID)
	if tx.Error != nil {
		return fmt.Errorf("db.WithContext.Exec: %w", tx.Error)
	}

	return nil
}

func (db *DB) IngestActivityTotal(ctx context.Context) (int64, error) {
	type numUploadsProcessed struct {
		Total int
	}
	nup := numUploadsProcessed{}

	tx := db.WithContext(ctx).Model(&IngestActivity{}).Select("COALESCE(SUM(num_uploads), 0) as total").Find(&nup)
	if tx.Error != nil {
		return 0, fmt.Errorf("tx.Error: %w", tx.Error)
	}

	return int64(nup.Total), nil
}

func (db *DB) CountActiveMachines(ctx context.Context, since time.Duration) (int64, error) {
	var count int64
	tx := db.WithContext(ctx).Model(&IngestActivity{}).Where("last_upload > ?", db.Now().Add(-since)).Count(&count)
	if tx.Error != nil {
		return 0, fmt.Errorf("tx.Error: %w", tx.Error)
	}

	return count, nil
}

func (db *DB) DateOfLastRegistration(ctx context.Context) (string, error) {
	var machines []Machine
	tx := db.WithContext(ctx).Order("registration_date DESC").Limit(1).Find(&machines)
	if tx.Error != nil {
		return "", fmt.Errorf("tx.Error: %w", tx.Error)
	}
	if len(machines) == 0 {
		return "", nil
	}

	return machines[0].RegistrationDate.Format("2006-01-02 15:04:05"), nil
}

type IngestActivityStats struct {
	RegistrationDate time.Time
	NumMachines      int
	NumUploads       int
	LastUpload       time.Time
	IpAddresses      string
	Versions         string
}

const ingestActivityStatsQuery = `
	SELECT
		MIN(machines.registration_date) as registration_date,
		COUNT(DISTINCT machines.machine_id) as num_machines,
		COALESCE(SUM(ingest_activities.num_uploads), 0) as num_uploads,
		MAX(ingest_activities.last_upload) as last_upload,
		COALESCE(STRING_AGG(DISTINCT ingest_activities.last_ip, ', ') FILTER (WHERE ingest_activities.last_ip != 'Unknown' AND ingest_activities.last_ip != 'UnknownIp'), 'Unknown') as ip_addresses,
		STRING_AGG(DISTINCT ingest_activities.version, ', ') as versions
	FROM machines
	INNER JOIN ingest_activities ON machines.machine_id = ingest_activities.machine_id
	GROUP BY machines.user_id
	ORDER BY registration_date
	`

func (db *DB) IngestActivityStats(ctx context.Context) ([]*IngestActivityStats, error) {
	var resp []*IngestActivityStats

	rows, err := db.WithContext(ctx).Raw(ingestActivityStatsQuery).Rows()
	if err != nil {
		return nil, fmt.Errorf("db.WithContext.Raw.Rows: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var stats IngestActivityStats

		err := rows.Scan(
			&stats.RegistrationDate,
			&stats.NumMachines,
			&stats.NumUploads,
			&stats.LastUpload,
			&stats.IpAddresses,
			&stats.Versions,
		)
		if err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}

		resp = append(resp, &stats)
	}

	return resp, nil
}
