package state

import (
	"database/sql"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/jmoiron/sqlx"

	"github.com/remctl/gateway/sqlutil"
)

// DeviceMetadata is the free-form hardware/network info a device reports at
// registration. Stored as a single CBOR blob so new fields don't need a
// migration.
type DeviceMetadata struct {
	Model       string `cbor:"model,omitempty"`
	OSVersion   string `cbor:"os_version,omitempty"`
	NetworkType string `cbor:"network_type,omitempty"`
	IPAddress   string `cbor:"ip_address,omitempty"`
}

type Device struct {
	DeviceID          string    `db:"device_id"`
	RegistrationKey   string    `db:"registration_key"`
	DeregistrationKey string    `db:"deregistration_key"`
	Status            string    `db:"status"`
	LastActiveTime    time.Time `db:"last_active_time"`
	Metadata          []byte    `db:"metadata"`

	// decoded from Metadata on select, not a column
	Info DeviceMetadata `db:"-"`
}

// DevicesTable is the device directory, keyed by registration key. Rows are
// provisioned ahead of time; registration binds a device ID to its key and
// fills in the rest.
type DevicesTable struct {
	db *sqlx.DB
}

func NewDevicesTable(db *sqlx.DB) *DevicesTable {
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS gateway_devices (
		registration_key TEXT NOT NULL PRIMARY KEY,
		device_id TEXT NOT NULL,
		deregistration_key TEXT NOT NULL,
		status TEXT NOT NULL,
		last_active_time TIMESTAMPTZ NOT NULL,
		metadata BYTEA NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS gateway_devices_device_id_idx
		ON gateway_devices(device_id) WHERE device_id <> '';`)
	return &DevicesTable{db: db}
}

// ProvisionDevice creates an unbound directory row for a registration key.
// Registration later binds a device ID to it. No-op if the key already exists.
func (t *DevicesTable) ProvisionDevice(registrationKey string, now time.Time) error {
	metadata, err := cbor.Marshal(DeviceMetadata{})
	if err != nil {
		return err
	}
	_, err = t.db.Exec(`
	INSERT INTO gateway_devices(registration_key, device_id, deregistration_key, status, last_active_time, metadata)
	VALUES($1, '', '', 'pending', $2, $3)
	ON CONFLICT (registration_key) DO NOTHING`,
		registrationKey, now, metadata)
	return err
}

// SelectByRegistrationKey returns the row owning the key, or nil if the key was
// never provisioned. A row with an empty DeviceID is provisioned but unbound.
func (t *DevicesTable) SelectByRegistrationKey(registrationKey string) (*Device, error) {
	var d Device
	err := t.db.Get(&d, `SELECT registration_key, device_id, deregistration_key, status, last_active_time, metadata
	FROM gateway_devices WHERE registration_key = $1`, registrationKey)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := cbor.Unmarshal(d.Metadata, &d.Info); err != nil {
		return nil, err
	}
	return &d, nil
}

// UpsertDevice binds a device to its registration key, or refreshes the row on
// re-registration. The caller resolves the deregistration key beforehand (keep
// the existing one unless the device presents a new one).
func (t *DevicesTable) UpsertDevice(deviceID, registrationKey, deregistrationKey string, info DeviceMetadata, now time.Time) error {
	metadata, err := cbor.Marshal(info)
	if err != nil {
		return err
	}
	_, err = t.db.Exec(`
	INSERT INTO gateway_devices(registration_key, device_id, deregistration_key, status, last_active_time, metadata)
	VALUES($1, $2, $3, 'active', $4, $5)
	ON CONFLICT (registration_key) DO UPDATE SET
		device_id = EXCLUDED.device_id,
		deregistration_key = EXCLUDED.deregistration_key,
		status = 'active',
		last_active_time = EXCLUDED.last_active_time,
		metadata = EXCLUDED.metadata`,
		registrationKey, deviceID, deregistrationKey, now, metadata)
	return err
}

// DeleteDevice removes a device if the presented deregistration key matches,
// purging its audit events in the same transaction. Returns false when the
// device is missing or the key is wrong.
func (t *DevicesTable) DeleteDevice(deviceID, deregistrationKey string) (bool, error) {
	var deleted bool
	err := sqlutil.WithTransaction(t.db, func(txn *sqlx.Tx) error {
		res, err := txn.Exec(
			`DELETE FROM gateway_devices WHERE device_id = $1 AND deregistration_key = $2`,
			deviceID, deregistrationKey,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		deleted = true
		_, err = txn.Exec(`DELETE FROM gateway_session_events WHERE device_id = $1`, deviceID)
		return err
	})
	if deleted {
		logger.Info().Str("device", deviceID).Msg("Deleting device")
	}
	return deleted, err
}

func (t *DevicesTable) IsRegistered(deviceID string) (bool, error) {
	var one int
	err := t.db.QueryRow(`SELECT 1 FROM gateway_devices WHERE device_id = $1`, deviceID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// UpdateStatus records the device's self-reported status and refreshes its
// last-active time.
func (t *DevicesTable) UpdateStatus(deviceID, status string, now time.Time) error {
	_, err := t.db.Exec(
		`UPDATE gateway_devices SET status = $1, last_active_time = $2 WHERE device_id = $3`,
		status, now, deviceID,
	)
	return err
}

func (t *DevicesTable) SelectDevice(deviceID string) (*Device, error) {
	var d Device
	err := t.db.Get(&d, `SELECT device_id, registration_key, deregistration_key, status, last_active_time, metadata
	FROM gateway_devices WHERE device_id = $1`, deviceID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := cbor.Unmarshal(d.Metadata, &d.Info); err != nil {
		return nil, err
	}
	return &d, nil
}

// SelectByStatus returns every device row with the given status, most recently
// active first.
func (t *DevicesTable) SelectByStatus(status string) ([]Device, error) {
	var devices []Device
	err := t.db.Select(&devices, `SELECT device_id, registration_key, deregistration_key, status, last_active_time, metadata
	FROM gateway_devices WHERE status = $1 ORDER BY last_active_time DESC`, status)
	if err != nil {
		return nil, err
	}
	for i := range devices {
		if err := cbor.Unmarshal(devices[i].Metadata, &devices[i].Info); err != nil {
			return nil, err
		}
	}
	return devices, nil
}
