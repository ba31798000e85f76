package models

import "time"

// NoDevice is the device id stored when this installation represents no
// device. It is never registered with the server nor used to tag samples.
const NoDevice = -1

// Setting keys persisted in the settings table. The first four are readable
// by the background agent without user interaction.
const (
	KeyServer           = "ip"
	KeyAccessToken      = "access_token"
	KeyDeviceID         = "device_id"
	KeyLocationInterval = "location_update_interval"
	KeyRefreshToken     = "refresh_token"
	KeyUser             = "user"
)

// Setting is a single persisted key/value pair of agent state.
type Setting struct {
	Key       string `gorm:"primaryKey;size:64"`
	Value     string `gorm:"type:text;not null"`
	UpdatedAt time.Time
}
