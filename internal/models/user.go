package models

import "time"

// User is the account the agent is logged in as.
type User struct {
	ID        int       `json:"id" validate:"required"`
	Username  string    `json:"username" validate:"required"`
	Admin     bool      `json:"admin"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Device is a tracked device owned by the user.
type Device struct {
	ID             int       `json:"id" validate:"required"`
	UserID         int       `json:"user_id"`
	Name           string    `json:"name" validate:"required"`
	Icon           string    `json:"icon,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	LatestLocation *Location `json:"latest_location,omitempty"`
}

// Location is a position report as stored by the server.
type Location struct {
	ID               int       `json:"id,omitempty"`
	DeviceID         int       `json:"device_id"`
	Latitude         float64   `json:"latitude"`
	Longitude        float64   `json:"longitude"`
	Altitude         *float64  `json:"altitude,omitempty"`
	Accuracy         *float64  `json:"accuracy,omitempty"`
	AltitudeAccuracy *float64  `json:"altitude_accuracy,omitempty"`
	Battery          *int      `json:"battery,omitempty"`
	CreatedAt        time.Time `json:"created_at,omitempty"`
}
