// Package models defines the persistence models for the CareLink backend.
package models

import "time"

// User represents an account that can authenticate against the API.
// Doctors belong to exactly one hospital; customers associate with a hospital
// by redeeming one of its signup codes.
type User struct {
	ID           string     `db:"id" json:"id"`
	Email        string     `db:"email" json:"email"`
	PasswordHash string     `db:"password_hash" json:"-"`
	Role         string     `db:"role" json:"role"`
	HospitalID   *string    `db:"hospital_id" json:"hospital_id,omitempty"`
	HospitalName *string    `db:"hospital_name" json:"hospital_name,omitempty"`
	Specialty    *string    `db:"specialty" json:"specialty,omitempty"`
	City         *string    `db:"city" json:"city,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    *time.Time `db:"updated_at" json:"updated_at,omitempty"`
}
