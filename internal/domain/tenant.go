package domain

import "time"

// Tenant is an isolation boundary. Every other row is scoped by tenant ID.
// The enroll secret is only ever stored as a SHA-256 hash.
type Tenant struct {
	ID         string    `json:"id" db:"id"`
	Name       string    `json:"name" db:"name"`
	SecretHash string    `json:"-" db:"secret_hash"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// CreateTenantRequest is the request body for creating a tenant.
type CreateTenantRequest struct {
	Name string `json:"name"`
}

// TenantSecretResponse is returned when a tenant is created or its enroll
// secret is rotated. The secret is only shown once.
type TenantSecretResponse struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	EnrollSecret string    `json:"enroll_secret"`
	CreatedAt    time.Time `json:"created_at"`
}
