package handlers

import (
	"time"

	"github.com/serroba/ratelimit-service/internal/audit"
)

// CategoryLimit describes one entry of the policy table.
type CategoryLimit struct {
	Category      string `doc:"Limit category"                  example:"auth" json:"category"`
	Capacity      int64  `doc:"Requests admitted per window"    example:"5"    json:"capacity"`
	WindowSeconds int64  `doc:"Window length in seconds"        example:"60"   json:"windowSeconds"`
	Default       bool   `doc:"Used for unrecognised categories"               json:"default"`
}

// PoliciesResponse is the response for the policy listing.
type PoliciesResponse struct {
	Body struct {
		DefaultCategory string          `doc:"Category enforced for unknown names" example:"api" json:"defaultCategory"`
		Limits          []CategoryLimit `doc:"Configured limits"                                 json:"limits"`
	}
}

// StatsResponse is the response for limiter statistics.
type StatsResponse struct {
	Body struct {
		TrackedKeys            int   `doc:"Request logs currently held in memory" json:"trackedKeys"`
		MaxWindowSeconds       int64 `doc:"Largest configured window"             json:"maxWindowSeconds"`
		CleanupIntervalSeconds int64 `doc:"Sweep period, 0 when disabled"         json:"cleanupIntervalSeconds"`
	}
}

// Quota is the usage of one category for one identifier.
type Quota struct {
	Category      string    `doc:"Enforced category"                  example:"api" json:"category"`
	Limit         int64     `doc:"Requests admitted per window"       example:"100" json:"limit"`
	Used          int64     `doc:"Requests counted in the window"     example:"12"  json:"used"`
	Remaining     int64     `doc:"Requests left in the window"        example:"88"  json:"remaining"`
	WindowSeconds int64     `doc:"Window length in seconds"           example:"60"  json:"windowSeconds"`
	ResetAt       time.Time `doc:"When the oldest counted request expires"          json:"resetAt"`
}

// UsageRequest identifies the caller to inspect or reset.
type UsageRequest struct {
	Identifier string `doc:"Client IP or user_<id>" example:"user_42" maxLength:"256" minLength:"1" path:"identifier"`
}

// UsageResponse lists quota for every category of one identifier.
type UsageResponse struct {
	Body struct {
		Identifier string  `doc:"Inspected identifier" example:"user_42" json:"identifier"`
		Quotas     []Quota `doc:"Usage per category"                     json:"quotas"`
	}
}

// ResetResponse is returned after an identifier has been reset.
type ResetResponse struct{}

// DenialsRequest is the request for recent denials.
type DenialsRequest struct {
	Limit int `default:"50" doc:"Maximum events to return" maximum:"500" minimum:"1" query:"limit"`
}

// DenialsResponse lists recent denial events, newest first.
type DenialsResponse struct {
	Body struct {
		Denials []audit.DenialEvent `doc:"Recent denials" json:"denials"`
	}
}

// QuotaResponse is the caller's own quota.
type QuotaResponse struct {
	Body struct {
		Identifier string `doc:"Identifier the caller is limited under" example:"203.0.113.7" json:"identifier"`
		Quota      Quota  `doc:"Usage of the api category"                                     json:"quota"`
	}
}
