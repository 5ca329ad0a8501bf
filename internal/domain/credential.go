package domain

import (
	"strconv"
	"strings"
	"time"
)

// AthleteProfile is the public athlete data returned by the token exchange.
type AthleteProfile struct {
	ID        int64  `json:"id"`
	Firstname string `json:"firstname"`
	Lastname  string `json:"lastname"`
	Profile   string `json:"profile"`
	City      string `json:"city,omitempty"`
	State     string `json:"state,omitempty"`
	Country   string `json:"country,omitempty"`
}

// FullName joins first and last name, tolerating either being empty.
func (p AthleteProfile) FullName() string {
	return strings.TrimSpace(p.Firstname + " " + p.Lastname)
}

// AccessCredential holds the OAuth tokens for one principal. It is written by
// the OAuth callback and the refresh flow; the aggregation engine only reads it.
type AccessCredential struct {
	ClientID     string         `json:"client_id"`
	ClientSecret string         `json:"client_secret,omitempty"`
	AthleteID    int64          `json:"athlete_id"`
	AthleteName  string         `json:"athlete_name"`
	AccessToken  string         `json:"access_token"`
	RefreshToken string         `json:"refresh_token"`
	ExpiresAt    int64          `json:"expires_at"`
	CreatedAt    time.Time      `json:"created_at"`
	Profile      AthleteProfile `json:"athlete_profile"`
}

// Principal returns the key the credential is stored under.
func (c AccessCredential) Principal() Principal {
	return Principal{ClientID: c.ClientID, AthleteID: c.AthleteID}
}

// Expired reports whether the access token's absolute expiry has passed.
func (c AccessCredential) Expired(now time.Time) bool {
	return now.Unix() >= c.ExpiresAt
}

func formatAthleteID(id int64) string {
	return strconv.FormatInt(id, 10)
}
