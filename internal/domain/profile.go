// Package domain defines the bot's persisted types and their store-backed repositories.
package domain

import "time"

// MaxPreferredSites caps how many sites a profile may link.
const MaxPreferredSites = 10

// Site is a betting site the user linked with /link_site.
type Site struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Verified bool   `json:"verified"`
}

// Profile is a Telegram user known to the bot.
type Profile struct {
	UserID          int64     `json:"user_id"`
	Username        string    `json:"username,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	DateOfBirth     string    `json:"date_of_birth,omitempty"`
	Country         string    `json:"country,omitempty"`
	PreferredSites  []Site    `json:"preferred_sites"`
	PreferredSports []string  `json:"preferred_sports"`
	Banned          bool      `json:"banned"`
}

// Complete reports whether both sign-in fields have been captured.
func (p Profile) Complete() bool {
	return p.DateOfBirth != "" && p.Country != ""
}
