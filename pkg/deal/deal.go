// Package deal contains the core domain types for the deal dripfeed engine.
package deal

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"time"
)

// Availability is the stock state reported by the catalog.
type Availability string

// InStock is the only availability that may be queued or scheduled.
const InStock Availability = "in_stock"

// Product represents a single catalog item as received in one fetch cycle.
type Product struct {
	ID           string       `json:"id"`
	GTIN         string       `json:"gtin,omitempty"`
	MPN          string       `json:"mpn,omitempty"`
	Availability Availability `json:"availability"`
	Price        float64      `json:"price"`
	SalePrice    float64      `json:"sale_price"`
	AdvertiserID string       `json:"advertiser_id"`
	TrackingLink string       `json:"tracking_link"`
	Title        string       `json:"title"`
	Description  string       `json:"description,omitempty"`
	ImageLink    string       `json:"image_link,omitempty"`
}

// Fingerprint is the dedup key of a product: its identity plus variant fields.
func (p *Product) Fingerprint() string {
	sum := sha256.Sum256([]byte(p.ID + "|" + p.GTIN + "|" + p.MPN))
	return hex.EncodeToString(sum[:])
}

// DiscountPercent returns the raw discount of the sale price against the list price.
func (p *Product) DiscountPercent() float64 {
	if p.Price <= 0 || p.SalePrice <= 0 || p.SalePrice >= p.Price {
		return 0
	}
	return (p.Price - p.SalePrice) / p.Price * 100
}

// RoundedDiscount returns the discount rounded to the nearest 5%, used for tagging only.
func (p *Product) RoundedDiscount() int {
	return int(math.Round(p.DiscountPercent()/5) * 5)
}

// Advertiser is the display metadata for a catalog advertiser.
type Advertiser struct {
	ID          string `json:"id"`
	DisplayName string `json:"name"`
	LogoURL     string `json:"logo_url,omitempty"`
}

// PostStatus mirrors the content-store publication state.
type PostStatus string

const (
	StatusPublish PostStatus = "publish"
	StatusFuture  PostStatus = "future"
)

// Schedule tells the content store when a post goes live.
type Schedule struct {
	Status PostStatus
	When   time.Time // local publish time; zero means now
}

// Post is a content-store entry created for one product.
type Post struct {
	PublishAt      time.Time  `json:"publish_at"`   // effective publish time, refreshed on reactivation
	ScheduledAt    time.Time  `json:"scheduled_at"` // slot assigned at creation, never changes
	CreatedAt      time.Time  `json:"created_at"`
	ArchivedAt     *time.Time `json:"archived_at,omitempty"`
	ID             string     `json:"id"`
	ProductID      string     `json:"product_id"`
	Fingerprint    string     `json:"fingerprint"`
	TrackingLink   string     `json:"tracking_link"`
	Title          string     `json:"title"`
	Description    string     `json:"description,omitempty"`
	ImageLink      string     `json:"image_link,omitempty"`
	AdvertiserID   string     `json:"advertiser_id"`
	AdvertiserName string     `json:"advertiser_name,omitempty"`
	Status         PostStatus `json:"status"`
	Price          float64    `json:"price"`
	SalePrice      float64    `json:"sale_price"`
	DiscountTag    int        `json:"discount_tag"`
	Archived       bool       `json:"archived"`
}

// CheckInterval is how often the catalog reconciler runs.
type CheckInterval string

const (
	Hourly     CheckInterval = "hourly"
	TwiceDaily CheckInterval = "twicedaily"
	Daily      CheckInterval = "daily"
)

// Duration returns the nominal period of the interval.
func (c CheckInterval) Duration() time.Duration {
	switch c {
	case TwiceDaily:
		return 12 * time.Hour
	case Daily:
		return 24 * time.Hour
	default:
		return time.Hour
	}
}

// Valid reports whether c is one of the known intervals.
func (c CheckInterval) Valid() bool {
	return c == Hourly || c == TwiceDaily || c == Daily
}

// Settings are the runtime knobs read from the settings store.
type Settings struct {
	CheckInterval           CheckInterval `json:"check_interval"`
	MinDiscountPercent      int           `json:"min_discount_percent"`
	MaxPostsPerDay          int           `json:"max_posts_per_day"`
	DripfeedIntervalMinutes int           `json:"dripfeed_interval_minutes"`
	AutomationEnabled       bool          `json:"automation_enabled"`
}

// DefaultSettings returns the values used when a key is missing or invalid.
func DefaultSettings() Settings {
	return Settings{
		AutomationEnabled:       false,
		MinDiscountPercent:      0,
		MaxPostsPerDay:          10,
		DripfeedIntervalMinutes: 60,
		CheckInterval:           Hourly,
	}
}

// Interval returns the dripfeed spacing as a duration.
func (s Settings) Interval() time.Duration {
	return time.Duration(s.DripfeedIntervalMinutes) * time.Minute
}

// ReconcileStats summarizes one catalog reconciliation run.
type ReconcileStats struct {
	RunAt        time.Time `json:"run_at"`
	TotalFetched int       `json:"total_fetched"`
	Eligible     int       `json:"eligible"`
	Archived     int       `json:"archived"`
	Reactivated  int       `json:"reactivated"`
	ArchiveTotal int       `json:"archive_total"`
}
