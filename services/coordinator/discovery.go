package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"escrowcoord/native/escrow"
)

// ErrListingNotFound is returned when no discovery listing exists for an
// agreement.
var ErrListingNotFound = errors.New("coordinator: listing not found")

// Listing is the discovery record of an agreement. Ledger-derived columns
// are kept in sync with the mirror on every refresh.
type Listing struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Agreement    string    `gorm:"size:42;uniqueIndex" json:"agreement"`
	Title        string    `gorm:"size:200" json:"title"`
	Description  string    `json:"description"`
	Collection   string    `gorm:"size:64;index" json:"collection,omitempty"`
	Client       string    `gorm:"size:42;index" json:"client"`
	Counterparty string    `gorm:"size:42" json:"counterparty,omitempty"`
	TotalAmount  string    `gorm:"size:80" json:"totalAmount"`
	Status       string    `gorm:"size:32;index" json:"status"`
	Block        uint64    `json:"block"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// ListingDraft carries the descriptive fields supplied by the client.
type ListingDraft struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Collection  string `json:"collection,omitempty"`
}

// ListingFilter narrows List results. Zero fields match everything.
type ListingFilter struct {
	Status     string
	Collection string
	Client     string
	Limit      int
}

// Discovery stores agreement listings.
type Discovery struct {
	db *gorm.DB
}

// OpenDiscovery opens the listing store. Driver is "postgres" or "sqlite".
func OpenDiscovery(driver, dsn string) (*Discovery, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres", "postgresql":
		dialector = postgres.Open(dsn)
	case "sqlite", "":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("coordinator: unsupported discovery driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open discovery store: %w", err)
	}
	return NewDiscovery(db)
}

// NewDiscovery wraps an existing connection and migrates the schema.
func NewDiscovery(db *gorm.DB) (*Discovery, error) {
	if db == nil {
		return nil, errors.New("coordinator: discovery database required")
	}
	if err := db.AutoMigrate(&Listing{}); err != nil {
		return nil, fmt.Errorf("migrate discovery store: %w", err)
	}
	return &Discovery{db: db}, nil
}

// Close releases the underlying connection pool.
func (d *Discovery) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Create records a listing for a freshly created agreement.
func (d *Discovery) Create(ctx context.Context, draft ListingDraft, snap *escrow.Snapshot) (*Listing, error) {
	if snap == nil {
		return nil, errors.New("coordinator: snapshot required for listing")
	}
	title := strings.TrimSpace(draft.Title)
	if title == "" {
		return nil, errors.New("coordinator: listing title required")
	}
	listing := &Listing{
		ID:          uuid.New(),
		Agreement:   addressKey(snap.Agreement.Address),
		Title:       title,
		Description: strings.TrimSpace(draft.Description),
		Collection:  strings.TrimSpace(draft.Collection),
	}
	applySnapshot(listing, snap)
	if err := d.db.WithContext(ctx).Create(listing).Error; err != nil {
		return nil, fmt.Errorf("create listing: %w", err)
	}
	return listing, nil
}

// Update replaces the descriptive fields of a listing.
func (d *Discovery) Update(ctx context.Context, agreement common.Address, draft ListingDraft) (*Listing, error) {
	var listing *Listing
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		listing, err = findListing(tx, agreement)
		if err != nil {
			return err
		}
		if title := strings.TrimSpace(draft.Title); title != "" {
			listing.Title = title
		}
		listing.Description = strings.TrimSpace(draft.Description)
		listing.Collection = strings.TrimSpace(draft.Collection)
		return tx.Save(listing).Error
	})
	if err != nil {
		return nil, err
	}
	return listing, nil
}

// Get returns the listing of an agreement.
func (d *Discovery) Get(ctx context.Context, agreement common.Address) (*Listing, error) {
	return findListing(d.db.WithContext(ctx), agreement)
}

// List returns listings newest first.
func (d *Discovery) List(ctx context.Context, filter ListingFilter) ([]Listing, error) {
	query := d.db.WithContext(ctx).Model(&Listing{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Collection != "" {
		query = query.Where("collection = ?", filter.Collection)
	}
	if filter.Client != "" {
		query = query.Where("client = ?", strings.ToLower(filter.Client))
	}
	limit := filter.Limit
	switch {
	case limit <= 0:
		limit = 100
	case limit > 500:
		limit = 500
	}
	var listings []Listing
	if err := query.Order("created_at desc").Limit(limit).Find(&listings).Error; err != nil {
		return nil, fmt.Errorf("list listings: %w", err)
	}
	return listings, nil
}

// SyncSnapshot copies ledger-derived fields into the agreement's listing.
// Agreements without a listing are ignored.
func (d *Discovery) SyncSnapshot(ctx context.Context, snap *escrow.Snapshot) error {
	if snap == nil {
		return nil
	}
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		listing, err := findListing(tx, snap.Agreement.Address)
		if err != nil {
			return err
		}
		if snap.Block < listing.Block {
			return nil
		}
		applySnapshot(listing, snap)
		return tx.Save(listing).Error
	})
	if errors.Is(err, ErrListingNotFound) {
		return nil
	}
	return err
}

func findListing(tx *gorm.DB, agreement common.Address) (*Listing, error) {
	var listing Listing
	err := tx.Where("agreement = ?", addressKey(agreement)).First(&listing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrListingNotFound, agreement.Hex())
	}
	if err != nil {
		return nil, err
	}
	return &listing, nil
}

func applySnapshot(listing *Listing, snap *escrow.Snapshot) {
	a := &snap.Agreement
	listing.Client = addressKey(a.Client)
	listing.Counterparty = ""
	if a.Counterparty != nil {
		listing.Counterparty = addressKey(*a.Counterparty)
	}
	listing.TotalAmount = "0"
	if a.TotalAmount != nil {
		listing.TotalAmount = a.TotalAmount.String()
	}
	listing.Status = a.Phase.String()
	listing.Block = snap.Block
}

func addressKey(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}
