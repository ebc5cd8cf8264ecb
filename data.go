package main

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// AsnRange maps an inclusive IPv4 range to the autonomous system announcing it.
type AsnRange struct {
	IPStart   uint32    `gorm:"column:ip_start;primaryKey;autoIncrement:false;index:ip2asn_idx_start" json:"ip_start"`
	IPEnd     uint32    `gorm:"column:ip_end;primaryKey;autoIncrement:false;index:ip2asn_idx_end" json:"ip_end"`
	ASN       uint32    `gorm:"column:asn;not null" json:"asn"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime:false;index:ip2asn_idx_updated_at" json:"updated_at"`
}

func (AsnRange) TableName() string {
	return "ip2asn"
}

func (r AsnRange) Contains(ip uint32) bool {
	return r.IPStart <= ip && ip <= r.IPEnd
}

func (r AsnRange) ASNString() string {
	return strconv.FormatUint(uint64(r.ASN), 10)
}

// RefreshStatus is the single row describing the last successful bulk refresh.
type RefreshStatus struct {
	ID          uint      `gorm:"primaryKey" json:"-"`
	LastUpdated time.Time `gorm:"column:last_updated" json:"last_updated"`
	Ranges      int       `gorm:"column:ranges" json:"ranges"`
	Source      string    `gorm:"column:source" json:"source"`
}

func (RefreshStatus) TableName() string {
	return "ip2asn_status"
}

// AsnFeedSource yields a complete snapshot of IPv4 range to ASN records.
type AsnFeedSource interface {
	Name() string
	Fetch(ctx context.Context) ([]AsnRange, error)
}

func BuildAsnFeedSource(conf *Config) (AsnFeedSource, error) {
	switch conf.AsnDB.Feed {
	case "", FeedIPToASN:
		return NewIPToASNFeedSource(conf.AsnDB.FeedURL, conf.AsnDB.FetchTimeout), nil
	case FeedMMDB:
		if conf.AsnDB.MMDBPath == "" {
			return nil, errors.New("mmdb feed requires asndb.mmdb_path")
		}
		return NewMMDBFeedSource(conf.AsnDB.MMDBPath), nil
	case FeedMaxmindCSV:
		return NewMaxmindCSVFeedSource(conf.AsnDB.FeedURL, conf.AsnDB.LicenseKey, conf.AsnDB.FetchTimeout)
	}
	return nil, errors.Errorf("unknown asn feed %q", conf.AsnDB.Feed)
}

func validateRanges(ranges []AsnRange) error {
	if len(ranges) == 0 {
		return ErrEmptyFeed
	}
	for _, r := range ranges {
		if r.IPStart > r.IPEnd {
			return errors.Errorf("invalid range %s-%s", uint32toIPv4String(r.IPStart), uint32toIPv4String(r.IPEnd))
		}
	}
	return nil
}
