package main

import (
	"context"

	"github.com/oschwald/maxminddb-golang"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go4.org/netipx"
)

// asnRecord is the GeoLite2-ASN record layout.
type asnRecord struct {
	AutonomousSystemNumber       uint   `maxminddb:"autonomous_system_number"`
	AutonomousSystemOrganization string `maxminddb:"autonomous_system_organization"`
}

// MMDBFeedSource walks a local GeoLite2-ASN (or compatible) database and emits
// every IPv4 network as a range.
type MMDBFeedSource struct {
	path string
}

func NewMMDBFeedSource(path string) *MMDBFeedSource {
	return &MMDBFeedSource{path: path}
}

func (s *MMDBFeedSource) Name() string {
	return FeedMMDB
}

func (s *MMDBFeedSource) Fetch(ctx context.Context) ([]AsnRange, error) {
	db, err := maxminddb.Open(s.path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open %s", s.path)
	}
	defer db.Close()

	logrus.Debugf("reading %s database built at epoch %d", db.Metadata.DatabaseType, db.Metadata.BuildEpoch)

	ranges := make([]AsnRange, 0, rangesInitCount)
	networks := db.Networks(maxminddb.SkipAliasedNetworks)
	for networks.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var record asnRecord
		network, err := networks.Network(&record)
		if err != nil {
			return nil, errors.Wrap(err, "unable to decode mmdb record")
		}
		if record.AutonomousSystemNumber == 0 {
			continue
		}
		prefix, ok := netipx.FromStdIPNet(network)
		if !ok {
			continue
		}
		prefix = unmapPrefix(prefix)
		if !prefix.Addr().Is4() {
			continue
		}
		start, end, err := prefixToIPv4Range(prefix)
		if err != nil {
			return nil, err
		}
		ranges = append(ranges, AsnRange{
			IPStart: start,
			IPEnd:   end,
			ASN:     uint32(record.AutonomousSystemNumber),
		})
	}
	if err := networks.Err(); err != nil {
		return nil, errors.Wrap(err, "unable to walk mmdb networks")
	}
	return ranges, nil
}
