package main

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/csv"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	FeedIPToASN = "iptoasn"
	FeedMMDB    = "mmdb"

	DefaultIPToASNURL = "https://iptoasn.com/data/ip2asn-v4-u32.tsv.gz"

	rangesInitCount        = 500000
	defaultDownloadTimeout = 2 * time.Minute
)

// IPToASNFeedSource downloads the iptoasn.com u32 TSV dump:
//
//	range_start  range_end  AS_number  country_code  AS_description
//
// The body may be gzip-compressed.
type IPToASNFeedSource struct {
	url    string
	client *http.Client
}

func NewIPToASNFeedSource(url string, timeout time.Duration) *IPToASNFeedSource {
	if url == "" {
		url = DefaultIPToASNURL
	}
	if timeout <= 0 {
		timeout = defaultDownloadTimeout
	}
	return &IPToASNFeedSource{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (s *IPToASNFeedSource) Name() string {
	return FeedIPToASN
}

func (s *IPToASNFeedSource) Fetch(ctx context.Context) ([]AsnRange, error) {
	logrus.Debugf("downloading asn ranges from %s", s.url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "unable to build feed request")
	}
	req.Header.Set("User-Agent", userAgent())

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "GET", URL: s.url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &TransportError{Op: "GET", URL: s.url, StatusCode: resp.StatusCode}
	}

	body, err := maybeGunzip(bufio.NewReader(resp.Body))
	if err != nil {
		return nil, err
	}

	ranges, err := parseIPToASN(body)
	if err != nil {
		return nil, err
	}
	logrus.Debugf("got %d asn ranges", len(ranges))
	return ranges, nil
}

// maybeGunzip sniffs the gzip magic bytes instead of trusting headers or file names.
func maybeGunzip(r *bufio.Reader) (io.Reader, error) {
	magic, err := r.Peek(2)
	if err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "unable to read feed")
	}
	if bytes.Equal(magic, []byte{0x1f, 0x8b}) {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, errors.Wrap(err, "unable to open gzip stream")
		}
		return gz, nil
	}
	return r, nil
}

func parseIPToASN(r io.Reader) ([]AsnRange, error) {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = true

	ranges := make([]AsnRange, 0, rangesInitCount)
	line := 0
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, errors.Wrap(err, "TSV reading error")
		}
		if len(record) < 3 {
			return nil, errors.Errorf("line %d: expected at least 3 fields, got %d", line, len(record))
		}

		start, err := strconv.ParseUint(record[0], 10, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d: unable to parse range start", line)
		}
		end, err := strconv.ParseUint(record[1], 10, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d: unable to parse range end", line)
		}
		asn, err := strconv.ParseUint(record[2], 10, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d: unable to parse asn", line)
		}
		// AS 0 marks ranges that are not routed.
		if asn == 0 {
			continue
		}
		if start > end {
			return nil, errors.Errorf("line %d: range start %d is after range end %d", line, start, end)
		}
		ranges = append(ranges, AsnRange{
			IPStart: uint32(start),
			IPEnd:   uint32(end),
			ASN:     uint32(asn),
		})
	}
	return ranges, nil
}
