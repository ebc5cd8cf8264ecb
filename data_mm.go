package main

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	FeedMaxmindCSV = "maxmind-csv"

	MaxmindDownloadURL    = "https://download.maxmind.com/app/geoip_download"
	AsnIPV4BlocksFileName = "GeoLite2-ASN-Blocks-IPv4.csv"

	maxmindEdition = "GeoLite2-ASN-CSV"
)

// MaxmindCSVFeedSource downloads the GeoLite2-ASN CSV archive and reads the
// IPv4 blocks file out of it:
//
//	network,autonomous_system_number,autonomous_system_organization
type MaxmindCSVFeedSource struct {
	url    string
	client *http.Client
}

// NewMaxmindCSVFeedSource uses rawURL when set, otherwise the MaxMind download
// endpoint for licenseKey.
func NewMaxmindCSVFeedSource(rawURL, licenseKey string, timeout time.Duration) (*MaxmindCSVFeedSource, error) {
	if rawURL == "" {
		if licenseKey == "" {
			return nil, errors.New("maxmind-csv feed requires asndb.feed_url or asndb.license_key")
		}
		q := url.Values{}
		q.Set("edition_id", maxmindEdition)
		q.Set("license_key", licenseKey)
		q.Set("suffix", "zip")
		rawURL = MaxmindDownloadURL + "?" + q.Encode()
	}
	if timeout <= 0 {
		timeout = defaultDownloadTimeout
	}
	return &MaxmindCSVFeedSource{
		url:    rawURL,
		client: &http.Client{Timeout: timeout},
	}, nil
}

func (s *MaxmindCSVFeedSource) Name() string {
	return FeedMaxmindCSV
}

func (s *MaxmindCSVFeedSource) Fetch(ctx context.Context) ([]AsnRange, error) {
	logrus.Debug("start geolite asn blocks downloading")

	content, err := s.download(ctx)
	if err != nil {
		return nil, err
	}
	blocks, err := extractZipFile(content, AsnIPV4BlocksFileName)
	if err != nil {
		return nil, err
	}
	ranges, err := parseAsnBlocks(bytes.NewReader(blocks))
	if err != nil {
		return nil, err
	}

	logrus.Debugf("got %d asn blocks", len(ranges))
	return ranges, nil
}

func (s *MaxmindCSVFeedSource) download(ctx context.Context) ([]byte, error) {
	redacted := redactURL(s.url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "unable to build feed request")
	}
	req.Header.Set("User-Agent", userAgent())

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "GET", URL: redacted, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &TransportError{Op: "GET", URL: redacted, StatusCode: resp.StatusCode}
	}

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: "read", URL: redacted, Err: err}
	}

	logrus.Debugf("downloaded zip file, %d bytes", len(content))
	return content, nil
}

// extractZipFile returns the content of the first archive entry whose name ends with suffix.
func extractZipFile(content []byte, suffix string) ([]byte, error) {
	archive, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, errors.Wrap(err, "unable to open zip archive")
	}

	for _, f := range archive.File {
		if !strings.HasSuffix(f.Name, suffix) {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, errors.Wrap(err, "can't open file in archive")
		}
		defer rc.Close()

		bs, err := io.ReadAll(rc)
		if err != nil {
			return nil, errors.Wrap(err, "can't read file in archive")
		}
		return bs, nil
	}
	return nil, errors.Errorf("%s not found in archive", suffix)
}

func parseAsnBlocks(b io.Reader) ([]AsnRange, error) {
	r := csv.NewReader(b)
	r.FieldsPerRecord = -1
	ranges := make([]AsnRange, 0, rangesInitCount)
	k := 0
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "CSV reading error")
		}
		if k != 0 && len(record) >= 2 && record[1] != "" {
			asn, err := strconv.ParseUint(record[1], 10, 32)
			if err != nil {
				return nil, errors.Wrap(err, "unable to parse block asn")
			}
			start, end, err := cidrToIPv4Range(record[0])
			if err != nil {
				return nil, errors.Wrap(err, "unable to parse CIDR")
			}
			ranges = append(ranges, AsnRange{
				IPStart: start,
				IPEnd:   end,
				ASN:     uint32(asn),
			})
		}
		k++
	}

	return ranges, nil
}
