package main

import (
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testIPToASN = "16777216\t16777471\t13335\tUS\tCLOUDFLARENET\n" +
	"16777472\t16778239\t0\tNone\tNot routed\n" +
	"16778240\t16779263\t38803\tAU\tWPL-AS-AP \"Wirefreebroadband\"\n"

func gzipBytes(t *testing.T, s string) []byte {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestParseIPToASN(t *testing.T) {
	ranges, err := parseIPToASN(strings.NewReader(testIPToASN))
	require.NoError(t, err)
	require.Len(t, ranges, 2)

	assert.Equal(t, AsnRange{IPStart: 16777216, IPEnd: 16777471, ASN: 13335}, ranges[0])
	assert.Equal(t, uint32(38803), ranges[1].ASN)
}

func TestParseIPToASNErrors(t *testing.T) {
	_, err := parseIPToASN(strings.NewReader("1\t2\n"))
	assert.Error(t, err)

	_, err = parseIPToASN(strings.NewReader("x\t2\t3\n"))
	assert.Error(t, err)

	_, err = parseIPToASN(strings.NewReader("20\t10\t3\n"))
	assert.Error(t, err)
}

func TestIPToASNFeedSource(t *testing.T) {
	for name, body := range map[string][]byte{
		"plain": []byte(testIPToASN),
		"gzip":  gzipBytes(t, testIPToASN),
	} {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, userAgent(), r.Header.Get("User-Agent"))
				_, _ = w.Write(body)
			}))
			defer srv.Close()

			ranges, err := NewIPToASNFeedSource(srv.URL, 0).Fetch(context.Background())
			require.NoError(t, err)
			assert.Len(t, ranges, 2)
		})
	}
}

func TestIPToASNFeedSourceBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewIPToASNFeedSource(srv.URL, 0).Fetch(context.Background())
	var transportErr *TransportError
	require.True(t, errors.As(err, &transportErr))
	assert.Equal(t, http.StatusBadGateway, transportErr.StatusCode)
}

func testGeoliteZip(t *testing.T) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("GeoLite2-ASN-CSV_20240501/" + AsnIPV4BlocksFileName)
	require.NoError(t, err)
	_, err = w.Write([]byte("network,autonomous_system_number,autonomous_system_organization\n" +
		"1.0.0.0/24,13335,CLOUDFLARENET\n" +
		"1.0.4.0/22,38803,\"Wirefreebroadband Pty Ltd\"\n" +
		"1.0.16.0/24,,\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestMaxmindCSVFeedSource(t *testing.T) {
	content := testGeoliteZip(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(content)
	}))
	defer srv.Close()

	source, err := NewMaxmindCSVFeedSource(srv.URL, "", 0)
	require.NoError(t, err)
	ranges, err := source.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, ranges, 2)

	start, _ := ipv4toUint32("1.0.0.0")
	end, _ := ipv4toUint32("1.0.0.255")
	assert.Equal(t, AsnRange{IPStart: start, IPEnd: end, ASN: 13335}, ranges[0])

	start, _ = ipv4toUint32("1.0.4.0")
	end, _ = ipv4toUint32("1.0.7.255")
	assert.Equal(t, AsnRange{IPStart: start, IPEnd: end, ASN: 38803}, ranges[1])
}

func TestMaxmindCSVFeedSourceURL(t *testing.T) {
	_, err := NewMaxmindCSVFeedSource("", "", 0)
	assert.Error(t, err)

	source, err := NewMaxmindCSVFeedSource("", "secret", 0)
	require.NoError(t, err)
	assert.Contains(t, source.url, "license_key=secret")
	assert.Contains(t, source.url, "edition_id=GeoLite2-ASN-CSV")
	assert.NotContains(t, redactURL(source.url), "secret")
}

func TestExtractZipFileMissing(t *testing.T) {
	_, err := extractZipFile(testGeoliteZip(t), "GeoLite2-ASN-Blocks-IPv6.csv")
	assert.Error(t, err)
}

func TestBuildAsnFeedSource(t *testing.T) {
	conf := DefaultConfig()
	source, err := BuildAsnFeedSource(conf)
	require.NoError(t, err)
	assert.Equal(t, FeedIPToASN, source.Name())

	conf.AsnDB.Feed = FeedMMDB
	_, err = BuildAsnFeedSource(conf)
	assert.Error(t, err)
	conf.AsnDB.MMDBPath = "GeoLite2-ASN.mmdb"
	source, err = BuildAsnFeedSource(conf)
	require.NoError(t, err)
	assert.Equal(t, FeedMMDB, source.Name())

	conf.AsnDB.Feed = "nope"
	_, err = BuildAsnFeedSource(conf)
	assert.Error(t, err)
}

func TestMMDBFeedSourceMissingFile(t *testing.T) {
	_, err := NewMMDBFeedSource("does-not-exist.mmdb").Fetch(context.Background())
	assert.Error(t, err)
}

func TestMMDBFeedSourceFetch(t *testing.T) {
	// both databases hold 1.0.0.0/24, 8.8.8.0/24 and an asn-less 10.0.0.0/8,
	// the v6 one also 2001:db8::/32
	expected := []AsnRange{
		{IPStart: 16777216, IPEnd: 16777471, ASN: 13335},
		{IPStart: 134744064, IPEnd: 134744319, ASN: 15169},
	}

	for _, path := range []string{
		"testdata/GeoLite2-ASN-Test-v4.mmdb",
		"testdata/GeoLite2-ASN-Test-v6.mmdb",
	} {
		t.Run(path, func(t *testing.T) {
			ranges, err := NewMMDBFeedSource(path).Fetch(context.Background())
			require.NoError(t, err)
			assert.Equal(t, expected, ranges)
		})
	}
}

func TestMMDBFeedSourceFetchCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMMDBFeedSource("testdata/GeoLite2-ASN-Test-v6.mmdb").Fetch(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
