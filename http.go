package main

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	MaxIPsPerRequest = 100

	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 5 * time.Second
)

const usage = `
Usage:

curl -i "http://localhost:8080/killswitch"

200 "VPN on" when the public address belongs to the expected ASN,
503 "VPN off" when it does not or the last observation is stale,
500 when the state could not be determined.

curl "http://localhost:8080/status"

Local ASN database lookup, several addresses can be passed at once:

curl "http://localhost:8080/asn/132.99.75.15,99.12.44.52,3.24.12.85"

`

type Server struct {
	config  *Config
	gate    *Gate
	storage *AsnStorage
}

// NewServer builds the HTTP surface. storage may be nil when the ASN database is disabled.
func NewServer(config *Config, gate *Gate, storage *AsnStorage) *Server {
	return &Server{
		config:  config,
		gate:    gate,
		storage: storage,
	}
}

func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/", s.usage)
	r.GET("/health", s.health)
	r.GET("/killswitch", s.killSwitch)
	r.GET("/status", s.status)
	r.GET("/asn/:ips", s.resolveAsn)
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logrus.Infof("starting the HTTP server on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "http server")
	case <-ctx.Done():
	}

	logrus.Info("shutting down the HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "http server shutdown")
	}
	return nil
}

func (s *Server) usage(c *gin.Context) {
	c.String(http.StatusOK, usage)
}

func (s *Server) health(c *gin.Context) {
	c.String(http.StatusOK, "OK")
}

func (s *Server) killSwitch(c *gin.Context) {
	d := s.gate.Decide()

	c.Header("X-Killswitch-Reason", d.Reason)
	c.Header("X-Killswitch-Stale", strconv.FormatBool(d.Stale))
	if !d.ObservedAt.IsZero() {
		c.Header("X-Killswitch-Observed-At", d.ObservedAt.UTC().Format(time.RFC3339))
	}

	switch d.Verdict {
	case VerdictAllow:
		c.String(http.StatusOK, "VPN on")
	case VerdictDeny:
		logrus.WithField("reason", d.Reason).Debug("kill switch denied")
		c.String(http.StatusServiceUnavailable, "VPN off")
	default:
		logrus.WithField("reason", d.Reason).Warn("couldn't determine the vpn state")
		c.String(http.StatusInternalServerError, "couldn't determine the vpn state")
	}
}

func (s *Server) status(c *gin.Context) {
	d := s.gate.Decide()
	snapshot := s.gate.Cache().Snapshot()

	out := gin.H{
		"decision":             d,
		"rule":                 s.gate.Rule().String(),
		"consecutive_failures": snapshot.ConsecutiveFailures,
	}
	if !snapshot.LastAttemptAt.IsZero() {
		out["last_attempt_at"] = snapshot.LastAttemptAt
	}
	if snapshot.LastErr != nil {
		out["last_error"] = snapshot.LastErr.Error()
	}
	if s.storage != nil {
		out["asndb"] = s.storage.Status()
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) resolveAsn(c *gin.Context) {
	if s.storage == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"message": "asn database is disabled"})
		return
	}

	ips, err := parseIPS(c.Param("ips"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": fmt.Sprintf("%s", err)})
		return
	}
	keys := make([]uint32, len(ips))
	for i, ip := range ips {
		keys[i], _ = ipv4toUint32(ip)
	}

	ranges := s.storage.LookupMany(keys)
	out := make(map[string]uint32, len(ips))
	for i, r := range ranges {
		if r == nil {
			continue
		}
		out[ips[i]] = r.ASN
	}

	c.JSON(http.StatusOK, out)
}

func parseIPS(ips string) ([]string, error) {
	if ips == "" {
		return nil, errors.New("empty ip string passed")
	}

	out := make([]string, 0)
	parts := strings.Split(ips, ",")
	if len(parts) > MaxIPsPerRequest {
		return nil, errors.New("limit of ips in one request reached")
	}
	for _, ip := range parts {
		ip = strings.TrimSpace(ip)
		if _, err := parseIPv4(ip); err != nil {
			return nil, errors.New("not correct ipv4 passed")
		}
		out = append(out, ip)
	}

	if len(out) == 0 {
		return nil, errors.New("has no ip addresses to check")
	}

	return out, nil
}
