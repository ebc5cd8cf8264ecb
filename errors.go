package main

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrBadIPAddr is returned when a provider reports something that is not an IPv4 address.
	ErrBadIPAddr = errors.New("invalid IP address")
	// ErrNormalization is returned when a provider response lacks required fields or is malformed.
	ErrNormalization = errors.New("malformed provider response")
	// ErrAllProvidersFailed is returned by the consensus resolver when no provider succeeded.
	ErrAllProvidersFailed = errors.New("all providers failed")
	// ErrNoRecord means the gate cache has never been populated.
	ErrNoRecord = errors.New("no public ip record observed yet")
	// ErrEmptyFeed is returned when a bulk feed yields no usable ranges.
	ErrEmptyFeed = errors.New("feed yielded no ranges")
)

// ConsensusMismatchError reports two providers that disagree about the public address.
type ConsensusMismatchError struct {
	Field       string // "ip" or "asn"
	Source      string
	Value       string
	OtherSource string
	OtherValue  string
}

func (e *ConsensusMismatchError) Error() string {
	return fmt.Sprintf("consensus mismatch on %s: %s reported %q, %s reported %q",
		e.Field, e.Source, e.Value, e.OtherSource, e.OtherValue)
}

// TransportError wraps network failures and unexpected HTTP statuses of outbound calls.
type TransportError struct {
	Op         string
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: unexpected status %d", e.Op, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// StorageError wraps failures of the local ASN database.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("asn storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}
