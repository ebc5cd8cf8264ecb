package main

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ConsensusResolver cross-checks several providers against each other.
// It detects disagreement, it does not vote.
type ConsensusResolver struct {
	client    *http.Client
	providers []Provider
	timeout   time.Duration
}

type ConsensusResult struct {
	Record   PublicIPRecord
	Agreeing []string
	Failed   map[string]error
}

type providerResult struct {
	provider string
	record   PublicIPRecord
	err      error
}

func NewConsensusResolver(client *http.Client, providers []Provider, timeout time.Duration) *ConsensusResolver {
	if timeout <= 0 {
		timeout = defaultLookupTimeout
	}
	return &ConsensusResolver{
		client:    client,
		providers: providers,
		timeout:   timeout,
	}
}

// Resolve queries every provider concurrently and reconciles the answers in
// arrival order. A slow or failing provider never blocks the others past the
// per-call timeout.
func (r *ConsensusResolver) Resolve(ctx context.Context) (*ConsensusResult, error) {
	if len(r.providers) == 0 {
		return nil, errors.Wrap(ErrAllProvidersFailed, "no providers configured")
	}

	var (
		mu      sync.Mutex
		results = make([]providerResult, 0, len(r.providers))
		g       errgroup.Group
	)
	for _, p := range r.providers {
		p := p
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()

			record, err := LookupPublicIP(callCtx, r.client, p)
			if err != nil {
				logrus.WithField("provider", p.Name()).WithError(err).Warn("provider lookup failed")
			}

			mu.Lock()
			results = append(results, providerResult{provider: p.Name(), record: record, err: err})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return reconcile(results)
}

// reconcile applies the agreement policy: every successful provider must report
// the reference address, and every provider that reports an ASN must report the
// reference ASN. Providers that failed are left out.
func reconcile(results []providerResult) (*ConsensusResult, error) {
	out := &ConsensusResult{Failed: make(map[string]error)}

	var (
		ref    *PublicIPRecord
		asnRef *PublicIPRecord
	)
	for i := range results {
		res := results[i]
		if res.err != nil {
			out.Failed[res.provider] = res.err
			continue
		}
		rec := res.record
		if rec.Source == "" {
			rec.Source = res.provider
		}

		if ref == nil {
			ref = &rec
		} else if rec.IP != ref.IP {
			return nil, &ConsensusMismatchError{
				Field:       "ip",
				Source:      ref.Source,
				Value:       ref.IP.String(),
				OtherSource: rec.Source,
				OtherValue:  rec.IP.String(),
			}
		}

		if rec.HasASN() {
			if asnRef == nil {
				asnRef = &rec
			} else if !strings.EqualFold(rec.ASN, asnRef.ASN) {
				return nil, &ConsensusMismatchError{
					Field:       "asn",
					Source:      asnRef.Source,
					Value:       asnRef.ASN,
					OtherSource: rec.Source,
					OtherValue:  rec.ASN,
				}
			}
		}

		out.Agreeing = append(out.Agreeing, rec.Source)
	}

	if ref == nil {
		return nil, errors.Wrap(ErrAllProvidersFailed, summarizeFailures(out.Failed))
	}

	out.Record = *ref
	if asnRef != nil {
		out.Record.ASN = asnRef.ASN
		if out.Record.Org == "" {
			out.Record.Org = asnRef.Org
		}
	}
	out.Record.Source = "consensus"
	return out, nil
}

func summarizeFailures(failed map[string]error) string {
	if len(failed) == 0 {
		return "no results"
	}
	names := make([]string, 0, len(failed))
	for name := range failed {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+": "+failed[name].Error())
	}
	return strings.Join(parts, "; ")
}
