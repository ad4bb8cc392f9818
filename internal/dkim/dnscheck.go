package dkim

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Record check statuses
const (
	StatusOK       = "ok"
	StatusMismatch = "mismatch"
	StatusNotFound = "not_found"
	StatusInvalid  = "invalid"
)

// TXTResolver looks up TXT records. *net.Resolver satisfies it.
type TXTResolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// CheckResult is the outcome of comparing the published record with a key
type CheckResult struct {
	Name      string
	Status    string
	Published string
	Message   string
}

// CheckRecord looks up the key pair's TXT record and compares the
// published public key with the local one. Lookup failures other than a
// missing record are returned as errors.
func CheckRecord(ctx context.Context, resolver TXTResolver, kp *KeyPair) (*CheckResult, error) {
	result := &CheckResult{Name: kp.DNSName()}

	txtRecords, err := resolver.LookupTXT(ctx, result.Name)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			result.Status = StatusNotFound
			result.Message = fmt.Sprintf("no TXT record at %s", result.Name)
			return result, nil
		}
		return nil, fmt.Errorf("lookup %s: %w", result.Name, err)
	}

	// Long keys are split over several strings
	result.Published = strings.Join(txtRecords, "")

	tags := parseTags(result.Published)
	if tags["v"] != "DKIM1" {
		result.Status = StatusInvalid
		result.Message = "TXT record is not a DKIM1 record"
		return result, nil
	}
	published, ok := tags["p"]
	if !ok || published == "" {
		result.Status = StatusInvalid
		result.Message = "DKIM record has no public key (p=)"
		return result, nil
	}

	if published != parseTags(kp.DNSRecord())["p"] {
		result.Status = StatusMismatch
		result.Message = "published key differs from the local key"
		return result, nil
	}

	result.Status = StatusOK
	result.Message = "published key matches"
	return result, nil
}

// parseTags splits a tag=value list. Whitespace inside values is dropped.
func parseTags(record string) map[string]string {
	tags := make(map[string]string)
	for _, part := range strings.Split(record, ";") {
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		tags[strings.TrimSpace(name)] = strings.Join(strings.Fields(value), "")
	}
	return tags
}
