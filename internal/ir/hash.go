package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
)

// Domain prefixes for fingerprints.
// Version suffix enables future algorithm migration.
const (
	DomainModel    = "keel/model/v1"
	DomainModelSet = "keel/model-set/v1"
	DomainQuery    = "keel/query/v1"
)

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// modelRecord converts a descriptor into a canonical Record.
func modelRecord(m ModelSpec) Record {
	n := m.Normalize()
	fields := make(List, len(n.Fields))
	for i, f := range n.Fields {
		fields[i] = Record{
			"name":    String(f.Name),
			"type":    String(string(f.Type)),
			"indexed": Bool(f.Indexed),
		}
	}
	return Record{
		"name":        String(n.Name),
		"fields":      fields,
		"primary_key": String(n.PrimaryKey),
	}
}

// ModelFingerprint returns a stable identity for a model descriptor.
// Field declaration order does not affect the result.
func ModelFingerprint(m ModelSpec) (string, error) {
	canonical, err := MarshalCanonical(modelRecord(m))
	if err != nil {
		return "", fmt.Errorf("ModelFingerprint: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainModel, canonical), nil
}

// ModelSetFingerprint returns a stable identity for a set of descriptors.
// Order of the set does not affect the result.
func ModelSetFingerprint(models []ModelSpec) (string, error) {
	prints := make([]string, 0, len(models))
	for _, m := range models {
		fp, err := ModelFingerprint(m)
		if err != nil {
			return "", err
		}
		prints = append(prints, fp)
	}
	slices.Sort(prints)

	canonical, err := MarshalCanonical(prints)
	if err != nil {
		return "", fmt.Errorf("ModelSetFingerprint: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainModelSet, canonical), nil
}

// QueryFingerprint hashes a canonical query description.
func QueryFingerprint(desc Record) (string, error) {
	canonical, err := MarshalCanonical(desc)
	if err != nil {
		return "", fmt.Errorf("QueryFingerprint: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainQuery, canonical), nil
}

// MustModelSetFingerprint is like ModelSetFingerprint but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustModelSetFingerprint(models []ModelSpec) string {
	fp, err := ModelSetFingerprint(models)
	if err != nil {
		panic(err)
	}
	return fp
}
