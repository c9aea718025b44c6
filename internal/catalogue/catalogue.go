// Package catalogue holds the static table of known verified-boot keys
// and the device identities they resolve to: the Fingerprint Catalogue
// (component A) the Attestation Verifier consults after parsing a
// chain's root-of-trust extension. The table is data, not code: it
// loads from an embedded YAML document at process start, the same way
// the teacher corpus keeps its fingerprint/signature tables out of Go
// source.
package catalogue

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed devices.yaml
var embeddedDevices []byte

// SecurityLevel mirrors the two hardware-backed keystore levels the
// verifier can observe in the attestation extension; StrongBox and TEE
// devices are cataloged in independent subtables, per spec.
type SecurityLevel string

const (
	TEE       SecurityLevel = "tee"
	StrongBox SecurityLevel = "strongbox"
)

// Entry describes one recognized device identity: the model it
// resolves to, its hardware security level, and whether the catalogued
// key corresponds to the OEM's stock OS or a known custom one.
type Entry struct {
	VerifiedBootKey string        `yaml:"verified_boot_key"`
	Brand           string        `yaml:"brand"`
	Model           string        `yaml:"model"`
	Label           string        `yaml:"label"`
	SecurityLevel   SecurityLevel `yaml:"security_level"`
	Stock           bool          `yaml:"stock"`
}

// Catalogue is an immutable, in-memory lookup table keyed by
// (security level, verified-boot key digest), loaded once at startup.
type Catalogue struct {
	byLevel map[SecurityLevel]map[string]Entry
}

// Load parses the embedded device catalogue.
func Load() (*Catalogue, error) {
	return LoadFrom(embeddedDevices)
}

// LoadFrom parses a device catalogue document, for tests and for
// operators who want to supply their own list of recognized devices.
func LoadFrom(data []byte) (*Catalogue, error) {
	var entries []Entry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse device catalogue: %w", err)
	}

	c := &Catalogue{byLevel: map[SecurityLevel]map[string]Entry{
		TEE:       make(map[string]Entry),
		StrongBox: make(map[string]Entry),
	}}
	for _, e := range entries {
		key := strings.ToLower(e.VerifiedBootKey)
		table, ok := c.byLevel[e.SecurityLevel]
		if !ok {
			return nil, fmt.Errorf("parse device catalogue: unknown security_level %q", e.SecurityLevel)
		}
		table[key] = e
	}
	return c, nil
}

// Lookup resolves a verified-boot key digest (lowercase hex) within the
// subtable selected by level, the StrongBox-or-TEE split the verifier's
// step 7 performs before ever consulting this table. A miss means
// UnknownDevice upstream.
func (c *Catalogue) Lookup(level SecurityLevel, verifiedBootKeyDigest string) (Entry, bool) {
	table, ok := c.byLevel[level]
	if !ok {
		return Entry{}, false
	}
	e, ok := table[strings.ToLower(verifiedBootKeyDigest)]
	return e, ok
}

// Len reports how many device identities are indexed across both
// subtables.
func (c *Catalogue) Len() int {
	n := 0
	for _, table := range c.byLevel {
		n += len(table)
	}
	return n
}
