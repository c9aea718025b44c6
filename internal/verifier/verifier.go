// Package verifier implements the Attestation Verifier: parsing a
// device's certificate chain, checking it against the nonce the
// Challenge Index issued, extracting the keystore attestation extension,
// resolving the chain's root-of-trust against the Fingerprint Catalogue,
// and producing the fields the Pinning Store needs to enroll or
// continuity-check the device.
package verifier

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"attestd/internal/apperr"
	"attestd/internal/catalogue"
)

// androidSecurityLevel mirrors Android's SecurityLevel enum for the
// attestation/keymaster security level fields.
type androidSecurityLevel int

const (
	levelSoftware androidSecurityLevel = iota
	levelTrustedEnvironment
	levelStrongBox
)

// Report is the outcome of a successful Verify call: everything the
// Pinning Store needs to enroll or continuity-check the device, plus
// the fields the admin UI displays.
type Report struct {
	Fingerprint string // sha256 of the second-to-root certificate's public key, hex

	Certificates  [][]byte // the full chain as submitted, for Device.PinnedCertificates
	SecurityLevel catalogue.SecurityLevel

	VerifiedBootKey  string // hex digest, the Fingerprint Catalogue key
	VerifiedBootHash *string
	DeviceLocked     bool

	TEEEnforced string // stable JSON {tag,value} pairs, opaque to callers
	OSEnforced  string

	OSVersion        int
	OSPatchLevel     int
	VendorPatchLevel *int
	BootPatchLevel   *int

	ChainDepth int

	ModelLabel string // catalogue label; "" only when the Verifier has no catalogue
	Stock      bool
}

// Verifier parses and validates keystore attestation chains.
type Verifier struct {
	roots     *x509.CertPool
	catalogue *catalogue.Catalogue
}

// New creates a Verifier that checks chains against roots and resolves
// recognized models using cat.
func New(roots *x509.CertPool, cat *catalogue.Catalogue) *Verifier {
	return &Verifier{roots: roots, catalogue: cat}
}

// Verify runs the full chain-to-report pipeline:
//  1. parse every certificate in the chain
//  2. verify the chain to a trusted root
//  3. locate the keystore attestation extension on the leaf
//  4. parse its KeyDescription
//  5. check the attestation challenge binds to the consumed nonce
//  6. derive the device fingerprint from the second-to-root certificate
//  7. extract the root-of-trust and resolve it against the Fingerprint Catalogue
//  8. assemble the Report the Pinning Store will act on
func (v *Verifier) Verify(chainDER [][]byte, expectedNonce []byte) (*Report, error) {
	if len(chainDER) == 0 {
		return nil, apperr.New(apperr.KindMalformed, "empty certificate chain")
	}
	if len(chainDER) < 2 {
		return nil, apperr.New(apperr.KindMalformed, "attestation chain must include at least a leaf and its issuer")
	}
	if len(chainDER) > 4 {
		return nil, apperr.New(apperr.KindMalformed, "attestation chain has more than four certificates")
	}

	certs := make([]*x509.Certificate, 0, len(chainDER))
	for i, der := range chainDER {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindMalformed, fmt.Sprintf("parse certificate %d", i), err)
		}
		certs = append(certs, cert)
	}
	leaf := certs[0]

	intermediates := x509.NewCertPool()
	for _, c := range certs[1:] {
		intermediates.AddCert(c)
	}

	chains, err := leaf.Verify(x509.VerifyOptions{
		Roots:         v.roots,
		Intermediates: intermediates,
		CurrentTime:   time.Now(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindMalformed, "certificate chain does not verify to a trusted root", err)
	}
	verifiedChain := chains[0]

	var extValue []byte
	for _, ext := range leaf.Extensions {
		if ext.Id.Equal(keyDescriptionOID) {
			extValue = ext.Value
			break
		}
	}
	if extValue == nil {
		return nil, apperr.New(apperr.KindMalformed, "leaf certificate has no keystore attestation extension")
	}

	kd, err := parseKeyDescription(extValue)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindMalformed, "parse keystore attestation extension", err)
	}

	if !bytes.Equal(kd.AttestationChallenge, expectedNonce) {
		return nil, apperr.New(apperr.KindStaleChallenge, "attestation challenge does not match the issued nonce")
	}

	level := androidSecurityLevel(kd.AttestationSecurityLevel)
	secLevel := catalogue.TEE
	if level == levelStrongBox {
		secLevel = catalogue.StrongBox
	}

	// The fingerprint is pinned on the second-to-root certificate in the
	// submitted chain (the one directly issued by the hardware root),
	// not the leaf, so rotating the leaf's ephemeral attestation key
	// never looks like a new device.
	fingerprint := fingerprintOf(certs[len(certs)-2])

	root := kd.TEEEnforced.RootOfTrust
	verifiedBootKey := hex.EncodeToString(root.VerifiedBootKey)
	var verifiedBootHash *string
	if len(root.VerifiedBootHash) > 0 {
		h := hex.EncodeToString(root.VerifiedBootHash)
		verifiedBootHash = &h
	}

	teeJSON, err := enforcedListJSON(kd.TEEEnforced)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "encode tee enforced list", err)
	}
	osJSON, err := enforcedListJSON(kd.SoftwareEnforced)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "encode os enforced list", err)
	}

	var vendorPatch, bootPatch *int
	if kd.TEEEnforced.VendorPatchLevel != 0 {
		vp := kd.TEEEnforced.VendorPatchLevel
		vendorPatch = &vp
	}
	if kd.TEEEnforced.BootPatchLevel != 0 {
		bp := kd.TEEEnforced.BootPatchLevel
		bootPatch = &bp
	}

	var modelLabel string
	var stock bool
	if v.catalogue != nil {
		entry, ok := v.catalogue.Lookup(secLevel, verifiedBootKey)
		if !ok {
			return nil, apperr.New(apperr.KindUnknownDevice, "verified-boot key is not in the fingerprint catalogue")
		}
		modelLabel, stock = entry.Label, entry.Stock
	}

	return &Report{
		Fingerprint:      fingerprint,
		Certificates:     chainDER,
		SecurityLevel:    secLevel,
		VerifiedBootKey:  verifiedBootKey,
		VerifiedBootHash: verifiedBootHash,
		DeviceLocked:     root.DeviceLocked,
		TEEEnforced:      teeJSON,
		OSEnforced:       osJSON,
		OSVersion:        kd.TEEEnforced.OSVersion,
		OSPatchLevel:     kd.TEEEnforced.OSPatchLevel,
		VendorPatchLevel: vendorPatch,
		BootPatchLevel:   bootPatch,
		ChainDepth:       len(verifiedChain),
		ModelLabel:       modelLabel,
		Stock:            stock,
	}, nil
}

// ExtractChallenge parses only the leaf certificate of a chain to pull
// out the raw attestation challenge bytes it claims, without yet
// validating the chain against any root. Callers use this to look up
// the claimed nonce in the Challenge Index before paying for full
// chain verification.
func ExtractChallenge(chainDER [][]byte) ([]byte, error) {
	if len(chainDER) == 0 {
		return nil, apperr.New(apperr.KindMalformed, "empty certificate chain")
	}
	leaf, err := x509.ParseCertificate(chainDER[0])
	if err != nil {
		return nil, apperr.Wrap(apperr.KindMalformed, "parse leaf certificate", err)
	}
	for _, ext := range leaf.Extensions {
		if ext.Id.Equal(keyDescriptionOID) {
			kd, err := parseKeyDescription(ext.Value)
			if err != nil {
				return nil, apperr.Wrap(apperr.KindMalformed, "parse keystore attestation extension", err)
			}
			return kd.AttestationChallenge, nil
		}
	}
	return nil, apperr.New(apperr.KindMalformed, "leaf certificate has no keystore attestation extension")
}

func fingerprintOf(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	return hex.EncodeToString(sum[:])
}

// enforcedTag is one {tag, value} pair in the stable JSON rendering of
// an authorization list. Decided in favor of a structured list over a
// Java-toString-style free-text dump: see the project's design notes on
// the teeEnforced/osEnforced wire format.
type enforcedTag struct {
	Tag   string `json:"tag"`
	Value any    `json:"value"`
}

func enforcedListJSON(list authorizationList) (string, error) {
	var tags []enforcedTag
	if len(list.Purpose) > 0 {
		tags = append(tags, enforcedTag{"purpose", list.Purpose})
	}
	if list.Algorithm != 0 {
		tags = append(tags, enforcedTag{"algorithm", list.Algorithm})
	}
	if list.KeySize != 0 {
		tags = append(tags, enforcedTag{"keySize", list.KeySize})
	}
	if len(list.Digest) > 0 {
		tags = append(tags, enforcedTag{"digest", list.Digest})
	}
	if list.Origin != 0 {
		tags = append(tags, enforcedTag{"origin", list.Origin})
	}
	if list.OSVersion != 0 {
		tags = append(tags, enforcedTag{"osVersion", list.OSVersion})
	}
	if list.OSPatchLevel != 0 {
		tags = append(tags, enforcedTag{"osPatchLevel", list.OSPatchLevel})
	}
	if list.VendorPatchLevel != 0 {
		tags = append(tags, enforcedTag{"vendorPatchLevel", list.VendorPatchLevel})
	}
	if list.BootPatchLevel != 0 {
		tags = append(tags, enforcedTag{"bootPatchLevel", list.BootPatchLevel})
	}

	data, err := json.Marshal(tags)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
