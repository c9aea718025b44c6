package verifier

import "encoding/asn1"

// keyDescriptionOID is the Android keystore attestation extension OID
// embedded in the leaf certificate of a hardware attestation chain.
var keyDescriptionOID = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 11129, 2, 1, 17}

// keyDescription mirrors the KeyDescription ASN.1 sequence Android's
// keystore attestation extension encodes. No third-party library in the
// reference corpus parses this OID, so it is decoded with asn1.Unmarshal
// against this hand-written struct and its field tags.
type keyDescription struct {
	AttestationVersion       int
	AttestationSecurityLevel asn1.Enumerated
	KeymasterVersion         int
	KeymasterSecurityLevel   asn1.Enumerated
	AttestationChallenge     []byte
	UniqueID                 []byte
	SoftwareEnforced         authorizationList `asn1:"tag:0"`
	TEEEnforced              authorizationList `asn1:"tag:1"`
}

// rootOfTrust is the RootOfTrust SEQUENCE nested inside an
// AuthorizationList's tag-704 field. VerifiedBootKey is the digest the
// Fingerprint Catalogue is keyed on; VerifiedBootHash is the optional
// per-boot measurement spec.md calls out as preserved-if-absent rather
// than zeroed.
type rootOfTrust struct {
	VerifiedBootKey   []byte
	DeviceLocked      bool
	VerifiedBootState asn1.Enumerated
	VerifiedBootHash  []byte `asn1:"optional"`
}

// authorizationList covers the subset of Android's AuthorizationList
// fields this server acts on: the fields that let it assert monotonic
// patch levels, derive the fingerprint catalogue key, and surface a
// stable enforced-list fingerprint. Every field is OPTIONAL and
// context-tagged in the real schema; unused tags are decoded into
// RawValue tails rather than named field-by-field.
type authorizationList struct {
	Purpose                  []int         `asn1:"optional,tag:1"`
	Algorithm                int           `asn1:"optional,tag:2"`
	KeySize                  int           `asn1:"optional,tag:3"`
	Digest                   []int         `asn1:"optional,tag:5"`
	Padding                  []int         `asn1:"optional,tag:6"`
	ECCurve                  int           `asn1:"optional,tag:10"`
	RSAPublicExponent        int           `asn1:"optional,tag:200"`
	RollbackResistance       asn1.RawValue `asn1:"optional,tag:303"`
	NoAuthRequired           asn1.RawValue `asn1:"optional,tag:503"`
	CreationDateTime         int64         `asn1:"optional,tag:701"`
	Origin                   int           `asn1:"optional,tag:702"`
	RootOfTrust              rootOfTrust   `asn1:"optional,tag:704"`
	OSVersion                int           `asn1:"optional,tag:705"`
	OSPatchLevel             int           `asn1:"optional,tag:706"`
	AttestationApplicationID []byte        `asn1:"optional,tag:709"`
	AttestationIDBrand       []byte        `asn1:"optional,tag:710"`
	AttestationIDDevice      []byte        `asn1:"optional,tag:711"`
	AttestationIDProduct     []byte        `asn1:"optional,tag:712"`
	VendorPatchLevel         int           `asn1:"optional,tag:718"`
	BootPatchLevel           int           `asn1:"optional,tag:719"`
}

// parseKeyDescription decodes the raw extension value (the OCTET STRING
// content, already unwrapped) into a keyDescription.
func parseKeyDescription(der []byte) (*keyDescription, error) {
	var kd keyDescription
	if _, err := asn1.Unmarshal(der, &kd); err != nil {
		return nil, err
	}
	return &kd, nil
}
