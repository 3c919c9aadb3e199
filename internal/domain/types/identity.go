package types

// Credential binds a Username to a signature public key, signed under the
// corresponding signature private key (spec.md §3 Identity, GLOSSARY Credential).
// Only the "basic credential" kind is supported (spec.md §9: credentials used
// polymorphically in the source; here identity=username is the only variant).
type Credential struct {
	Username        Username      `json:"username"`
	SignaturePublic Ed25519Public `json:"signature_public"`
	Signature       []byte        `json:"signature"`
}

// Identity holds one user's long-term signature key and credential (spec.md §3 Identity).
// Reused across every group the user joins; never mutated after creation.
type Identity struct {
	Username         Username       `json:"username"`
	SignaturePublic  Ed25519Public  `json:"signature_public"`
	SignaturePrivate Ed25519Private `json:"-"`
	Credential       Credential     `json:"credential"`
}
