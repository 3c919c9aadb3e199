// Package mlsengine is the MLS primitive this repository treats as an
// opaque, swappable external collaborator: KeyPackage issuance, group
// creation/join, member add, commit processing, and application message
// AEAD. No general-purpose MLS implementation exists in the Go ecosystem
// at the time of writing, so this package follows the same strategy a
// prior implementer took for a similar problem — a self-contained
// Ed25519 + X25519 + HKDF construction with MLS-shaped operations, built
// to be replaced wholesale by a conformant library without touching any
// other package. Every exported name on Engine maps onto an operation
// named in the group-messaging component design; callers never reach
// past the interface into group, member, or epoch-secret internals.
package mlsengine
