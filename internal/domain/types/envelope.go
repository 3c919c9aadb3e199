package types

// EnvelopeKind tags the Envelope union (spec.md §3 Envelope, §6.2 wire frames).
type EnvelopeKind string

const (
	EnvelopeWelcome     EnvelopeKind = "welcome"
	EnvelopeApplication EnvelopeKind = "application"
	EnvelopeCommit      EnvelopeKind = "commit"
)

// Envelope is the tagged union wire object of spec.md §3. Exactly one of the
// per-kind payloads is populated, selected by Kind. WelcomeMessage has no
// GroupID: the group identity is recovered from the group context inside
// WelcomeBlob, which this engine carries as plain JSON, not encrypted.
type Envelope struct {
	Kind EnvelopeKind

	// WelcomeMessage fields. Recipient addresses the frame at the transport
	// layer (whose inbox to deliver to). Inviter names the inviting user; it
	// is a plain envelope field beside WelcomeBlob, and the client only logs
	// it when it drops a Welcome it cannot process.
	Recipient       Username
	Inviter         Username
	WelcomeBlob     []byte
	RatchetTreeBlob []byte

	// ApplicationMessage / CommitMessage shared fields.
	GroupID GroupID
	Sender  Username

	// ApplicationMessage payload.
	Ciphertext []byte

	// CommitMessage payload.
	CommitBlob []byte
}
