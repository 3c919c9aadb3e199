package mlsengine

import (
	"fmt"

	"mlschat/internal/cryptoutil"
	"mlschat/internal/domain"
)

// LoadOrCreateIdentity returns the engine's long-term signature identity,
// generating and sealing one on first call. The signature private key
// never leaves this store; UserIdentity only ever sees the domain.Identity
// value returned here.
func (e *fileEngine) LoadOrCreateIdentity(username domain.Username) (domain.Identity, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.store.Identity != nil {
		rec := e.store.Identity
		if rec.Username != username.String() {
			return domain.Identity{}, false, domain.IdentityError("load_or_create",
				fmt.Errorf("crypto store identity %q does not match requested username %q", rec.Username, username))
		}
		return identityFromRecord(rec), false, nil
	}

	priv, pub, err := cryptoutil.GenerateEd25519()
	if err != nil {
		return domain.Identity{}, false, domain.IdentityError("load_or_create", err)
	}
	credPayload := []byte(username.String())
	sig := cryptoutil.SignEd25519(priv, credPayload)

	rec := &identityRecord{
		Username:         username.String(),
		SignaturePublic:  pub,
		SignaturePrivate: priv,
		CredentialSig:    sig,
	}
	e.store.Identity = rec
	if err := e.persistLocked(); err != nil {
		return domain.Identity{}, false, domain.StorageError("load_or_create", err)
	}
	return identityFromRecord(rec), true, nil
}

func identityFromRecord(rec *identityRecord) domain.Identity {
	id := domain.Identity{Username: domain.Username(rec.Username)}
	id.SignaturePublic = rec.SignaturePublic
	id.SignaturePrivate = rec.SignaturePrivate
	id.Credential = domain.Credential{
		Username:        id.Username,
		SignaturePublic: id.SignaturePublic,
		Signature:       rec.CredentialSig,
	}
	return id
}
