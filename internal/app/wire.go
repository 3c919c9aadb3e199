// Package app wires the client's collaborators together: the MLS engine's
// CryptoStore, the SQLite MetadataStore, and the three services
// (identity, pool, router) that sit on top of them, mirroring the
// teacher's own Wire/Config split.
package app

import (
	"net/http"

	"mlschat/internal/domain"
	identitysvc "mlschat/internal/identity"
	"mlschat/internal/keypackagepool"
	"mlschat/internal/mlsengine"
	"mlschat/internal/sessionrouter"
	"mlschat/internal/store"
	"mlschat/internal/transport"
)

// Wire bundles all stores, services, and clients for the CLI.
type Wire struct {
	Engine          mlsengine.Engine
	MetadataStore   domain.MetadataStore
	IdentityService domain.IdentityService
	PoolService     domain.PoolService
	RouterService   domain.RouterService
	Transport       domain.TransportClient
}

// NewWire constructs the dependency graph from cfg. The caller is
// responsible for calling Close once done.
func NewWire(cfg Config) (*Wire, error) {
	engine, err := mlsengine.Open(cfg.CryptoStorePath(), cfg.Passphrase)
	if err != nil {
		return nil, domain.StorageError("new_wire", err)
	}

	meta, err := store.OpenMetadataStore(cfg.MetadataStorePath(), store.DefaultMetadataOptions())
	if err != nil {
		engine.Close()
		return nil, domain.StorageError("new_wire", err)
	}

	httpClient := cfg.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	trans := transport.New(cfg.ServerURL, httpClient)

	idSvc := identitysvc.New(engine, meta)
	poolSvc := keypackagepool.New(engine, meta, trans, keypackagepool.DefaultConfig(), nil)
	router := sessionrouter.New(engine, meta, trans, poolSvc, nil)

	return &Wire{
		Engine:          engine,
		MetadataStore:   meta,
		IdentityService: idSvc,
		PoolService:     poolSvc,
		RouterService:   router,
		Transport:       trans,
	}, nil
}

// Close releases the transport's live connection, then the MetadataStore
// and CryptoStore handles, in that order (the reverse of construction).
func (w *Wire) Close() error {
	if err := w.Transport.Close(); err != nil {
		return err
	}
	if closer, ok := w.MetadataStore.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			return err
		}
	}
	return w.Engine.Close()
}
