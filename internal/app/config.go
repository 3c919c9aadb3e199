package app

import (
	"net/http"
	"path/filepath"
)

// Config holds runtime wiring options for building a client Wire.
type Config struct {
	Home       string       // config directory, e.g. $HOME/.mlschat
	ServerURL  string       // server base URL, e.g. http://127.0.0.1:8080
	Passphrase string       // passphrase sealing the local CryptoStore file
	HTTP       *http.Client // optional; defaults to http.DefaultClient
}

// CryptoStorePath is the engine's sealed-blob file under Home.
func (c Config) CryptoStorePath() string { return filepath.Join(c.Home, "crypto.db") }

// MetadataStorePath is the SQLite MetadataStore file under Home.
func (c Config) MetadataStorePath() string { return filepath.Join(c.Home, "metadata.db") }
