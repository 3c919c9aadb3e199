package mlsengine

import "mlschat/internal/cryptoutil"

// seal and unseal wrap the shared sealed-blob envelope so the engine's own
// store file uses the exact same format and work factors as every other
// passphrase-sealed file in this codebase.
func seal(passphrase string, raw []byte) ([]byte, error) {
	return cryptoutil.SealBlob(passphrase, raw)
}

func unseal(passphrase string, raw []byte) ([]byte, error) {
	return cryptoutil.UnsealBlob(passphrase, raw)
}
