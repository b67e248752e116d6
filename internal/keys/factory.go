package keys

import (
	"os"

	"bundler/internal/config"
)

// Load resolves the signer for a configured relayer. ErrNoCredential means the
// relayer has nothing configured and should be left out of the pool.
func Load(r config.Relayer) (*Signer, error) {
	if r.Keystore != "" {
		return FromKeystore(r.Keystore, os.Getenv(r.PassphraseEnv))
	}
	return FromEnv(r.PrivateKeyEnv)
}
