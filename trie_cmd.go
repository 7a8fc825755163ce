package imagedex

import (
	"context"
	"os"

	"gitlab.com/tozd/go/errors"

	"gitlab.com/tozd/imagedex/internal/store"
	"gitlab.com/tozd/imagedex/internal/trie"
)

// Run reads every fingerprint out of the permanent images table, builds
// a trie over them, and writes the snapshot to c.Output.
func (c *TrieCommand) Run(globals *Globals) errors.E {
	ctx := context.Background()
	logger := globals.Logger

	pool, errE := store.InitPostgres(ctx, string(globals.Postgres.URL), logger)
	if errE != nil {
		return errE
	}

	hashStore := store.NewHashStore(pool, nil, nil)
	hashes, errE := hashStore.AllFingerprints(ctx)
	if errE != nil {
		return errE
	}

	t := trie.FromHashes(hashes)

	f, err := os.Create(c.Output)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close() //nolint:errcheck

	n, errE := t.WriteTo(f)
	if errE != nil {
		return errE
	}

	logger.Info().Int("hashes", len(hashes)).Int64("bytes", n).Str("output", c.Output).Msg("trie snapshot written")
	return nil
}
