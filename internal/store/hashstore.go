package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"gitlab.com/tozd/go/errors"

	"gitlab.com/tozd/imagedex/internal/cachecontrol"
	"gitlab.com/tozd/imagedex/internal/errs"
	"gitlab.com/tozd/imagedex/internal/fetch"
	"gitlab.com/tozd/imagedex/internal/phash"
	"gitlab.com/tozd/imagedex/internal/resolve"
)

// Destination names the table a fingerprint is saved into.
type Destination string

const (
	Images     Destination = "images"
	ImageCache Destination = "image_cache"
)

func (d Destination) table() string {
	return string(d)
}

// HashResult is the outcome of SaveHash.
type HashResult struct {
	Fingerprint phash.Fingerprint
	Destination Destination
	ID          int64
	AlreadyHad  bool
}

// HashStore implements the two-table cache/promotion contract: images is
// permanent, image_cache is query-only and the only table eligible for
// eviction.
type HashStore struct {
	pool     *pgxpool.Pool
	resolver *resolve.Resolver
	fetcher  *fetch.Client
}

// NewHashStore constructs a HashStore.
func NewHashStore(pool *pgxpool.Pool, resolver *resolve.Resolver, fetcher *fetch.Client) *HashStore {
	return &HashStore{pool: pool, resolver: resolver, fetcher: fetcher}
}

type existingRow struct {
	table Destination
	id    int64
	fp    int64
}

// getExisting looks up canonicalURL in the union of both tables.
func getExisting(ctx context.Context, tx pgx.Tx, canonicalURL string) (*existingRow, errors.E) {
	row := tx.QueryRow(ctx, `SELECT id, fingerprint FROM images WHERE url = $1`, canonicalURL)
	var id int64
	var fp int64
	if err := row.Scan(&id, &fp); err == nil {
		return &existingRow{table: Images, id: id, fp: fp}, nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, WithPgxError(err)
	}

	row = tx.QueryRow(ctx, `SELECT id, fingerprint FROM image_cache WHERE url = $1`, canonicalURL)
	if err := row.Scan(&id, &fp); err == nil {
		return &existingRow{table: ImageCache, id: id, fp: fp}, nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, WithPgxError(err)
	}

	return nil, nil //nolint:nilnil
}

// promote moves a row from image_cache to images, preserving cache
// metadata, in one transaction: an INSERT...SELECT into images followed by
// a DELETE from image_cache, per the specification's resolved open question.
func promote(ctx context.Context, tx pgx.Tx, cacheID int64) (int64, errors.E) {
	row := tx.QueryRow(ctx, `
		INSERT INTO images (url, fingerprint, no_store, no_cache, must_revalidate, expires, etag, retrieved_at)
		SELECT url, fingerprint, no_store, no_cache, must_revalidate, expires, etag, retrieved_at
		FROM image_cache WHERE id = $1
		RETURNING id`, cacheID)
	var newID int64
	if err := row.Scan(&newID); err != nil {
		return 0, WithPgxError(err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM image_cache WHERE id = $1`, cacheID); err != nil {
		return 0, WithPgxError(err)
	}
	return newID, nil
}

// SaveHash implements the Hash Store contract: resolve, look up, and
// either return the cached row, promote it, or fetch+hash+insert a new
// one, retrying on SERIALIZABLE conflicts.
func (s *HashStore) SaveHash(ctx context.Context, rawURL string, destination Destination) (*HashResult, errors.E) {
	canonicalURL, errE := s.resolver.Resolve(ctx, rawURL)
	if errE != nil {
		return nil, errE
	}

	var result *HashResult
	errE = RetryTransaction(ctx, s.pool, pgx.ReadWrite, func(ctx context.Context, tx pgx.Tx) errors.E {
		existing, errE := getExisting(ctx, tx, canonicalURL)
		if errE != nil {
			return errE
		}
		if existing != nil {
			if existing.table == destination || destination == ImageCache {
				result = &HashResult{
					Fingerprint: phash.Fingerprint(uint64(existing.fp)), //nolint:gosec
					Destination: existing.table,
					ID:          existing.id,
					AlreadyHad:  true,
				}
				return nil
			}
			newID, errE := promote(ctx, tx, existing.id)
			if errE != nil {
				return errE
			}
			result = &HashResult{
				Fingerprint: phash.Fingerprint(uint64(existing.fp)), //nolint:gosec
				Destination: Images,
				ID:          newID,
				AlreadyHad:  true,
			}
			return nil
		}

		fetched, errE := s.fetcher.Fetch(ctx, canonicalURL)
		if errE != nil {
			return errE
		}
		fp, errE := phash.Hash(fetched.Body)
		if errE != nil {
			errors.Details(errE)["url"] = canonicalURL
			return errE
		}
		directives, err := cachecontrol.Parse(fetched.CacheControl)
		if err != nil {
			directives = cachecontrol.Directives{}
		}
		expires := deriveExpires(directives, fetched.Expires)

		row := tx.QueryRow(ctx, `
			INSERT INTO `+destination.table()+` (url, fingerprint, no_store, no_cache, must_revalidate, expires, etag, retrieved_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, now())
			ON CONFLICT (url) DO NOTHING
			RETURNING id`,
			canonicalURL, int64(fp), directives.NoStore, directives.NoCache, directives.MustRevalidate, expires, fetched.ETag)

		var id int64
		scanErr := row.Scan(&id)
		if scanErr == nil {
			result = &HashResult{Fingerprint: fp, Destination: destination, ID: id, AlreadyHad: false}
			return nil
		}
		if !errors.Is(scanErr, pgx.ErrNoRows) {
			return WithPgxError(scanErr)
		}

		// Concurrent insert won the race; re-run get_existing and apply
		// the promotion branch.
		existing, errE = getExisting(ctx, tx, canonicalURL)
		if errE != nil {
			return errE
		}
		if existing == nil {
			return errs.WithSource(errs.WithCode(errors.WithStack(errs.ErrDbConflictNoMatch), "conflict_but_no_match"), errs.SourceInternal)
		}
		if existing.table == destination || destination == ImageCache {
			result = &HashResult{
				Fingerprint: phash.Fingerprint(uint64(existing.fp)), //nolint:gosec
				Destination: existing.table,
				ID:          existing.id,
				AlreadyHad:  true,
			}
			return nil
		}
		newID, errE := promote(ctx, tx, existing.id)
		if errE != nil {
			return errE
		}
		result = &HashResult{
			Fingerprint: phash.Fingerprint(uint64(existing.fp)), //nolint:gosec
			Destination: Images,
			ID:          newID,
			AlreadyHad:  true,
		}
		return nil
	}, nil)
	if errE != nil {
		return nil, errE
	}
	return result, nil
}

// AllFingerprints returns every fingerprint in the permanent images
// table, collected into one slice, for trie-building.
func (s *HashStore) AllFingerprints(ctx context.Context) ([]phash.Fingerprint, errors.E) {
	rows, err := s.pool.Query(ctx, `SELECT fingerprint FROM images`)
	if err != nil {
		return nil, WithPgxError(err)
	}
	defer rows.Close()

	var out []phash.Fingerprint
	for rows.Next() {
		var fp int64
		if err := rows.Scan(&fp); err != nil {
			return nil, WithPgxError(err)
		}
		out = append(out, phash.Fingerprint(uint64(fp))) //nolint:gosec
	}
	if err := rows.Err(); err != nil {
		return nil, WithPgxError(err)
	}
	return out, nil
}

func deriveExpires(d cachecontrol.Directives, expiresHeader string) *time.Time {
	if d.MaxAge != nil {
		t := time.Now().Add(time.Duration(*d.MaxAge) * time.Second)
		return &t
	}
	if expiresHeader != "" {
		if t, err := time.Parse(time.RFC1123, expiresHeader); err == nil {
			return &t
		}
	}
	return nil
}
