package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"gitlab.com/tozd/go/errors"

	"gitlab.com/tozd/imagedex/internal/submission"
)

// SubmissionStore persists submission records and binds them to an image
// row, or to a save_error code when hashing failed.
type SubmissionStore struct {
	pool *pgxpool.Pool
}

// NewSubmissionStore constructs a SubmissionStore.
func NewSubmissionStore(pool *pgxpool.Pool) *SubmissionStore {
	return &SubmissionStore{pool: pool}
}

// Exists reports whether a post with the given reddit_id has already
// been saved, implementing feed.ExistsChecker for the listing poller's
// catch-up detection.
func (s *SubmissionStore) Exists(ctx context.Context, id string) (bool, error) {
	var found bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM posts WHERE reddit_id = $1)`, id).Scan(&found)
	if err != nil {
		return false, err
	}
	return found, nil
}

// SaveSuccess inserts a post row bound to imageID. The returned bool is
// true iff a row with this reddit_id already existed.
func (s *SubmissionStore) SaveSuccess(ctx context.Context, sub submission.Submission, imageID int64) (bool, errors.E) {
	return s.save(ctx, sub, &imageID, "")
}

// SaveError inserts a post row carrying the save_error code returned by
// the hashing pipeline.
func (s *SubmissionStore) SaveError(ctx context.Context, sub submission.Submission, code string) (bool, errors.E) {
	return s.save(ctx, sub, nil, code)
}

// CountErrorsByCode returns the number of posts recorded against each
// save_error code, grounded on the teacher's own analytics-report shape
// (a GROUP BY aggregate query run outside the hot ingestion path).
func (s *SubmissionStore) CountErrorsByCode(ctx context.Context) (map[string]int64, errors.E) {
	rows, err := s.pool.Query(ctx, `
		SELECT save_error, COUNT(*)
		  FROM posts
		 WHERE save_error IS NOT NULL
		 GROUP BY save_error`)
	if err != nil {
		return nil, WithPgxError(err)
	}
	defer rows.Close()

	counts := map[string]int64{}
	for rows.Next() {
		var code string
		var n int64
		if err := rows.Scan(&code, &n); err != nil {
			return nil, WithPgxError(err)
		}
		counts[code] = n
	}
	if err := rows.Err(); err != nil {
		return nil, WithPgxError(err)
	}
	return counts, nil
}

func (s *SubmissionStore) save(ctx context.Context, sub submission.Submission, imageID *int64, saveError string) (bool, errors.E) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO posts (
			reddit_id, id_int, author, created_utc, nsfw, is_self, is_video,
			permalink, url, title, subreddit, score, promoted,
			preview, thumbnail, thumbnail_width, thumbnail_height, spoiler,
			crosspost_parent, image_id, save_error
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18,
			$19, $20, nullif($21, '')
		)
		ON CONFLICT (reddit_id) DO NOTHING`,
		sub.ID, sub.IDInt, sub.Author, sub.CreatedUTC, sub.NSFW, sub.IsSelf, sub.IsVideo,
		sub.Permalink, sub.URL, sub.Title, sub.Subreddit, sub.Score, sub.Promoted,
		sub.Preview, sub.Thumbnail, sub.ThumbnailWidth, sub.ThumbnailHeight, sub.Spoiler,
		sub.CrosspostParent, imageID, saveError,
	)
	if err != nil {
		return false, WithPgxError(err)
	}
	return tag.RowsAffected() == 0, nil
}
