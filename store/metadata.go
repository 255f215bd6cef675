package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/klauspost/compress/zstd"
)

// ErrNoMetadata is returned when no metadata document has been stored yet
var ErrNoMetadata = fmt.Errorf("no metadata stored")

var (
	metaEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	metaDecoder, _ = zstd.NewReader(nil)
)

// PutMetadata stores a new metadata document and returns the version the
// store assigned to it. Versions are monotonic: they come from the
// autoincrement key, so concurrent writers from different instances always
// receive distinct, ordered versions.
func (s *Store) PutMetadata(raw []byte) (int64, error) {
	compressed := metaEncoder.EncodeAll(raw, nil)

	query, args, err := s.dialect.Insert("burrow_metadata").
		Rows(goqu.Record{
			"raw":        compressed,
			"created_at": time.Now().UnixNano(),
		}).
		Prepared(true).ToSQL()
	if err != nil {
		return 0, fmt.Errorf("failed to build metadata insert: %w", err)
	}

	res, err := s.writeDB.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to store metadata: %w", err)
	}

	version, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read assigned metadata version: %w", err)
	}
	return version, nil
}

// GetMetadata returns the raw metadata document at the given version
func (s *Store) GetMetadata(version int64) ([]byte, error) {
	query, args, err := s.dialect.From("burrow_metadata").
		Select("raw").
		Where(goqu.C("version").Eq(version)).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build metadata select: %w", err)
	}

	var compressed []byte
	if err := s.readDB.QueryRow(query, args...).Scan(&compressed); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("metadata version %d: %w", version, ErrNoMetadata)
		}
		return nil, fmt.Errorf("failed to fetch metadata version %d: %w", version, err)
	}

	raw, err := metaDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress metadata version %d: %w", version, err)
	}
	return raw, nil
}

// LatestMetadataVersion returns the highest stored version, or ErrNoMetadata
func (s *Store) LatestMetadataVersion() (int64, error) {
	query, args, err := s.dialect.From("burrow_metadata").
		Select(goqu.MAX("version")).
		Prepared(true).ToSQL()
	if err != nil {
		return 0, fmt.Errorf("failed to build version select: %w", err)
	}

	var version sql.NullInt64
	if err := s.readDB.QueryRow(query, args...).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to fetch latest metadata version: %w", err)
	}
	if !version.Valid {
		return 0, ErrNoMetadata
	}
	return version.Int64, nil
}
