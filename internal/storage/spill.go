package storage

import (
	"database/sql"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"
	_ "modernc.org/sqlite"
)

// spillIndex persists cold blobs to disk, tracked in a sqlite index keyed by
// ContentId. Mirrors the DSN/PRAGMA setup the teacher uses for its task
// store, applied here to a single-table cache rather than a relational
// schema.
type spillIndex struct {
	dir string
	db  *sql.DB
}

type spillRecord struct {
	ContentId uint64 `msgpack:"content_id"`
	FileName  string `msgpack:"file_name"`
	Size      int64  `msgpack:"size"`
}

func openSpillIndex(dir string) (*spillIndex, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	dsn := filepath.Join(dir, "spill-index.db") + "?_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS spill (
		content_id INTEGER PRIMARY KEY,
		record BLOB NOT NULL
	)`); err != nil {
		db.Close()
		return nil, err
	}
	return &spillIndex{dir: dir, db: db}, nil
}

func (s *spillIndex) Close() error {
	return s.db.Close()
}

func (s *spillIndex) blobPath(id ContentId) string {
	return filepath.Join(s.dir, "blob-"+itoa(uint64(id)))
}

func (s *spillIndex) store(id ContentId, data []byte) error {
	path := s.blobPath(id)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	rec := spillRecord{ContentId: uint64(id), FileName: filepath.Base(path), Size: int64(len(data))}
	buf, err := msgpack.Marshal(&rec)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO spill (content_id, record) VALUES (?, ?)`, uint64(id), buf)
	return err
}

func (s *spillIndex) load(id ContentId) ([]byte, error) {
	var buf []byte
	row := s.db.QueryRow(`SELECT record FROM spill WHERE content_id = ?`, uint64(id))
	if err := row.Scan(&buf); err != nil {
		return nil, err
	}
	var rec spillRecord
	if err := msgpack.Unmarshal(buf, &rec); err != nil {
		return nil, err
	}
	return os.ReadFile(filepath.Join(s.dir, rec.FileName))
}

func (s *spillIndex) forget(id ContentId) {
	path := s.blobPath(id)
	os.Remove(path)
	s.db.Exec(`DELETE FROM spill WHERE content_id = ?`, uint64(id))
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
