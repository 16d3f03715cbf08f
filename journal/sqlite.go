package journal

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

type SQLiteJournal struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteJournal{db: db}, nil
}

var insertSQL = fmt.Sprintf(
	"INSERT OR IGNORE INTO positions (%s, stop_unix) VALUES (%s?)",
	strings.Join(Header, ", "),
	strings.Repeat("?, ", len(Header)),
)

func (j *SQLiteJournal) Append(recs []Record) (int, error) {
	tx, err := j.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(insertSQL)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	n := 0
	for _, r := range recs {
		row := toRow(r)
		args := make([]any, 0, len(row)+1)
		for _, v := range row {
			args = append(args, v)
		}
		args = append(args, r.StopAt.Unix())

		res, err := stmt.Exec(args...)
		if err != nil {
			return 0, fmt.Errorf("insert %s: %w", r.Key(), err)
		}
		if k, err := res.RowsAffected(); err == nil {
			n += int(k)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

func (j *SQLiteJournal) List(from, to time.Time) ([]Record, error) {
	rows, err := j.db.Query(
		fmt.Sprintf(`SELECT %s FROM positions
		WHERE stop_unix >= ? AND stop_unix < ?
		ORDER BY stop_unix, symbol, position_id`, strings.Join(Header, ", ")),
		from.Unix(), to.Unix(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		row := make([]string, len(Header))
		dest := make([]any, len(row))
		for i := range row {
			dest[i] = &row[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		rec, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}
