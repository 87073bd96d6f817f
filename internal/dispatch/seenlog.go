package dispatch

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	_ "github.com/glebarez/go-sqlite"
)

// SeenLog indexes the (request, response) pairs observed by rules with
// recordTraffic set, queryable by rule ID. Grounded on
// internal/audit/index.go's sqliteIndex — same database/sql +
// blank-imported driver + schema-on-open shape — but opened against a
// uniquely named in-memory database so nothing survives the process,
// and scoped to one SeenLog (one server instance) instead of one
// global audit trail.
type SeenLog struct {
	db *sql.DB
}

// seenLogSeq gives each OpenSeenLog call its own in-memory database
// name, so two logs in one process never share a table.
var seenLogSeq atomic.Uint64

// OpenSeenLog opens a fresh in-memory seen-request index.
func OpenSeenLog() (*SeenLog, error) {
	dsn := fmt.Sprintf("file:mockwire-seen-%d?mode=memory&cache=shared&_journal_mode=WAL", seenLogSeq.Add(1))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening in-memory seen-request index: %w", err)
	}
	// A single shared in-memory connection; SQLite's :memory: databases
	// are per-connection unless cache=shared, so cap the pool at one to
	// guarantee every query hits the same database.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS seen (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			rule_id      TEXT NOT NULL,
			method       TEXT NOT NULL,
			url          TEXT NOT NULL,
			request_hdr  TEXT NOT NULL DEFAULT '',
			request_body BLOB,
			status_code  INTEGER NOT NULL DEFAULT 0,
			response_hdr TEXT NOT NULL DEFAULT '',
			response_body BLOB
		);
		CREATE INDEX IF NOT EXISTS idx_seen_rule ON seen(rule_id);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating seen-request schema: %w", err)
	}

	return &SeenLog{db: db}, nil
}

// Entry is one recorded exchange for a rule.
type Entry struct {
	RuleID           string
	Method           string
	URL              string
	RequestHeaders   map[string][]string
	RequestBody      []byte
	StatusCode       int
	ResponseHeaders  map[string][]string
	ResponseBody     []byte
}

// Record appends e to the log. Failures are logged, not returned —
// traffic recording must never be why a mocked exchange fails,
// mirroring the teacher's "non-blocking, errors are logged" comment
// on sqliteIndex.insert.
func (l *SeenLog) Record(e Entry) {
	reqHdr, _ := json.Marshal(e.RequestHeaders)
	respHdr, _ := json.Marshal(e.ResponseHeaders)

	_, err := l.db.Exec(
		`INSERT INTO seen (rule_id, method, url, request_hdr, request_body, status_code, response_hdr, response_body)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RuleID, e.Method, e.URL, string(reqHdr), e.RequestBody, e.StatusCode, string(respHdr), e.ResponseBody,
	)
	if err != nil {
		slog.Error("seen-request log insert failed", "rule_id", e.RuleID, "error", err)
	}
}

// ForRule returns every recorded exchange for ruleID, oldest first.
func (l *SeenLog) ForRule(ruleID string) ([]Entry, error) {
	rows, err := l.db.Query(
		`SELECT method, url, request_hdr, request_body, status_code, response_hdr, response_body
		 FROM seen WHERE rule_id = ? ORDER BY id ASC`, ruleID)
	if err != nil {
		return nil, fmt.Errorf("querying seen-request log: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var reqHdr, respHdr string
		e.RuleID = ruleID
		if err := rows.Scan(&e.Method, &e.URL, &reqHdr, &e.RequestBody, &e.StatusCode, &respHdr, &e.ResponseBody); err != nil {
			return nil, fmt.Errorf("scanning seen-request row: %w", err)
		}
		_ = json.Unmarshal([]byte(reqHdr), &e.RequestHeaders)
		_ = json.Unmarshal([]byte(respHdr), &e.ResponseHeaders)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Reset deletes every recorded exchange, used by the server's reset()
// so a fresh test run starts with an empty seen-request log.
func (l *SeenLog) Reset() error {
	_, err := l.db.Exec(`DELETE FROM seen`)
	return err
}

// Close releases the underlying database handle.
func (l *SeenLog) Close() error {
	return l.db.Close()
}
