// Command event-tree prints the audit subtree of one event: by default the
// most recent inbound message and everything the pipeline logged under it.
package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/pflag"
)

// Event is one audit row plus the children found under it.
type Event struct {
	ID        int64
	Timestamp int64
	ParentID  sql.NullInt64
	EventType string
	Payload   sql.NullString
	Children  []*Event
}

// fields decodes the payload; nil when absent or not a JSON object.
func (e *Event) fields() map[string]any {
	if !e.Payload.Valid || e.Payload.String == "" {
		return nil
	}
	var m map[string]any
	if json.Unmarshal([]byte(e.Payload.String), &m) != nil {
		return nil
	}
	return m
}

type options struct {
	dbPath    string
	eventID   int64
	rootType  string
	session   string
	maxDepth  int
	jsonOut   bool
	noPayload bool
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "event-tree:", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := pflag.NewFlagSet("event-tree", pflag.ContinueOnError)
	fs.StringVar(&o.dbPath, "db", defaultDBPath(), "audit database file")
	fs.Int64Var(&o.eventID, "id", 0, "root the tree at this event id")
	fs.StringVar(&o.rootType, "type", "event.received", "without --id, use the newest event of this type as root")
	fs.StringVar(&o.session, "session", "", "without --id, only roots whose payload session equals this")
	fs.IntVarP(&o.maxDepth, "depth", "L", 0, "levels to print, 0 for all")
	fs.BoolVar(&o.jsonOut, "json", false, "print the tree as indented JSON")
	fs.BoolVar(&o.noPayload, "no-payload", false, "omit payload fields")
	err := fs.Parse(args)
	return o, err
}

func run(args []string, w io.Writer) error {
	o, err := parseFlags(args)
	if err != nil {
		return err
	}

	db, err := sql.Open("sqlite3", "file:"+o.dbPath+"?mode=ro")
	if err != nil {
		return fmt.Errorf("open %s: %w", o.dbPath, err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		return fmt.Errorf("open %s: %w", o.dbPath, err)
	}

	rootID := o.eventID
	if rootID == 0 {
		if rootID, err = latestRoot(db, o.rootType, o.session); err != nil {
			return err
		}
	}
	events, err := querySubtree(db, rootID)
	if err != nil {
		return fmt.Errorf("load subtree of %d: %w", rootID, err)
	}
	root := buildTree(events, rootID)
	if root == nil {
		return fmt.Errorf("event %d not found", rootID)
	}

	if o.jsonOut {
		return printJSON(w, root, o.maxDepth, o.noPayload)
	}
	p := treePrinter{w: w, maxDepth: o.maxDepth, noPayload: o.noPayload}
	p.root(root)
	return nil
}

func defaultDBPath() string {
	if v := os.Getenv("STAGEBOT_DB_PATH"); v != "" {
		return v
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		return v
	}
	return "./stagebot.db"
}

func latestRoot(db *sql.DB, eventType, session string) (int64, error) {
	var (
		b    strings.Builder
		args = []any{eventType}
	)
	b.WriteString(`SELECT id FROM events WHERE event_type = ?`)
	if session != "" {
		b.WriteString(` AND json_extract(payload, '$.session') = ?`)
		args = append(args, session)
	}
	b.WriteString(` ORDER BY id DESC LIMIT 1`)

	var id int64
	switch err := db.QueryRow(b.String(), args...).Scan(&id); {
	case errors.Is(err, sql.ErrNoRows) && session != "":
		return 0, fmt.Errorf("no %s event found for session %s", eventType, session)
	case errors.Is(err, sql.ErrNoRows):
		return 0, fmt.Errorf("no %s event found", eventType)
	case err != nil:
		return 0, err
	}
	return id, nil
}

const subtreeQuery = `
WITH RECURSIVE tree(id) AS (
	SELECT id FROM events WHERE id = ?
	UNION ALL
	SELECT child.id FROM events child JOIN tree ON child.parent_id = tree.id
)
SELECT id, timestamp, parent_id, event_type, payload
FROM events WHERE id IN (SELECT id FROM tree)
ORDER BY id`

// querySubtree loads rootID and all its descendants in id order.
func querySubtree(db *sql.DB, rootID int64) ([]*Event, error) {
	rows, err := db.Query(subtreeQuery, rootID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.ParentID, &e.EventType, &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// buildTree links events to their parents and returns the node for rootID.
// Children keep id order.
func buildTree(events []*Event, rootID int64) *Event {
	byID := make(map[int64]*Event, len(events))
	for _, e := range events {
		byID[e.ID] = e
	}
	for _, e := range events {
		if !e.ParentID.Valid || e.ParentID.Int64 == e.ID {
			continue
		}
		if parent := byID[e.ParentID.Int64]; parent != nil {
			parent.Children = append(parent.Children, e)
		}
	}
	for _, e := range events {
		slices.SortFunc(e.Children, func(a, b *Event) int { return int(a.ID - b.ID) })
	}
	return byID[rootID]
}

type treePrinter struct {
	w         io.Writer
	maxDepth  int
	noPayload bool
}

func (p treePrinter) root(e *Event) {
	fmt.Fprintln(p.w, formatEvent(e, p.noPayload))
	p.children(e, "", 1)
}

// children prints the children of e, which sits at depth, each line
// starting with indent.
func (p treePrinter) children(e *Event, indent string, depth int) {
	if len(e.Children) == 0 {
		return
	}
	if p.maxDepth > 0 && depth >= p.maxDepth {
		fmt.Fprintln(p.w, indent+"└── [...]")
		return
	}
	for i, c := range e.Children {
		branch, next := "├── ", "│   "
		if i == len(e.Children)-1 {
			branch, next = "└── ", "    "
		}
		fmt.Fprintln(p.w, indent+branch+formatEvent(c, p.noPayload))
		p.children(c, indent+next, depth+1)
	}
}

// formatEvent renders "[id] time  type  k=v ..." with keys sorted.
func formatEvent(e *Event, noPayload bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%d] %s  %s", e.ID, time.Unix(e.Timestamp, 0).UTC().Format(time.DateTime), e.EventType)
	if noPayload {
		return b.String()
	}
	m := e.fields()
	for _, k := range slices.Sorted(maps.Keys(m)) {
		b.WriteString("  " + k + "=" + formatValue(m[k]))
	}
	return b.String()
}

const maxValueRunes = 80

func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		if r := []rune(val); len(r) > maxValueRunes {
			return strconv.Quote(string(r[:maxValueRunes]) + "...")
		}
		return val
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'g', -1, 64)
	}
	return fmt.Sprint(v)
}

type jsonEvent struct {
	ID        int64          `json:"id"`
	Timestamp int64          `json:"timestamp"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Children  []jsonEvent    `json:"children,omitempty"`
}

func toJSON(e *Event, depth, maxDepth int, noPayload bool) jsonEvent {
	out := jsonEvent{ID: e.ID, Timestamp: e.Timestamp, EventType: e.EventType}
	if !noPayload {
		out.Payload = e.fields()
	}
	if maxDepth > 0 && depth >= maxDepth {
		return out
	}
	for _, c := range e.Children {
		out.Children = append(out.Children, toJSON(c, depth+1, maxDepth, noPayload))
	}
	return out
}

func printJSON(w io.Writer, root *Event, maxDepth int, noPayload bool) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(toJSON(root, 1, maxDepth, noPayload)); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}
