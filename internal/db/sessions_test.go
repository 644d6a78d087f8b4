package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestCreateSessionNoDB(t *testing.T) {
	var d *DB
	if err := d.CreateSession(context.Background(), SessionRow{}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestCreateSessionMissingFields(t *testing.T) {
	d := &DB{conn: &fakeConn{}}
	err := d.CreateSession(context.Background(), SessionRow{SessionID: "sess", WorkspaceID: "ws"})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestCreateSessionIdempotent(t *testing.T) {
	conn := &fakeConn{}
	d := &DB{conn: conn}
	row := SessionRow{
		SessionID:      "sess_1",
		WorkspaceID:    "ws_1",
		OrganizationID: "org_1",
		Metadata:       json.RawMessage(`{"prompt":"triage alert"}`),
	}
	if err := d.CreateSession(context.Background(), row); err != nil {
		t.Fatalf("err: %v", err)
	}
	if !strings.Contains(conn.lastExecQuery, "ON CONFLICT (session_id) DO NOTHING") {
		t.Fatalf("expected idempotent insert, got: %s", conn.lastExecQuery)
	}
}

func TestGetSessionFound(t *testing.T) {
	now := time.Now().UTC()
	row := fakeRow{values: []any{
		"sess_1", "ws_1", "org_1",
		sql.NullString{}, sql.NullString{String: "sess_root", Valid: true},
		3, []byte(`{"k":"v"}`), now, now,
	}}
	d := &DB{conn: &fakeConn{row: row}}
	out, found, err := d.GetSession(context.Background(), "ws_1", "sess_1")
	if err != nil || !found {
		t.Fatalf("err: %v found: %v", err, found)
	}
	if out.Turn != 3 || out.RootSessionID != "sess_root" {
		t.Fatalf("row: %+v", out)
	}
}

func TestGetSessionMissing(t *testing.T) {
	d := &DB{conn: &fakeConn{row: fakeRow{err: sql.ErrNoRows}}}
	_, found, err := d.GetSession(context.Background(), "ws_1", "sess_1")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if found {
		t.Fatalf("expected not found")
	}
}

func TestIncrementSessionTurn(t *testing.T) {
	conn := &fakeConn{row: fakeRow{values: []any{4}}}
	d := &DB{conn: conn}
	turn, err := d.IncrementSessionTurn(context.Background(), "ws_1", "sess_1")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if turn != 4 {
		t.Fatalf("turn: %d", turn)
	}
	if !strings.Contains(conn.lastQuery, "turn=turn+1") {
		t.Fatalf("query: %s", conn.lastQuery)
	}
}

func TestIncrementSessionTurnMissing(t *testing.T) {
	d := &DB{conn: &fakeConn{row: fakeRow{err: sql.ErrNoRows}}}
	if _, err := d.IncrementSessionTurn(context.Background(), "ws_1", "sess_1"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestUpdateSessionMetadata(t *testing.T) {
	conn := &fakeConn{}
	d := &DB{conn: conn}
	if err := d.UpdateSessionMetadata(context.Background(), "ws_1", "sess_1", json.RawMessage(`{"x":1}`)); err != nil {
		t.Fatalf("err: %v", err)
	}
	if !strings.Contains(conn.lastExecQuery, "SET metadata=") {
		t.Fatalf("query: %s", conn.lastExecQuery)
	}
}
