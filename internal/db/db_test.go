package db

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"
)

func TestCloseNil(t *testing.T) {
	var d *DB
	if err := d.Close(); err != nil {
		t.Fatalf("err: %v", err)
	}
}

func TestNewDBOpenError(t *testing.T) {
	old := openDB
	openDB = func(driverName, dataSourceName string) (*sql.DB, error) {
		return nil, errors.New("open error")
	}
	defer func() { openDB = old }()

	if _, err := NewDB("dsn"); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := NewDBWithPool("dsn", PoolConfig{MaxOpenConns: 10}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestDefaultPoolConfig(t *testing.T) {
	cfg := DefaultPoolConfig()
	if cfg.MaxOpenConns != 25 || cfg.MaxIdleConns != 5 || cfg.ConnMaxLifetime != 5*time.Minute {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestNewDBWithPool(t *testing.T) {
	registerFakeDriver()
	oldOpen := openDB
	openDB = func(driverName, dataSourceName string) (*sql.DB, error) {
		return sql.Open(testDriverName, dataSourceName)
	}
	defer func() { openDB = oldOpen }()

	for _, pool := range []PoolConfig{
		{},
		{MaxOpenConns: 50, MaxIdleConns: 10, ConnMaxLifetime: 10 * time.Minute},
	} {
		d, err := NewDBWithPool("dsn", pool)
		if err != nil {
			t.Skipf("driver error: %v", err)
		}
		if d == nil || d.Conn() == nil {
			t.Fatalf("expected usable db")
		}
		_ = d.Close()
	}
}

func TestWithTxNoRawFallsThrough(t *testing.T) {
	conn := &fakeConn{}
	d := &DB{conn: conn}
	called := false
	err := d.withTx(context.Background(), func(c dbConn) error {
		called = true
		if c != dbConn(conn) {
			t.Fatalf("expected fallthrough to current conn")
		}
		return nil
	})
	if err != nil || !called {
		t.Fatalf("err: %v called: %v", err, called)
	}
}

func TestClampPagination(t *testing.T) {
	cases := []struct {
		limit, offset         int
		wantLimit, wantOffset int
	}{
		{0, 0, 50, 0},
		{-1, -5, 50, 0},
		{500, 10, 200, 10},
		{25, 3, 25, 3},
	}
	for _, tc := range cases {
		gotLimit, gotOffset := clampPagination(tc.limit, tc.offset)
		if gotLimit != tc.wantLimit || gotOffset != tc.wantOffset {
			t.Errorf("clampPagination(%d, %d) = (%d, %d), want (%d, %d)",
				tc.limit, tc.offset, gotLimit, gotOffset, tc.wantLimit, tc.wantOffset)
		}
	}
}

func TestNullHelpers(t *testing.T) {
	if nullString("") != nil {
		t.Fatalf("empty string should map to nil")
	}
	if nullString("x") != "x" {
		t.Fatalf("non-empty string should pass through")
	}
	if nullJSON(nil) != nil {
		t.Fatalf("empty json should map to nil")
	}
	if string(defaultJSON(nil)) != "null" {
		t.Fatalf("defaultJSON empty should be null literal")
	}
}
