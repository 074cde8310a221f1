package postgres

import (
	"io/fs"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/shopspring/decimal"
)

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  ClientConfig
		want string
	}{
		{"explicit", ClientConfig{DSN: "postgres://x"}, "postgres://x"},
		{"defaults", ClientConfig{User: "mf", Password: "pw", Host: "db", Database: "microflow"},
			"postgres://mf:pw@db:5432/microflow?application_name=microflow&sslmode=disable"},
		{"ssl", ClientConfig{User: "mf", Password: "pw", Host: "db", Port: 6432, Database: "m", SSLMode: "require"},
			"postgres://mf:pw@db:6432/m?application_name=microflow&sslmode=require"},
		{"escaped password", ClientConfig{User: "mf", Password: "p@ss/w", Host: "db", Database: "m"},
			"postgres://mf:p%40ss%2Fw@db:5432/m?application_name=microflow&sslmode=disable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DSN(tt.cfg); got != tt.want {
				t.Errorf("DSN = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestListQuery(t *testing.T) {
	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	q := newListQuery("SELECT * FROM t WHERE 1=1")
	q.where("instance_key = $%d", "btc-1")
	q.where("exit_time >= $%d", since)
	q.page("exit_time DESC", 10, 20)

	want := "SELECT * FROM t WHERE 1=1 AND instance_key = $1 AND exit_time >= $2 ORDER BY exit_time DESC LIMIT $3 OFFSET $4"
	if q.sql != want {
		t.Errorf("sql = %q\nwant  %q", q.sql, want)
	}
	if len(q.args) != 4 || q.args[0] != "btc-1" || q.args[2] != 10 || q.args[3] != 20 {
		t.Errorf("args = %v", q.args)
	}
}

func TestListQueryNoPaging(t *testing.T) {
	q := newListQuery("SELECT 1 WHERE 1=1")
	q.page("id", 0, 0)
	if q.sql != "SELECT 1 WHERE 1=1 ORDER BY id" || len(q.args) != 0 {
		t.Errorf("sql = %q args = %v", q.sql, q.args)
	}
}

func TestNullTime(t *testing.T) {
	if nullTime(time.Time{}) != nil {
		t.Error("zero time should map to nil")
	}
	now := time.Now()
	if got := nullTime(now); got == nil || !got.Equal(now) {
		t.Errorf("nullTime(now) = %v", got)
	}
	if !fromNullTime(nil).IsZero() {
		t.Error("nil should map to zero time")
	}
}

func TestParseNumeric(t *testing.T) {
	d, err := parseNumeric("-12.345678901234")
	if err != nil || !d.Equal(decimal.RequireFromString("-12.345678901234")) {
		t.Errorf("parseNumeric = %v, %v", d, err)
	}
	if d, err := parseNumeric(""); err != nil || !d.IsZero() {
		t.Errorf("empty = %v, %v", d, err)
	}
	if _, err := parseNumeric("abc"); err == nil {
		t.Error("expected error for junk")
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	names, err := migrationNames()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) == 0 || names[0] != "001_init.sql" {
		t.Fatalf("names = %v", names)
	}
	data, err := migrationsFS.ReadFile("migrations/" + names[0])
	if err != nil {
		t.Fatal(err)
	}
	for _, table := range []string{"trade_records", "positions", "audit_log", "strategy_configs"} {
		if !strings.Contains(string(data), "CREATE TABLE IF NOT EXISTS "+table) {
			t.Errorf("migration missing table %s", table)
		}
	}
}

func TestParseMigrationName(t *testing.T) {
	tests := []struct {
		file    string
		version int
		name    string
		wantErr bool
	}{
		{"001_init.sql", 1, "init", false},
		{"012_audit_index.sql", 12, "audit_index", false},
		{"init.sql", 0, "", true},
		{"abc_init.sql", 0, "", true},
		{"000_zero.sql", 0, "", true},
		{"002_.sql", 0, "", true},
		{"003_notes.txt", 0, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			version, name, err := parseMigrationName(tt.file)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if version != tt.version || name != tt.name {
				t.Errorf("got %d %q, want %d %q", version, name, tt.version, tt.name)
			}
		})
	}
}

func TestLoadMigrationsOrdersByVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"010_late.sql":   {Data: []byte("SELECT 10;")},
		"002_second.sql": {Data: []byte("SELECT 2;")},
		"001_first.sql":  {Data: []byte("SELECT 1;")},
		"README.md":      {Data: []byte("notes")},
	}
	got, err := loadMigrations(fsys)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, m := range got {
		names = append(names, m.String())
	}
	if strings.Join(names, ",") != "001_first,002_second,010_late" {
		t.Fatalf("order = %v", names)
	}
	if got[0].SQL != "SELECT 1;" || len(got[0].Checksum) != 64 {
		t.Errorf("first = %+v", got[0])
	}

	dup := fstest.MapFS{
		"001_a.sql": {Data: []byte("SELECT 1;")},
		"1_b.sql":   {Data: []byte("SELECT 1;")},
	}
	if _, err := loadMigrations(dup); err == nil {
		t.Error("duplicate versions should fail")
	}
}

func TestPendingMigrations(t *testing.T) {
	all := []migration{
		{Version: 1, Name: "init", Checksum: "aa"},
		{Version: 2, Name: "audit", Checksum: "bb"},
		{Version: 3, Name: "configs", Checksum: "cc"},
	}
	tests := []struct {
		name    string
		applied map[int]string
		want    []int
		wantErr bool
	}{
		{"fresh database", map[int]string{}, []int{1, 2, 3}, false},
		{"partially applied", map[int]string{1: "aa"}, []int{2, 3}, false},
		{"up to date", map[int]string{1: "aa", 2: "bb", 3: "cc"}, nil, false},
		{"applied file edited", map[int]string{1: "aa", 2: "zz"}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := pendingMigrations(all, tt.applied)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			var versions []int
			for _, m := range got {
				versions = append(versions, m.Version)
			}
			if len(versions) != len(tt.want) {
				t.Fatalf("pending = %v, want %v", versions, tt.want)
			}
			for i := range versions {
				if versions[i] != tt.want[i] {
					t.Fatalf("pending = %v, want %v", versions, tt.want)
				}
			}
		})
	}
}

func TestEmbeddedMigrationsLoad(t *testing.T) {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		t.Fatal(err)
	}
	got, err := loadMigrations(sub)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) == 0 || got[0].Version != 1 {
		t.Fatalf("embedded migrations = %v", got)
	}
}
