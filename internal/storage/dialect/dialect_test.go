package dialect

import (
	"reflect"
	"testing"
)

func TestFor(t *testing.T) {
	tests := []struct {
		name    string
		want    Name
		driver  string
		wantErr bool
	}{
		{"sqlite", SQLite, "sqlite", false},
		{"sqlite3", SQLite, "sqlite", false},
		{"postgres", Postgres, "pgx", false},
		{"PostgreSQL", Postgres, "pgx", false},
		{"pgx", Postgres, "pgx", false},
		{"mysql", "", "", true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			d, err := For(tt.name)
			if (err != nil) != tt.wantErr {
				t.Fatalf("For(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			}
			if d.Name != tt.want || d.Driver != tt.driver {
				t.Errorf("For(%q) = %s/%s, want %s/%s", tt.name, d.Name, d.Driver, tt.want, tt.driver)
			}
		})
	}
}

func TestRebind(t *testing.T) {
	const q = "UPDATE capacity SET used = used + ? WHERE supplier_id = ? AND used + ? <= capacity"

	sqlite, _ := For("sqlite")
	if got := sqlite.Rebind(q); got != q {
		t.Errorf("sqlite Rebind changed the query: %s", got)
	}

	pg, _ := For("postgres")
	want := "UPDATE capacity SET used = used + $1 WHERE supplier_id = $2 AND used + $3 <= capacity"
	if got := pg.Rebind(q); got != want {
		t.Errorf("postgres Rebind = %s, want %s", got, want)
	}
}

func TestOnConflict(t *testing.T) {
	d, _ := For("sqlite")

	if got, want := d.OnConflict("supplier_id"), "ON CONFLICT (supplier_id) DO NOTHING"; got != want {
		t.Errorf("OnConflict() = %q, want %q", got, want)
	}
	got := d.OnConflict("supplier_id", "capacity", "updated_at")
	want := "ON CONFLICT (supplier_id) DO UPDATE SET capacity = excluded.capacity, updated_at = excluded.updated_at"
	if got != want {
		t.Errorf("OnConflict() = %q, want %q", got, want)
	}
}

func TestPage(t *testing.T) {
	const base = "SELECT id FROM conversations"
	sqlite, _ := For("sqlite")
	pg, _ := For("postgres")

	tests := []struct {
		name          string
		d             Dialect
		limit, offset int
		want          string
		wantArgs      []any
	}{
		{"none", sqlite, 0, 0, base, []any{"run-1"}},
		{"limit", pg, 10, 0, base + " LIMIT ?", []any{"run-1", 10}},
		{"limit and offset", pg, 10, 20, base + " LIMIT ? OFFSET ?", []any{"run-1", 10, 20}},
		{"sqlite offset only", sqlite, 0, 5, base + " LIMIT -1 OFFSET ?", []any{"run-1", 5}},
		{"postgres offset only", pg, 0, 5, base + " OFFSET ?", []any{"run-1", 5}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, args := tt.d.Page(base, []any{"run-1"}, tt.limit, tt.offset)
			if got != tt.want {
				t.Errorf("Page() query = %q, want %q", got, tt.want)
			}
			if !reflect.DeepEqual(args, tt.wantArgs) {
				t.Errorf("Page() args = %v, want %v", args, tt.wantArgs)
			}
		})
	}
}
