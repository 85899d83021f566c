package migrate

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements(`
		create table t (id text primary key);
		insert into t values ('a;b');
		create index idx on t (id)
	`)
	if len(stmts) != 3 {
		t.Fatalf("expected 3 statements, got %d: %q", len(stmts), stmts)
	}
	if want := "insert into t values ('a;b');"; strings.TrimSpace(stmts[1]) != want {
		t.Fatalf("semicolon inside string literal split the statement: %q", stmts[1])
	}
}

func TestCollectSQLOrdersByName(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"0002_teams.up.sql", "0001_init.up.sql", "0001_init.down.sql"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("select 1;"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	files, err := collectSQL(dir, ".up.sql")
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 || files[0].Base != "0001_init.up.sql" || files[1].Base != "0002_teams.up.sql" {
		t.Fatalf("unexpected files: %+v", files)
	}
	if missing, err := collectSQL(filepath.Join(dir, "nope"), ".up.sql"); err != nil || missing != nil {
		t.Fatalf("missing dir must be empty result, got %v, %v", missing, err)
	}
}
