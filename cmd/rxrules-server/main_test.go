package main

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alqaisi42/medexaTPA-sub004/internal/domain/rules"
	"github.com/alqaisi42/medexaTPA-sub004/internal/platform/db"
)

// ---------------------------------------------------------------------------
// evaluate helpers
// ---------------------------------------------------------------------------

func TestCheckKind(t *testing.T) {
	tests := []struct {
		kind    string
		pack    string
		wantErr bool
	}{
		{kindDecision, "", false},
		{kindDrugRules, "formulary", false},
		{kindDosage, "formulary", false},
		{kindDrugRules, "", true},
		{kindDosage, "", true},
		{"pricing", "formulary", true},
	}
	for _, tt := range tests {
		err := checkKind(tt.kind, tt.pack)
		if (err != nil) != tt.wantErr {
			t.Errorf("checkKind(%q, %q) error = %v, wantErr %v", tt.kind, tt.pack, err, tt.wantErr)
		}
	}
}

func TestEvaluationContext_DefaultsDate(t *testing.T) {
	now := time.Date(2026, 3, 14, 17, 45, 0, 0, time.UTC)
	ec, err := evaluationContext([]byte(`{"factors":{"AGE":42,"GENDER":"F","PREGNANT":false}}`), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC); !ec.Date().Equal(want) {
		t.Errorf("date = %v, want %v", ec.Date(), want)
	}
	if v, _ := ec.Factor("AGE"); v != "42" {
		t.Errorf("AGE = %q, want 42", v)
	}
	if v, _ := ec.Factor("PREGNANT"); v != "false" {
		t.Errorf("PREGNANT = %q, want false", v)
	}
}

func TestEvaluationContext_ExplicitDate(t *testing.T) {
	ec, err := evaluationContext([]byte(`{"date":"2025-01-31","factors":{}}`), time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC); !ec.Date().Equal(want) {
		t.Errorf("date = %v, want %v", ec.Date(), want)
	}
}

func TestEvaluationContext_Invalid(t *testing.T) {
	cases := []string{
		`{"date":"31/01/2025"}`,
		`{"factors":{"AGE":[1,2]}}`,
		`not json`,
	}
	for _, raw := range cases {
		if _, err := evaluationContext([]byte(raw), time.Now()); err == nil {
			t.Errorf("evaluationContext(%s): expected error", raw)
		}
	}
}

func TestReadInput_Stdin(t *testing.T) {
	got, err := readInput(strings.NewReader(`{"pack_id":"p"}`), "-")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != `{"pack_id":"p"}` {
		t.Errorf("got %q", got)
	}
}

func TestReadInput_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "req.json")
	if err := os.WriteFile(path, []byte(`{}`), 0o600); err != nil {
		t.Fatal(err)
	}
	got, err := readInput(nil, path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != `{}` {
		t.Errorf("got %q", got)
	}
}

// ---------------------------------------------------------------------------
// import helpers
// ---------------------------------------------------------------------------

func TestImportFile_Missing(t *testing.T) {
	_, err := importFile(context.Background(), nil, filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected fs.ErrNotExist, got %v", err)
	}
}

func TestImportFile_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bundle.yaml")
	if err := os.WriteFile(path, []byte("pack_id: p\nunknown_key: 1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := importFile(context.Background(), nil, path)
	if !errors.Is(err, rules.ErrMalformedBundle) {
		t.Errorf("expected ErrMalformedBundle, got %v", err)
	}
}

func TestWriteJSON_Indented(t *testing.T) {
	var buf bytes.Buffer
	if err := writeJSON(&buf, &rules.ImportSummary{PackID: "p", DrugRules: 2}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "\n  \"pack_id\": \"p\"") {
		t.Errorf("expected indented output, got %s", out)
	}
	if !strings.Contains(out, `"drug_rules": 2`) {
		t.Errorf("expected drug_rules count, got %s", out)
	}
}

// ---------------------------------------------------------------------------
// migrate helpers
// ---------------------------------------------------------------------------

func TestMigrationFS_Embedded(t *testing.T) {
	entries, err := fs.ReadDir(migrationFS(""), ".")
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}
	var sql int
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sql") {
			sql++
		}
	}
	if sql == 0 {
		t.Error("expected embedded .sql migrations")
	}
}

func TestMigrationFS_Dir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "001_init.sql"), []byte("SELECT 1;"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Stat(migrationFS(dir), "001_init.sql"); err != nil {
		t.Errorf("expected file in dir filesystem: %v", err)
	}
}

func TestPrintStatus(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var buf bytes.Buffer
	printStatus(&buf, "public", []db.MigrationStatus{
		{Version: 1, Name: "factors", Applied: true, AppliedAt: &at},
		{Version: 2, Name: "drug_rules"},
	})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 5 {
		t.Fatalf("expected 5 lines, got %d:\n%s", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], "public") {
		t.Errorf("header missing schema: %q", lines[0])
	}
	if !strings.Contains(lines[3], "applied") || !strings.Contains(lines[3], "2026-01-02 03:04:05") {
		t.Errorf("unexpected applied row: %q", lines[3])
	}
	if !strings.Contains(lines[4], "pending") {
		t.Errorf("unexpected pending row: %q", lines[4])
	}
}
