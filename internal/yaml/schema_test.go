package yaml

import (
	"strings"
	"testing"
)

func TestValidateSchemaHeader_Valid(t *testing.T) {
	content := []byte("schema_version: 1\nfile_type: dag\nsteps: {}\n")
	if err := ValidateSchemaHeader(content, FileTypeDAG); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestValidateSchemaHeader_AnyExpected(t *testing.T) {
	content := []byte("schema_version: 1\nfile_type: step_index\n")
	if err := ValidateSchemaHeader(content, ""); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestValidateSchemaHeader_Errors(t *testing.T) {
	cases := []struct {
		name     string
		content  string
		expected string
		wantSub  string
	}{
		{"missing version", "file_type: dag\n", FileTypeDAG, "schema_version"},
		{"future version", "schema_version: 99\nfile_type: dag\n", FileTypeDAG, "unsupported schema_version"},
		{"missing file type", "schema_version: 1\n", FileTypeDAG, "missing file_type"},
		{"unknown file type", "schema_version: 1\nfile_type: nonsense\n", FileTypeDAG, "unknown file_type"},
		{"mismatch", "schema_version: 1\nfile_type: step_index\n", FileTypeDAG, "file_type mismatch"},
		{"not yaml", "\t{{{", FileTypeDAG, "parse yaml"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateSchemaHeader([]byte(tc.content), tc.expected)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Errorf("expected error containing %q, got %q", tc.wantSub, err.Error())
			}
		})
	}
}
