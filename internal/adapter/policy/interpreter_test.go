package policy

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"civicmesh/internal/domain"
)

func TestBuiltinProgramsMatchByKeyword(t *testing.T) {
	in, err := NewInterpreter("", slog.Default())
	if err != nil {
		t.Fatalf("NewInterpreter: %v", err)
	}

	program, err := in.Interpret(context.Background(), "Am I eligible for the CHILDCARE subsidy?")
	if err != nil {
		t.Fatalf("Interpret: %v", err)
	}
	if program.ID != "childcare-subsidy" {
		t.Fatalf("program = %q", program.ID)
	}
	if len(program.Criteria) == 0 || len(program.RequiredClaims) == 0 {
		t.Fatalf("program must carry criteria and required claims: %+v", program)
	}

	program, err = in.Interpret(context.Background(), "I need help paying my rent")
	if err != nil {
		t.Fatalf("Interpret: %v", err)
	}
	if program.ID != "housing-assistance" {
		t.Fatalf("program = %q", program.ID)
	}
}

func TestInterpretNoMatch(t *testing.T) {
	in, err := NewInterpreter("", slog.Default())
	if err != nil {
		t.Fatalf("NewInterpreter: %v", err)
	}
	if _, err := in.Interpret(context.Background(), "what is the weather"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLoadProgramsFromDir(t *testing.T) {
	dir := t.TempDir()
	program := `
name: Transit Pass
summary: Discounted transit for students.
keywords: [transit, bus pass]
requiredClaims: [studentStatus]
criteria:
  - criterion: enrolled student
    field: studentStatus
    operator: "=="
    value: enrolled
`
	if err := os.WriteFile(filepath.Join(dir, "transit-pass.yaml"), []byte(program), 0o600); err != nil {
		t.Fatalf("write program: %v", err)
	}

	in, err := NewInterpreter(dir, slog.Default())
	if err != nil {
		t.Fatalf("NewInterpreter: %v", err)
	}

	got, err := in.Interpret(context.Background(), "do I qualify for a Transit discount?")
	if err != nil {
		t.Fatalf("Interpret: %v", err)
	}
	if got.ID != "transit-pass" {
		t.Fatalf("filename stem should become the program id, got %q", got.ID)
	}
	if got.Criteria[0].Operator != domain.OpEQ {
		t.Fatalf("operator = %q", got.Criteria[0].Operator)
	}
}

func TestLoadRejectsIncompleteProgram(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("name: Broken\n"), 0o600); err != nil {
		t.Fatalf("write program: %v", err)
	}
	if _, err := NewInterpreter(dir, slog.Default()); err == nil {
		t.Fatal("a program without keywords or criteria must fail to load")
	}
}

func TestLoadRejectsEmptyDir(t *testing.T) {
	if _, err := NewInterpreter(t.TempDir(), slog.Default()); err == nil {
		t.Fatal("an empty policy directory must fail to load")
	}
}

func TestPrograms(t *testing.T) {
	in, err := NewInterpreter("", slog.Default())
	if err != nil {
		t.Fatalf("NewInterpreter: %v", err)
	}
	if len(in.Programs()) != 3 {
		t.Fatalf("expected 3 built-in programs, got %d", len(in.Programs()))
	}
}
