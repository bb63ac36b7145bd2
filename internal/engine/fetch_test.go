package engine

import (
	"testing"

	"nestfetch/internal/metadata"
)

func TestConstraintSQL(t *testing.T) {
	cases := []struct {
		op   string
		want string
	}{
		{"eq", "status = $1"},
		{"neq", "status != $1"},
		{"gt", "status > $1"},
		{"gte", "status >= $1"},
		{"lt", "status < $1"},
		{"lte", "status <= $1"},
		{"in", "status = ANY($1)"},
	}
	for _, tc := range cases {
		pb := &paramBuilder{}
		clause, err := constraintSQL(metadata.Constraint{Column: "status", Operator: tc.op, Value: "x"}, pb)
		if err != nil {
			t.Fatalf("%s: %v", tc.op, err)
		}
		if clause != tc.want {
			t.Fatalf("%s: clause = %q, want %q", tc.op, clause, tc.want)
		}
		if len(pb.params) != 1 {
			t.Fatalf("%s: value not parameterized", tc.op)
		}
	}

	pb := &paramBuilder{}
	if _, err := constraintSQL(metadata.Constraint{Column: "status", Operator: "like"}, pb); err == nil {
		t.Fatalf("unknown operator must error")
	}
}

func TestParamBuilderNumbersSequentially(t *testing.T) {
	pb := &paramBuilder{}
	if p := pb.Add(1); p != "$1" {
		t.Fatalf("first placeholder = %q", p)
	}
	if p := pb.Add(2); p != "$2" {
		t.Fatalf("second placeholder = %q", p)
	}
	if len(pb.params) != 2 {
		t.Fatalf("params = %v", pb.params)
	}
}
