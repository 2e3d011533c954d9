package name

import "testing"

func TestForTaskRun(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"run-42", "sbx-run-42"},
		{"Run_42.x", "sbx-Run_42.x"},
		{"run 42/abc", "sbx-run-42-abc"},
		{"", "sbx-"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ForTaskRun(tt.input); got != tt.want {
				t.Errorf("ForTaskRun(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestIsSandbox(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"sbx-run-42", true},
		{"sbx-", true},
		{"postgres", false},
		{"my-sbx-thing", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := IsSandbox(tt.input); got != tt.want {
			t.Errorf("IsSandbox(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestTaskRunID(t *testing.T) {
	if got := TaskRunID("sbx-run-42"); got != "run-42" {
		t.Errorf("TaskRunID(sbx-run-42) = %q, want run-42", got)
	}
	if got := TaskRunID("postgres"); got != "" {
		t.Errorf("TaskRunID(postgres) = %q, want empty", got)
	}
}
