package extract

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type fakeShell struct {
	outputs map[string]string
	errs    map[string]error
	ran     []string
}

func (f *fakeShell) Shell(ctx context.Context, command string) ([]byte, error) {
	f.ran = append(f.ran, command)
	for prefix, err := range f.errs {
		if strings.HasPrefix(command, prefix) {
			return nil, err
		}
	}
	for prefix, out := range f.outputs {
		if strings.HasPrefix(command, prefix) {
			return []byte(out), nil
		}
	}
	return []byte("0\n"), nil
}

func TestADBCollector_SumsSteps(t *testing.T) {
	sh := &fakeShell{outputs: map[string]string{
		"find /sdcard/DCIM":     "1200\n",
		"find /sdcard/Pictures": "  34\n",
	}}
	c := NewADBCollector(sh, nil)

	var fractions []float64
	n, err := c.Collect(context.Background(), Task{Name: TaskPhotos, Weight: 30}, func(f float64) {
		fractions = append(fractions, f)
	})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1234 {
		t.Errorf("count = %d, want 1234", n)
	}
	if len(fractions) != 2 || fractions[0] != 0.5 || fractions[1] != 1 {
		t.Errorf("fractions = %v", fractions)
	}
	if len(sh.ran) != 2 {
		t.Errorf("ran %d commands", len(sh.ran))
	}
}

func TestADBCollector_UnexpectedOutput(t *testing.T) {
	sh := &fakeShell{outputs: map[string]string{
		"content query --uri content://call_log": "Error while accessing provider:call_log\njava.lang.SecurityException: Permission Denial\n",
	}}
	_, err := NewADBCollector(sh, nil).Collect(context.Background(), Task{Name: TaskCallLogs, Weight: 10}, func(float64) {})
	if err == nil || !strings.Contains(err.Error(), "unexpected output") {
		t.Fatalf("err = %v", err)
	}
}

func TestADBCollector_ShellError(t *testing.T) {
	streamErr := errors.New("stream rejected")
	sh := &fakeShell{errs: map[string]error{"content query --uri content://sms": streamErr}}
	_, err := NewADBCollector(sh, nil).Collect(context.Background(), Task{Name: TaskMessages, Weight: 15}, func(float64) {})
	if !errors.Is(err, streamErr) {
		t.Fatalf("err = %v, want wrapped stream error", err)
	}
}

func TestADBCollector_UnsupportedTask(t *testing.T) {
	_, err := NewADBCollector(&fakeShell{}, nil).Collect(context.Background(), Task{Name: "calendar", Weight: 5}, func(float64) {})
	if !errors.Is(err, ErrUnsupportedTask) {
		t.Fatalf("err = %v", err)
	}
}

func TestParseCount(t *testing.T) {
	tests := []struct {
		in   string
		want int
		ok   bool
	}{
		{"42\n", 42, true},
		{"\n  7  \n", 7, true},
		{"find: /sdcard/Movies: No such file or directory\n0\n", 0, true},
		{"", 0, false},
		{"-3", 0, false},
		{"Row: 0 _id=1", 0, false},
	}
	for _, tt := range tests {
		n, err := parseCount([]byte(tt.in))
		if (err == nil) != tt.ok || n != tt.want {
			t.Errorf("parseCount(%q) = %d, %v", tt.in, n, err)
		}
	}
}
