package termvalidate

import "testing"

func TestValidatePodContainer(t *testing.T) {
	cases := []struct {
		name      string
		pod       string
		container string
		wantErr   bool
	}{
		{"valid", "p-1", "c-1", false},
		{"empty pod", "", "c-1", true},
		{"uppercase", "Bad-Pod", "c-1", true},
		{"space", "bad pod", "c-1", true},
		{"leading hyphen", "-p1", "c-1", true},
		{"too long", string(make([]byte, 254)), "c-1", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidatePodContainer(tc.pod, tc.container)
			if (err != nil) != tc.wantErr {
				t.Fatalf("ValidatePodContainer(%q,%q) err=%v, wantErr=%v", tc.pod, tc.container, err, tc.wantErr)
			}
		})
	}
}

func TestValidateResizeClamps(t *testing.T) {
	cols, rows, ok := ValidateResize(80, 24)
	if !ok || cols != 80 || rows != 24 {
		t.Fatalf("expected passthrough, got %d,%d,%v", cols, rows, ok)
	}

	cols, rows, ok = ValidateResize(0, 5000)
	if ok {
		t.Fatal("expected ok=false for out-of-range input")
	}
	if cols != 1 || rows != 1000 {
		t.Fatalf("expected clamp to 1,1000 got %d,%d", cols, rows)
	}
}

func TestValidateInput(t *testing.T) {
	if err := ValidateInput(nil); err == nil {
		t.Fatal("expected error for empty input")
	}
	if err := ValidateInput([]byte("echo hi\n")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	oversized := make([]byte, 64*1024+1)
	if err := ValidateInput(oversized); err == nil {
		t.Fatal("expected error for oversized input")
	}
}
