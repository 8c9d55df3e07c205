package exclude

import "testing"

func TestFilterAllow(t *testing.T) {
	tests := []struct {
		name   string
		filter Filter
		path   string
		want   bool
	}{
		{"empty filter", Filter{}, "SITE-A/P1/steps/20240101_0000.csv.gz", true},
		{"excluded site", New(nil, []string{"SITE-B"}), "SITE-B/P1/steps/x.csv.gz", false},
		{"excluded metric", New(nil, []string{"gps"}), "SITE-A/P1/gps/x.csv.gz", false},
		{"included site", New([]string{"SITE-A"}, nil), "SITE-A/P1/steps/x.csv.gz", true},
		{"not included", New([]string{"SITE-A"}, nil), "SITE-B/P1/steps/x.csv.gz", false},
		{"exclude beats include", New([]string{"SITE-A"}, []string{"P1"}), "SITE-A/P1/steps/x.csv.gz", false},
		{"component not substring", New(nil, []string{"P1"}), "SITE-A/P10/steps/x.csv.gz", true},
		{"comma separated", New([]string{"SITE-C, SITE-A"}, nil), "SITE-A/P1/steps/x.csv.gz", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Allow(tt.path); got != tt.want {
				t.Errorf("Allow(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestNewDropsEmptyEntries(t *testing.T) {
	f := New([]string{"", " ", "a,,b"}, nil)
	if len(f.Include) != 2 {
		t.Errorf("expected 2 include entries, got %d: %v", len(f.Include), f.Include)
	}
	if !New(nil, []string{""}).IsZero() {
		t.Error("filter with only empty entries should be zero")
	}
}

func TestSkipDirAndFile(t *testing.T) {
	for _, name := range []string{".mhm", ".git", "__MACOSX", "tmp"} {
		if !SkipDir(name) {
			t.Errorf("SkipDir(%q) = false, want true", name)
		}
	}
	for _, name := range []string{"SITE-A", "steps", "."} {
		if SkipDir(name) {
			t.Errorf("SkipDir(%q) = true, want false", name)
		}
	}
	for _, name := range []string{".20240101_0000.csv.gz.tmp", "a.csv.gz.part", "x.swp"} {
		if !SkipFile(name) {
			t.Errorf("SkipFile(%q) = false, want true", name)
		}
	}
	if SkipFile("20240101_0000.csv.gz") {
		t.Error("data file should not be skipped")
	}
}
