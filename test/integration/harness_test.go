//go:build integration

package integration

import "testing"

func TestPublishedAddr(t *testing.T) {
	tests := []struct {
		out     string
		want    string
		wantErr bool
	}{
		{"127.0.0.1:49153", "127.0.0.1:49153", false},
		{"127.0.0.1:49153\n[::1]:49153", "127.0.0.1:49153", false},
		{"", "", true},
		{"49153", "", true},
		{":49153", "", true},
	}
	for _, tt := range tests {
		got, err := publishedAddr(tt.out)
		if (err != nil) != tt.wantErr {
			t.Errorf("publishedAddr(%q) error = %v, wantErr %v", tt.out, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("publishedAddr(%q) = %q, want %q", tt.out, got, tt.want)
		}
	}
}
