package weborigin

import "testing"

func TestAllows(t *testing.T) {
	a := make(AllowList)
	a.Add("App.Example.Com")

	cases := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost", true},
		{"http://localhost:3000", true},
		{"http://127.0.0.1:8080", true},
		{"http://[::1]:9000", true},
		{"https://app.example.com", true},
		{"https://evil.example.com", false},
		{"not a url", false},
		{"https://", false},
	}
	for _, tc := range cases {
		if got := a.Allows(tc.origin); got != tc.want {
			t.Errorf("Allows(%q) = %v, want %v", tc.origin, got, tc.want)
		}
	}
}
