package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                "/",
		"/metrics":                        "/metrics",
		"/v1/autoclaves/abc":              "/v1/autoclaves/:id",
		"/v1/autoclaves/abc/maintenance":  "/v1/autoclaves/:id/maintenance",
		"/v1/lots/01HZX/validate":         "/v1/lots/:id/validate",
		"/v1/controls/pending":            "/v1/controls/pending",
		"/v1/controls/c1/resolve":         "/v1/controls/:id/resolve",
		"/v1/trays/lookup?code=BDJ-1":     "/v1/trays/lookup",
		"/v1/trays/t1/assign":             "/v1/trays/:id/assign",
		"/v1/assignments/recent?limit=10": "/v1/assignments/recent",
		"/v1/lots":                        "/v1/lots",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
