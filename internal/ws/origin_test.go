package ws

import (
	"net/http/httptest"
	"testing"
)

func TestOriginValidation(t *testing.T) {
	tests := []struct {
		name       string
		allowed    []string
		production bool
		origin     string
		absent     bool
		want       bool
	}{
		{
			name:    "exact match allowed",
			allowed: []string{"https://app.wayfarer.dev"},
			origin:  "https://app.wayfarer.dev",
			want:    true,
		},
		{
			name:    "unlisted origin rejected",
			allowed: []string{"https://app.wayfarer.dev"},
			origin:  "https://other.example.com",
			want:    false,
		},
		{
			name:    "case sensitive",
			allowed: []string{"http://x"},
			origin:  "HTTP://X",
			want:    false,
		},
		{
			name:    "no subdomain matching",
			allowed: []string{"https://app.example.com"},
			origin:  "https://evil.app.example.com",
			want:    false,
		},
		{
			name:    "no suffix matching",
			allowed: []string{"https://app.example.com"},
			origin:  "https://app.example.com.evil.com",
			want:    false,
		},
		{
			name:    "wildcard allows anything",
			allowed: []string{"*"},
			origin:  "https://whatever.example.com",
			want:    true,
		},
		{
			name:    "wildcard still rejects null origin",
			allowed: []string{"*"},
			origin:  "null",
			want:    false,
		},
		{
			name:    "wildcard still rejects empty origin value",
			allowed: []string{"*"},
			origin:  "",
			want:    false,
		},
		{
			name:    "empty allowlist fails closed",
			allowed: nil,
			origin:  "https://app.wayfarer.dev",
			want:    false,
		},
		{
			name:    "null origin rejected",
			allowed: []string{"https://app.wayfarer.dev"},
			origin:  "null",
			want:    false,
		},
		{
			name:    "empty origin value rejected",
			allowed: []string{"https://app.wayfarer.dev"},
			origin:  "",
			want:    false,
		},
		{
			name:    "absent header allowed in development",
			allowed: []string{"https://app.wayfarer.dev"},
			absent:  true,
			want:    true,
		},
		{
			name:       "absent header rejected in production",
			allowed:    []string{"https://app.wayfarer.dev"},
			production: true,
			absent:     true,
			want:       false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewOriginValidator(tt.allowed, tt.production, discardLogger())
			req := httptest.NewRequest("GET", "/ws/chat/s1", nil)
			if !tt.absent {
				req.Header.Set("Origin", tt.origin)
			}
			if got := v.CheckOrigin(req); got != tt.want {
				t.Errorf("CheckOrigin: got %v, want %v", got, tt.want)
			}
		})
	}
}
