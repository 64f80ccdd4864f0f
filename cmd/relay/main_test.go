package main

import (
	"strings"
	"testing"
)

func TestConfigPathFrom(t *testing.T) {
	tests := []struct {
		name string
		args []string
		env  string
		want string
	}{
		{"default", []string{"relay"}, "", "config.yaml"},
		{"env", []string{"relay"}, "/etc/relay.yaml", "/etc/relay.yaml"},
		{"flag", []string{"relay", "--config", "a.yaml"}, "/etc/relay.yaml", "a.yaml"},
		{"flag equals", []string{"relay", "doctor", "--config=b.yaml"}, "", "b.yaml"},
		{"dangling flag", []string{"relay", "--config"}, "", "config.yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := configPathFrom(tt.args, tt.env); got != tt.want {
				t.Errorf("configPathFrom(%v) = %q, want %q", tt.args, got, tt.want)
			}
		})
	}
}

func TestSecretArg(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		stdin   string
		want    string
		wantErr bool
	}{
		{"positional", []string{"gsk-123"}, "", "gsk-123", false},
		{"skips config flag", []string{"--config", "c.yaml", "sk-1"}, "", "sk-1", false},
		{"stdin", nil, "from-stdin\nignored\n", "from-stdin", false},
		{"stdin crlf", []string{"--config", "c.yaml"}, "win\r\n", "win", false},
		{"stdin no newline", nil, "tail", "tail", false},
		{"empty", nil, "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := secretArg(tt.args, strings.NewReader(tt.stdin))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
