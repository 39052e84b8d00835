package db

import (
	"strings"
	"testing"
)

func TestRecipientAddress(t *testing.T) {
	rc := Recipient{Name: "Ada", Phone: "+15551234567", ChatID: "42"}

	tests := []struct {
		channel string
		want    string
	}{
		{ChannelChat, "42"},
		{ChannelText, "+15551234567"},
		{ChannelAuto, ""},
		{"fax", ""},
	}

	for _, tt := range tests {
		t.Run(tt.channel, func(t *testing.T) {
			if got := rc.Address(tt.channel); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestConfigDSN(t *testing.T) {
	cfg := Config{Host: "db", Port: 5432, User: "herald", Database: "herald", SSLMode: "disable"}

	dsn := cfg.DSN()
	if strings.Contains(dsn, "password=") {
		t.Errorf("empty password should be omitted: %s", dsn)
	}

	cfg.Password = "s3cret"
	cfg.AppName = "herald-gateway"
	dsn = cfg.DSN()
	for _, part := range []string{"host=db", "port=5432", "password=s3cret", "application_name=herald-gateway"} {
		if !strings.Contains(dsn, part) {
			t.Errorf("dsn %q missing %q", dsn, part)
		}
	}
}
