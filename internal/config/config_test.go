package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func validConfig() *Config {
	return &Config{
		Enabled: true,
		Receiving: ReceivingConfig{
			Type:           "IMAP4",
			Server:         "mail.example.com",
			UseSSL:         true,
			Username:       "gateway",
			Password:       "secret",
			PollingSeconds: 30,
		},
		Sending: SendingConfig{
			Server:  "smtp.example.com",
			Port:    587,
			Address: "server@gateway.example.com",
		},
		Inject: InjectConfig{
			Scheme: "https",
			Host:   "localhost",
			Port:   8443,
		},
		Database:             DatabaseConfig{Driver: "sqlite", DSN: ":memory:"},
		InvitationDaysToLive: 90,
	}
}

func TestValidate(t *testing.T) {
	cfg := validConfig()
	assert.NoError(t, cfg.Validate())
	// IMAP4 + SSL 补全默认端口
	assert.Equal(t, 993, cfg.Receiving.Port)
}

func TestValidateInvalidReceivingType(t *testing.T) {
	cfg := validConfig()
	cfg.Receiving.Type = "NNTP"
	assert.ErrorContains(t, cfg.Validate(), "invalid receiving type")
}

func TestValidateDisabledSkipsChecks(t *testing.T) {
	cfg := &Config{Enabled: false}
	assert.NoError(t, cfg.Validate())
}

func TestValidateBadSendingAddress(t *testing.T) {
	cfg := validConfig()
	cfg.Sending.Address = "not-an-address"
	assert.ErrorContains(t, cfg.Validate(), "not a mail address")
}

func TestValidateBadDriver(t *testing.T) {
	cfg := validConfig()
	cfg.Database.Driver = "oracle"
	assert.ErrorContains(t, cfg.Validate(), "unsupported database driver")
}

func TestNormalizeReceivingType(t *testing.T) {
	cases := map[string]string{
		"pop":   ReceivingTypePOP3,
		"POP3":  ReceivingTypePOP3,
		"imap":  ReceivingTypeIMAP4,
		"IMAP4": ReceivingTypeIMAP4,
		"imaps": ReceivingTypeIMAP4,
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeReceivingType(in), in)
	}
}

func TestDefaultReceivingPorts(t *testing.T) {
	assert.Equal(t, 995, defaultReceivingPort(ReceivingTypePOP3, true))
	assert.Equal(t, 110, defaultReceivingPort(ReceivingTypePOP3, false))
	assert.Equal(t, 993, defaultReceivingPort(ReceivingTypeIMAP4, true))
	assert.Equal(t, 143, defaultReceivingPort(ReceivingTypeIMAP4, false))
}
