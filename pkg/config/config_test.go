package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
service_name = "financing-test"

[database]
driver = "memory"

[protocol]
bootstrap_admins = ["root"]
fee_rate = "0.05"

[[protocol.bootstrap_grants]]
principal = "ops"
role = "MINTER"

[[vaults]]
tier = "PRIME"
reserve_ratio = "0.2"
target_yield = "0.06"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("APP_HTTP_PORT", "18080")
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	assert.Equal(t, "financing-test", cfg.ServiceName)
	assert.Equal(t, 18080, cfg.HTTP.Port)
	assert.Equal(t, 50051, cfg.GRPC.Port)
	assert.Equal(t, "X-Principal", cfg.HTTP.PrincipalHeader)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, []string{"root"}, cfg.Protocol.BootstrapAdmins)
	require.Len(t, cfg.Protocol.BootstrapGrants, 1)
	assert.Equal(t, RoleGrant{Principal: "ops", Role: "MINTER"}, cfg.Protocol.BootstrapGrants[0])
	require.Len(t, cfg.Vaults, 1)
	assert.Equal(t, "0.06", cfg.Vaults[0].TargetYield)
	assert.Equal(t, "system:default-scanner", cfg.Protocol.DefaultScanner)
	assert.Equal(t, "rail.repayments", cfg.Kafka.RepaymentTopic)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			ServiceName: "financing",
			HTTP:        HTTPConfig{Port: 8080},
			GRPC:        GRPCConfig{Port: 50051},
			Database:    DatabaseConfig{Driver: "sqlite"},
			Protocol:    ProtocolConfig{BootstrapAdmins: []string{"root"}},
		}
	}
	require.NoError(t, base().Validate())

	cases := map[string]func(c *Config){
		"mysql without dsn":     func(c *Config) { c.Database.Driver = "mysql" },
		"unknown driver":        func(c *Config) { c.Database.Driver = "oracle" },
		"kafka without brokers": func(c *Config) { c.Kafka.Enabled = true },
		"verifier without url":  func(c *Config) { c.Verifier.Enabled = true },
		"no admins":             func(c *Config) { c.Protocol.BootstrapAdmins = nil },
		"bad port":              func(c *Config) { c.HTTP.Port = 70000 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := base()
			mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}
