package account

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFile represents the top-level accounts.yaml structure.
type ConfigFile struct {
	Brokers  []Broker  `yaml:"brokers"`
	Accounts []Account `yaml:"accounts"`
}

// LoadConfig reads and validates accounts and brokers from a YAML file.
// Malformed configuration fails here, at startup, rather than defaulting
// silently somewhere inside a trading loop.
func LoadConfig(path string) (*ConfigFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// ${VAR} references let credentials stay in the environment.
	expanded := os.ExpandEnv(string(data))

	var file ConfigFile
	if err := yaml.Unmarshal([]byte(expanded), &file); err != nil {
		return nil, err
	}

	applyBrokerDefaults(file.Brokers)
	if err := validate(&file); err != nil {
		return nil, err
	}
	return &file, nil
}

func applyBrokerDefaults(brokers []Broker) {
	for i := range brokers {
		b := &brokers[i]
		if b.OrdersPerSec <= 0 {
			b.OrdersPerSec = 1
		}
		if b.OrdersBurst <= 0 {
			b.OrdersBurst = 1
		}
		if b.AccountPerSec <= 0 {
			b.AccountPerSec = 1
		}
		if b.AccountBurst <= 0 {
			b.AccountBurst = 1
		}
		if b.MarketPerSec <= 0 {
			b.MarketPerSec = 5
		}
		if b.MarketBurst <= 0 {
			b.MarketBurst = 5
		}
		if b.MinBatch <= 0 {
			b.MinBatch = 2
		}
		if b.MidBatch < b.MinBatch {
			b.MidBatch = b.MinBatch * 2
		}
		if b.MaxBatch < b.MidBatch {
			b.MaxBatch = b.MidBatch * 2
		}
		if b.BulkCooldown <= 0 {
			b.BulkCooldown = 2 * time.Second
		}
		if b.FailureThreshold <= 0 {
			b.FailureThreshold = 3
		}
		if b.BaseCooldown <= 0 {
			b.BaseCooldown = 10 * time.Second
		}
		if b.HardCooldown <= 0 {
			b.HardCooldown = 30 * time.Second
		}
		if b.BalanceTimeout <= 0 {
			b.BalanceTimeout = 10 * time.Second
		}
	}
}

func validate(file *ConfigFile) error {
	if len(file.Accounts) == 0 {
		return fmt.Errorf("accounts config: no accounts defined")
	}

	brokerNames := make(map[string]bool, len(file.Brokers))
	for _, b := range file.Brokers {
		if b.Name == "" {
			return fmt.Errorf("accounts config: broker with empty name")
		}
		if brokerNames[b.Name] {
			return fmt.Errorf("accounts config: duplicate broker %q", b.Name)
		}
		brokerNames[b.Name] = true
	}

	ids := make(map[string]bool, len(file.Accounts))
	creds := make(map[string]string) // credential key -> account id
	for _, a := range file.Accounts {
		if a.ID == "" {
			return fmt.Errorf("accounts config: account with empty id")
		}
		if ids[a.ID] {
			return fmt.Errorf("accounts config: duplicate account %q", a.ID)
		}
		ids[a.ID] = true

		for _, name := range a.Candidates() {
			if !brokerNames[name] {
				return fmt.Errorf("accounts config: account %q references unknown broker %q", a.ID, name)
			}
		}
		if a.CredentialKey != "" {
			if owner, taken := creds[a.CredentialKey]; taken {
				return fmt.Errorf("accounts config: accounts %q and %q share credential key (fund isolation violation)", owner, a.ID)
			}
			creds[a.CredentialKey] = a.ID
		}
		if a.MaxOrderUSD > 0 && a.MinOrderUSD > a.MaxOrderUSD {
			return fmt.Errorf("accounts config: account %q min_order_usd > max_order_usd", a.ID)
		}
		if a.MaxOrdersPerMinute < 0 || a.ApprovalQuota < 0 {
			return fmt.Errorf("accounts config: account %q has negative limits", a.ID)
		}
	}
	return nil
}

// BrokerByName returns the broker config, or false.
func (f *ConfigFile) BrokerByName(name string) (Broker, bool) {
	for _, b := range f.Brokers {
		if b.Name == name {
			return b, true
		}
	}
	return Broker{}, false
}
