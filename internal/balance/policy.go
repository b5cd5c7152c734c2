package balance

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Policy holds the default balance allowance new companies are seeded
// with. It is the one configuration surface operators are expected to
// tune without restarting the process.
type Policy struct {
	DefaultPerMissionQuota     int64
	DefaultVehiclesMonthlyQuota int64
}

func DefaultPolicy() Policy {
	return Policy{
		DefaultPerMissionQuota:      1000,
		DefaultVehiclesMonthlyQuota: 50,
	}
}

// PolicyHolder serves the current Policy, hot-reloaded from a mounted
// config file without a process restart.
type PolicyHolder struct {
	current atomic.Value // holds Policy
}

func NewPolicyHolder() (*PolicyHolder, error) {
	v := viper.New()

	v.SetConfigName("balance")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/tenantroute/config")
	v.AddConfigPath("/etc/tenantroute")
	v.AddConfigPath(".")

	v.SetEnvPrefix("TENANTROUTE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		defaults := DefaultPolicy()
		v.SetDefault("balance.defaultPerMissionQuota", defaults.DefaultPerMissionQuota)
		v.SetDefault("balance.defaultVehiclesMonthlyQuota", defaults.DefaultVehiclesMonthlyQuota)
	}

	var policy Policy
	if err := v.UnmarshalKey("balance", &policy); err != nil {
		return nil, err
	}
	if err := validatePolicy(policy); err != nil {
		return nil, err
	}

	holder := &PolicyHolder{}
	holder.current.Store(policy)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated Policy
		if err := v.UnmarshalKey("balance", &updated); err != nil {
			log.Printf("[balance-policy] reload failed: %v", err)
			return
		}
		if err := validatePolicy(updated); err != nil {
			log.Printf("[balance-policy] invalid policy ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[balance-policy] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *PolicyHolder) Get() Policy {
	return h.current.Load().(Policy)
}

func validatePolicy(p Policy) error {
	if p.DefaultPerMissionQuota < 0 {
		return errors.New("balance.defaultPerMissionQuota cannot be negative")
	}
	if p.DefaultVehiclesMonthlyQuota < 0 {
		return errors.New("balance.defaultVehiclesMonthlyQuota cannot be negative")
	}
	return nil
}
