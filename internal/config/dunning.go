package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// DunningStage is one step of the recovery schedule. OffsetDays counts from
// the start of the episode, not from the previous stage.
type DunningStage struct {
	Stage      string `mapstructure:"stage"`
	OffsetDays int    `mapstructure:"offsetDays"`
	TemplateID string `mapstructure:"templateId"`
}

type DunningConfig struct {
	Stages []DunningStage `mapstructure:"stages"`
}

func DefaultDunningConfig() DunningConfig {
	return DunningConfig{
		Stages: []DunningStage{
			{Stage: "payment_failed", OffsetDays: 0, TemplateID: "dunning_payment_failed"},
			{Stage: "first_reminder", OffsetDays: 3, TemplateID: "dunning_first_reminder"},
			{Stage: "second_reminder", OffsetDays: 7, TemplateID: "dunning_second_reminder"},
			{Stage: "final_warning", OffsetDays: 12, TemplateID: "dunning_final_warning"},
			{Stage: "canceled", OffsetDays: 14, TemplateID: "dunning_canceled"},
		},
	}
}

// DunningConfigHolder serves the current schedule and hot-reloads it when the
// config file changes. Invalid reloads are ignored.
type DunningConfigHolder struct {
	current atomic.Value // holds DunningConfig
}

func NewDunningConfigHolder() (*DunningConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("dunning")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/memberd/config")
	v.AddConfigPath("/etc/memberd")
	v.AddConfigPath(".")

	v.SetEnvPrefix("MEMBERD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := DefaultDunningConfig()
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	} else {
		if err := v.UnmarshalKey("dunning", &cfg); err != nil {
			return nil, err
		}
	}
	if err := validateDunningConfig(cfg); err != nil {
		return nil, err
	}

	holder := &DunningConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated DunningConfig
		if err := v.UnmarshalKey("dunning", &updated); err != nil {
			log.Printf("[dunning-config] reload failed: %v", err)
			return
		}
		if err := validateDunningConfig(updated); err != nil {
			log.Printf("[dunning-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[dunning-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticDunningConfigHolder wraps a fixed schedule. Used by tests and by
// callers that do not want file watching.
func NewStaticDunningConfigHolder(cfg DunningConfig) (*DunningConfigHolder, error) {
	if err := validateDunningConfig(cfg); err != nil {
		return nil, err
	}
	holder := &DunningConfigHolder{}
	holder.current.Store(cfg)
	return holder, nil
}

func (h *DunningConfigHolder) Get() DunningConfig {
	return h.current.Load().(DunningConfig)
}

func validateDunningConfig(cfg DunningConfig) error {
	if len(cfg.Stages) < 2 {
		return errors.New("dunning.stages requires at least an initial and a terminal stage")
	}
	if cfg.Stages[0].OffsetDays != 0 {
		return errors.New("dunning.stages first stage must start at day 0")
	}
	for i := 1; i < len(cfg.Stages); i++ {
		if cfg.Stages[i].OffsetDays <= cfg.Stages[i-1].OffsetDays {
			return errors.New("dunning.stages offsets must be strictly increasing")
		}
	}
	for _, stage := range cfg.Stages {
		if strings.TrimSpace(stage.Stage) == "" {
			return errors.New("dunning.stages stage name cannot be empty")
		}
	}
	if cfg.Stages[len(cfg.Stages)-1].Stage != "canceled" {
		return errors.New("dunning.stages must end with the canceled stage")
	}
	return nil
}
