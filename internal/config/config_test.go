package config

import (
	"testing"

	"github.com/spf13/pflag"
)

func TestLoad_RequiresLockOrSlotkeeper(t *testing.T) {
	flags := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	v := NewViper()
	BindServeFlags(flags, v)
	if err := flags.Parse(nil); err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if _, err := Load(v); err == nil {
		t.Fatal("expected an error when neither --lock nor --slotkeeper is set")
	}
}

func TestLoad_AllAliasSetsBoth(t *testing.T) {
	flags := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	v := NewViper()
	BindServeFlags(flags, v)
	if err := flags.Parse([]string{"--all", "--name=svc1"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}

	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Lock || !cfg.Slotkeeper {
		t.Errorf("expected --all to set both Lock and Slotkeeper, got %+v", cfg)
	}
}

func TestLoad_NameDefaultsAndOverrides(t *testing.T) {
	flags := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	v := NewViper()
	BindServeFlags(flags, v)
	if err := flags.Parse([]string{"--lock", "--name=primary", "--port=9090"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}

	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Name != "primary" {
		t.Errorf("expected name %q, got %q", "primary", cfg.Name)
	}
	if cfg.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Port)
	}
	if cfg.Slotkeeper {
		t.Error("expected Slotkeeper to stay false without --slotkeeper or --all")
	}
}

func TestLoad_EmptyNameRejected(t *testing.T) {
	flags := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	v := NewViper()
	BindServeFlags(flags, v)
	if err := flags.Parse([]string{"--lock", "--name="}); err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if _, err := Load(v); err == nil {
		t.Fatal("expected an error for an empty --name")
	}
}
