package config

import "testing"

func TestDefaults(t *testing.T) {
	c := Default()
	if c.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want :8080", c.ListenAddr)
	}
	if c.MaxConnections != 1000 {
		t.Errorf("MaxConnections = %d, want 1000", c.MaxConnections)
	}
	if c.MaxWSPerIP != 5 {
		t.Errorf("MaxWSPerIP = %d, want 5", c.MaxWSPerIP)
	}
}

func TestPortEnv(t *testing.T) {
	t.Setenv("LISTEN_ADDR", "")
	t.Setenv("PORT", "9090")
	if got := FromEnv().ListenAddr; got != ":9090" {
		t.Errorf("ListenAddr = %q, want :9090", got)
	}
}

func TestListenAddrWinsOverPort(t *testing.T) {
	t.Setenv("LISTEN_ADDR", "127.0.0.1:7000")
	t.Setenv("PORT", "9090")
	if got := FromEnv().ListenAddr; got != "127.0.0.1:7000" {
		t.Errorf("ListenAddr = %q, want 127.0.0.1:7000", got)
	}
}

func TestUnparseableValuesKeepDefaults(t *testing.T) {
	t.Setenv("MAX_CONNECTIONS", "not-a-number")
	t.Setenv("READ_TIMEOUT", "-5s")
	c := FromEnv()
	if c.MaxConnections != 1000 {
		t.Errorf("MaxConnections = %d, want default 1000", c.MaxConnections)
	}
	if c.ReadTimeout != Default().ReadTimeout {
		t.Errorf("ReadTimeout = %v, want default", c.ReadTimeout)
	}
}
