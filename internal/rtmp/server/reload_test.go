package server

import (
	"testing"

	"github.com/alxayo/rtmpcore/internal/config"
)

func lockedVhostConfig(allow bool) *config.Config {
	cfg := &config.Config{Vhosts: map[string]*config.Vhost{}}
	cfg.Vhosts["locked"] = &config.Vhost{AllowPublish: &allow}
	cfg.Vhosts[config.DefaultVhostName] = &config.Vhost{}
	return cfg
}

// TestServerReload_SwapsAdmissionPolicy verifies that Reload replaces the
// live admission checker so a policy change takes effect without
// restarting the server or its accept loop.
func TestServerReload_SwapsAdmissionPolicy(t *testing.T) {
	s := New(Config{ListenAddr: ":0", VhostConfig: lockedVhostConfig(false)})

	if err := s.admitPublish("locked", "live", "locked/live", ""); err == nil {
		t.Fatalf("expected initial policy to reject publish on locked vhost")
	}

	s.Reload(lockedVhostConfig(true))

	if err := s.admitPublish("locked", "live", "locked/live", ""); err != nil {
		t.Fatalf("expected reloaded policy to allow publish: %v", err)
	}
}

// TestServerReload_NilConfigDisablesAdmission mirrors the zero-config
// startup path: reloading with a nil config clears the checker so every
// admission check becomes a no-op again.
func TestServerReload_NilConfigDisablesAdmission(t *testing.T) {
	s := New(Config{ListenAddr: ":0", VhostConfig: lockedVhostConfig(false)})

	s.Reload(nil)

	if err := s.admitPublish("locked", "live", "locked/live", ""); err != nil {
		t.Fatalf("expected admission to be disabled after nil reload: %v", err)
	}
}

// TestServerReload_NoConfigStartupIsNilSafe confirms a server started
// without VhostConfig still admits everything, matching the pre-admission
// behavior relied on by the rest of this package's tests.
func TestServerReload_NoConfigStartupIsNilSafe(t *testing.T) {
	s := New(Config{ListenAddr: ":0"})

	if err := s.admitConnect("anything", "live", ""); err != nil {
		t.Fatalf("expected no-op admission without VhostConfig: %v", err)
	}
	if err := s.admitPublish("anything", "live", "anything/live", ""); err != nil {
		t.Fatalf("expected no-op admission without VhostConfig: %v", err)
	}
}
