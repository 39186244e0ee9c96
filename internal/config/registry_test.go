package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/gomega"

	"github.com/jordigilh/kubernaut-resilience/internal/config"
)

func TestRegistry(t *testing.T) {
	RegisterTestingT(t)

	tempDir, err := os.MkdirTemp("", "registry-test")
	NewWithT(t).Expect(err).NotTo(HaveOccurred())
	defer os.RemoveAll(tempDir)

	path := filepath.Join(tempDir, "registry.yaml")

	t.Run("loads initial servers and global config", func(t *testing.T) {
		g := NewWithT(t)
		initial := `
servers:
  grep-tool:
    enabled: true
    priority: 1
    command: "grep"
    args: ["-r"]
    timeout: "5s"
    capabilities: ["search"]
global:
  process_timeout: "30s"
  max_concurrent_connections: 4
`
		g.Expect(os.WriteFile(path, []byte(initial), 0644)).To(Succeed())

		reg, err := config.NewRegistry(path, nil)
		g.Expect(err).NotTo(HaveOccurred())
		defer reg.Stop()

		srv, ok := reg.Get("grep-tool")
		g.Expect(ok).To(BeTrue())
		g.Expect(srv.Command).To(Equal("grep"))
		g.Expect(srv.Timeout).To(Equal(5 * time.Second))

		global := reg.Global()
		g.Expect(global.ProcessTimeout).To(Equal(30 * time.Second))
		g.Expect(global.MaxConcurrentConnections).To(Equal(4))
	})

	t.Run("substitutes env vars only for allowed prefixes when enabled", func(t *testing.T) {
		g := NewWithT(t)
		os.Setenv("RESILIENCE_TOOL_TOKEN", "secret-value")
		os.Setenv("OTHER_TOKEN", "should-not-substitute")
		defer os.Unsetenv("RESILIENCE_TOOL_TOKEN")
		defer os.Unsetenv("OTHER_TOKEN")

		withEnv := `
servers:
  api-tool:
    enabled: true
    command: "curl"
    args: ["-H", "Authorization: ${RESILIENCE_TOOL_TOKEN}", "-H", "X-Other: ${OTHER_TOKEN}"]
    security:
      use_env_substitution: true
      allowed_env_prefixes: ["RESILIENCE_"]
`
		g.Expect(os.WriteFile(path, []byte(withEnv), 0644)).To(Succeed())

		reg, err := config.NewRegistry(path, nil)
		g.Expect(err).NotTo(HaveOccurred())
		defer reg.Stop()

		srv, ok := reg.Get("api-tool")
		g.Expect(ok).To(BeTrue())
		g.Expect(srv.Args).To(ContainElement("Authorization: secret-value"))
		g.Expect(srv.Args).To(ContainElement("X-Other: ${OTHER_TOKEN}"))
	})

	t.Run("hot reload emits typed events on add, update, and remove", func(t *testing.T) {
		g := NewWithT(t)
		initial := `
servers:
  tool-a:
    enabled: true
    priority: 1
    command: "tool-a"
`
		g.Expect(os.WriteFile(path, []byte(initial), 0644)).To(Succeed())

		reg, err := config.NewRegistry(path, nil)
		g.Expect(err).NotTo(HaveOccurred())
		defer reg.Stop()

		g.Expect(reg.Watch()).To(Succeed())

		events := make(chan config.RegistryEvent, 16)
		reg.On(config.EventServerAdded, func(e config.RegistryEvent) { events <- e })
		reg.On(config.EventServerUpdated, func(e config.RegistryEvent) { events <- e })
		reg.On(config.EventServerRemoved, func(e config.RegistryEvent) { events <- e })

		updated := `
servers:
  tool-a:
    enabled: true
    priority: 2
    command: "tool-a"
  tool-b:
    enabled: true
    command: "tool-b"
`
		g.Expect(os.WriteFile(path, []byte(updated), 0644)).To(Succeed())

		seen := map[config.RegistryEventType]bool{}
		timeout := time.After(5 * time.Second)
		for len(seen) < 2 {
			select {
			case e := <-events:
				seen[e.Type] = true
			case <-timeout:
				t.Fatal("timed out waiting for registry reload events")
			}
		}
		g.Expect(seen[config.EventServerAdded]).To(BeTrue())
		g.Expect(seen[config.EventServerUpdated]).To(BeTrue())
	})
}
