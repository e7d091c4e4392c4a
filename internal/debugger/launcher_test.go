package debugger

import (
	"context"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/bingosuite/inspector/config"
)

var _ = Describe("Launcher", func() {
	var script string

	BeforeEach(func() {
		dir := GinkgoT().TempDir()
		script = filepath.Join(dir, "app.js")
		Expect(os.WriteFile(script, []byte("console.log('hi')\n"), 0o644)).To(Succeed())
	})

	Describe("validateScriptPath", func() {
		It("should return the absolute cleaned path of a regular file", func() {
			rel, err := filepath.Rel(mustGetwd(), script)
			Expect(err).NotTo(HaveOccurred())

			validated, err := validateScriptPath(rel)
			Expect(err).NotTo(HaveOccurred())
			Expect(validated).To(Equal(script))
		})

		It("should not require the script to be executable", func() {
			_, err := validateScriptPath(script)
			Expect(err).NotTo(HaveOccurred())
		})

		It("should reject directories", func() {
			_, err := validateScriptPath(filepath.Dir(script))
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("not a regular file"))
		})

		It("should reject missing files", func() {
			_, err := validateScriptPath(filepath.Join(filepath.Dir(script), "missing.js"))
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("not accessible"))
		})

		It("should reject an empty path", func() {
			_, err := validateScriptPath("")
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Args", func() {
		It("should pass the debug port and script after the runtime arguments", func() {
			l := NewLauncher(config.SessionConfig{
				NodeArgs: []string{"--harmony"},
				Args:     []string{"--verbose", "input.txt"},
			}, 5858, nil)

			Expect(l.Args("/srv/app.js")).To(Equal([]string{"--harmony", "--debug=5858", "/srv/app.js", "--verbose", "input.txt"}))
		})

		It("should break on the first line when brk is set", func() {
			l := NewLauncher(config.SessionConfig{Brk: true}, 9229, nil)
			Expect(l.Args("/srv/app.js")).To(Equal([]string{"--debug-brk=9229", "/srv/app.js"}))
		})
	})

	Describe("Start", func() {
		It("should run the configured runtime and report its exit", func() {
			// true(1) ignores its arguments and exits cleanly.
			l := NewLauncher(config.SessionConfig{File: script, Node: "true"}, 5858, nil)

			Expect(l.Start(context.Background())).To(Succeed())
			Expect(l.PID()).NotTo(BeZero())

			var exitErr error
			Eventually(l.Exited(), 5*time.Second).Should(Receive(&exitErr))
			Expect(exitErr).NotTo(HaveOccurred())
			Eventually(l.Exited()).Should(BeClosed())
		})

		It("should surface a non-zero exit", func() {
			l := NewLauncher(config.SessionConfig{File: script, Node: "false"}, 5858, nil)

			Expect(l.Start(context.Background())).To(Succeed())
			Eventually(l.Exited(), 5*time.Second).Should(Receive(HaveOccurred()))
		})

		It("should refuse to start twice", func() {
			l := NewLauncher(config.SessionConfig{File: script, Node: "true"}, 5858, nil)
			Expect(l.Start(context.Background())).To(Succeed())
			Expect(l.Start(context.Background())).NotTo(Succeed())
		})

		It("should reject an invalid script before spawning anything", func() {
			l := NewLauncher(config.SessionConfig{File: filepath.Dir(script), Node: "true"}, 5858, nil)
			Expect(l.Start(context.Background())).NotTo(Succeed())
			Expect(l.PID()).To(BeZero())
		})

		It("should report a runtime that cannot be found", func() {
			l := NewLauncher(config.SessionConfig{File: script, Node: "definitely-not-a-node-binary"}, 5858, nil)
			err := l.Start(context.Background())
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("failed to start debuggee"))
		})
	})

	Describe("Stop", func() {
		It("should do nothing before Start", func() {
			l := NewLauncher(config.SessionConfig{File: script}, 5858, nil)
			Expect(l.Stop()).To(Succeed())
		})

		It("should kill a running debuggee", func() {
			l := NewLauncher(config.SessionConfig{File: script, Node: "sh", NodeArgs: []string{"-c", "sleep 30"}}, 5858, nil)
			Expect(l.Start(context.Background())).To(Succeed())

			Expect(l.Stop()).To(Succeed())
			Eventually(l.Exited(), 5*time.Second).Should(Receive(HaveOccurred()))
		})
	})
})

func mustGetwd() string {
	wd, err := os.Getwd()
	Expect(err).NotTo(HaveOccurred())
	return wd
}
