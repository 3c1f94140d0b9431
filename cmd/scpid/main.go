// Command scpid is a runnable demo SCPI instrument server: it registers a
// small demonstration command tree (*IDN, SOURce:VOLTage, a 4-channel
// CHANnel array with CURRent), loads its configuration, guards against a
// second instance racing to bind the same port, and serves until signaled.
//
// Grounded on cmd/minimega's flag parsing and signal.Notify-driven
// shutdown shape (_examples/.../cmd/minimega/main.go).
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/scpigo/scpid/config"
	"github.com/scpigo/scpid/instance"
	"github.com/scpigo/scpid/scpilog"

	"github.com/scpigo/scpid"
)

var (
	fConfig  = flag.String("config", "", "path to a YAML configuration file (optional)")
	fPidFile = flag.String("pidfile", "/tmp/scpid.pid", "pidfile used to prevent a second instance")
	fPort    = flag.Int("port", 0, "override the configured port (0: use config/default)")
	fRemote  = flag.Bool("remote", false, "bind all interfaces instead of loopback only")
	fVerbose = flag.Bool("v", false, "enable debug-level logging on stderr")
)

var log = scpilog.New("scpid")

func main() {
	flag.Parse()

	if *fVerbose {
		scpilog.SetLevel("stderr", scpilog.DEBUG)
	}

	cfg := config.Default()
	if *fConfig != "" {
		loaded, err := config.Load(*fConfig)
		if err != nil {
			fmt.Fprintf(os.Stderr, "scpid: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *fPort != 0 {
		cfg.Port = *fPort
	}
	if *fRemote {
		cfg.BindLocal = false
	}

	guard, err := instance.Acquire(*fPidFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "scpid: %v\n", err)
		os.Exit(1)
	}
	defer guard.Release()

	s := scpigo.New(scpigo.Config{
		BindLocal:        cfg.BindLocal,
		Port:             cfg.Port,
		MaxClients:       cfg.MaxClients,
		IPv6Enabled:      cfg.IPv6Enabled,
		WriteLockEnabled: cfg.WriteLockEnabled,
	})
	registerDemoInstrument(s)

	if *fConfig != "" {
		watcher, err := config.Watch(*fConfig, func(reloaded config.Config) {
			log.Infof("configuration changed, updating remote_allowed")
			if err := s.SetRemoteAllowed(!reloaded.BindLocal); err != nil {
				log.Errorf("rebuilding listener after config reload: %v", err)
			}
		})
		if err != nil {
			log.Warnf("configuration watch disabled: %v", err)
		} else {
			defer watcher.Close()
		}
	}

	if err := s.Open(); err != nil {
		fmt.Fprintf(os.Stderr, "scpid: %v\n", err)
		os.Exit(1)
	}
	defer s.Close()

	log.Infof("%s listening on port %d", s.Identity(), cfg.Port)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	<-shutdown
	log.Infof("shutting down")
}

// registerDemoInstrument wires up the demo instrument, the same shape the
// dispatch tests build in their own fixture: *IDN, SOURce:VOLTage, and a
// 4-channel CHANnel array with CURRent.
func registerDemoInstrument(s *scpigo.Server) {
	if err := s.AddSpecialCommand("IDN", func() (string, error) {
		return "SCPIGO,DEMO,0,1", nil
	}, nil); err != nil {
		log.Fatalf("registering *IDN: %v", err)
	}

	var voltage = "1.0"
	src, err := s.AddComponent("SOUR", s.Root())
	if err != nil {
		log.Fatalf("registering SOUR: %v", err)
	}
	if _, err := s.AddAttribute("VOLT", src,
		func(_ []int, _ string, _ string) (string, error) { return voltage, nil },
		func(_ []int, value string, _ string) error { voltage = value; return nil },
		false, nil); err != nil {
		log.Fatalf("registering SOUR:VOLT: %v", err)
	}

	channels, err := s.AddChannel("CHAN", 4, s.Root(), 1)
	if err != nil {
		log.Fatalf("registering CHAN: %v", err)
	}
	if _, err := s.AddAttribute("CURR", channels,
		func(channels []int, _ string, _ string) (string, error) {
			return fmt.Sprintf("%d", channels[0]), nil
		}, nil, false, nil); err != nil {
		log.Fatalf("registering CHAN:CURR: %v", err)
	}
}
