package ui

import (
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

const (
	envNoInteraction = "NO_INTERACTION"
	envCI            = "CI"
	envTerm          = "TERM"
)

var interactive struct {
	mu          sync.RWMutex
	initialized bool
	enabled     bool
}

// ConfigureInteraction decides once whether output goes to a person. When it
// does not, colour is switched off.
func ConfigureInteraction(noInteraction bool) {
	enabled := detectInteractiveMode(noInteraction)

	interactive.mu.Lock()
	interactive.initialized = true
	interactive.enabled = enabled
	interactive.mu.Unlock()

	if enabled {
		lipgloss.SetColorProfile(termenv.ColorProfile())
		return
	}
	lipgloss.SetColorProfile(termenv.Ascii)
}

func IsInteractive() bool {
	interactive.mu.RLock()
	initialized, enabled := interactive.initialized, interactive.enabled
	interactive.mu.RUnlock()
	if initialized {
		return enabled
	}
	ConfigureInteraction(false)
	return IsInteractive()
}

func detectInteractiveMode(noInteraction bool) bool {
	if noInteraction {
		return false
	}
	if envTruthy(envNoInteraction) || envTruthy(envCI) {
		return false
	}
	if strings.EqualFold(strings.TrimSpace(os.Getenv(envTerm)), "dumb") {
		return false
	}
	return stdoutIsTerminal()
}

func stdoutIsTerminal() bool {
	info, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

func envTruthy(key string) bool {
	switch strings.TrimSpace(strings.ToLower(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
