package nfc

import (
	"fmt"
	"strings"
	"time"
)

// Platform identifies a radio stack with its own timing quirks.
type Platform string

const (
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
	PlatformDesktop Platform = "desktop"
)

// PlatformPolicy carries the platform specific timeouts and retry budgets.
type PlatformPolicy struct {
	Platform              Platform
	TechnologyTimeout     time.Duration
	WriteAttempts         int // total attempts, at least 1
	RetryDelay            time.Duration
	TransientRetries      int // extra attempts for CONNECTION_LOST and TIMEOUT reads
	UltralightReadRetries int // extra attempts per raw page read
	HardwarePasswordLock  bool
}

// AndroidPolicy returns the Android defaults.
func AndroidPolicy() PlatformPolicy {
	return PlatformPolicy{
		Platform:              PlatformAndroid,
		TechnologyTimeout:     20 * time.Second,
		WriteAttempts:         1,
		RetryDelay:            300 * time.Millisecond,
		TransientRetries:      1,
		UltralightReadRetries: 2,
	}
}

// IOSPolicy returns the iOS defaults. Core NFC sessions take longer to come
// up and single writes fail intermittently.
func IOSPolicy() PlatformPolicy {
	return PlatformPolicy{
		Platform:              PlatformIOS,
		TechnologyTimeout:     60 * time.Second,
		WriteAttempts:         3,
		RetryDelay:            300 * time.Millisecond,
		TransientRetries:      2,
		UltralightReadRetries: 2,
	}
}

// DesktopPolicy returns the defaults for a USB reader driven through libnfc.
func DesktopPolicy() PlatformPolicy {
	return PlatformPolicy{
		Platform:              PlatformDesktop,
		TechnologyTimeout:     30 * time.Second,
		WriteAttempts:         3,
		RetryDelay:            100 * time.Millisecond,
		TransientRetries:      2,
		UltralightReadRetries: 2,
		HardwarePasswordLock:  true,
	}
}

// PolicyFor returns the preset for a platform name.
func PolicyFor(name string) (PlatformPolicy, error) {
	switch Platform(strings.ToLower(strings.TrimSpace(name))) {
	case PlatformAndroid:
		return AndroidPolicy(), nil
	case PlatformIOS:
		return IOSPolicy(), nil
	case PlatformDesktop, "":
		return DesktopPolicy(), nil
	}
	return PlatformPolicy{}, fmt.Errorf("unknown platform %q", name)
}

// Validate rejects policies the engine cannot run with.
func (p PlatformPolicy) Validate() error {
	if p.TechnologyTimeout <= 0 {
		return fmt.Errorf("technology timeout must be positive")
	}
	if p.WriteAttempts < 1 {
		return fmt.Errorf("write attempts must be at least 1")
	}
	if p.RetryDelay < 0 {
		return fmt.Errorf("retry delay must not be negative")
	}
	if p.TransientRetries < 0 || p.UltralightReadRetries < 0 {
		return fmt.Errorf("retry counts must not be negative")
	}
	return nil
}
