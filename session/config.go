package session

import (
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ratingeater/webpyter-notebook/blobstore"
)

// KernelMode selects where code executes. Selection is strict: there is no
// automatic cross-fallback between modes.
type KernelMode string

const (
	KernelBackend KernelMode = "backend"
	KernelPyodide KernelMode = "pyodide"
)

// KernelStatus is the kernel connection state machine.
type KernelStatus string

const (
	KernelDisconnected KernelStatus = "disconnected"
	KernelLoading      KernelStatus = "loading"
	KernelIdle         KernelStatus = "idle"
	KernelBusy         KernelStatus = "busy"
	KernelStarting     KernelStatus = "starting"
)

// CollabStatus is the collaboration connection state machine. fallback is
// informational, not terminal: the provider keeps retrying and a later
// successful sync promotes it back to connected.
type CollabStatus string

const (
	CollabDisabled   CollabStatus = "disabled"
	CollabConnecting CollabStatus = "connecting"
	CollabConnected  CollabStatus = "connected"
	CollabFallback   CollabStatus = "fallback"
)

// DefaultConnectTimeout bounds the bootstrap snapshot fetch and the sync
// watchdog.
const DefaultConnectTimeout = 2 * time.Second

// DefaultAutoSaveInterval is how often dirty sessions persist externally.
const DefaultAutoSaveInterval = 30 * time.Second

// Config describes one client session.
type Config struct {
	// NotebookID is the notebook this session binds to.
	NotebookID string

	// CollabEnabled toggles collaboration. Nil defaults to "enabled iff
	// CollabServerURL is non-empty".
	CollabEnabled *bool

	// CollabServerURL is the gateway base URL as ws:// or wss://; http(s)
	// URLs are normalized.
	CollabServerURL string

	// CollabToken, when set, is appended as token=... to websocket and
	// snapshot requests.
	CollabToken string

	// CollabConnectTimeout is the bootstrap snapshot / sync watchdog
	// timeout. Zero means DefaultConnectTimeout.
	CollabConnectTimeout time.Duration

	// BackendKernelURL is the kernel service base URL. Required for
	// KernelBackend mode.
	BackendKernelURL string

	// KernelMode selects the execution backend. Defaults to KernelBackend
	// when BackendKernelURL is set, KernelPyodide otherwise.
	KernelMode KernelMode

	// BlobStore, when set, is the external notebook store the elected
	// leader persists to.
	BlobStore *blobstore.Client

	// LocalBackupPath, when set, is the bbolt file every session writes a
	// local snapshot backup to.
	LocalBackupPath string

	// AutoSaveInterval is the dirty-session persistence cadence. Zero means
	// DefaultAutoSaveInterval.
	AutoSaveInterval time.Duration

	// Logger defaults to zap.NewNop().
	Logger *zap.Logger
}

func (c *Config) collabEnabled() bool {
	if c.CollabEnabled != nil {
		return *c.CollabEnabled
	}
	return c.CollabServerURL != ""
}

func (c *Config) validate() error {
	if c.NotebookID == "" {
		return errors.New("session: NotebookID is required")
	}
	if c.collabEnabled() && c.CollabServerURL == "" {
		return errors.New("session: CollabServerURL is required when collaboration is enabled")
	}
	return nil
}

func (c *Config) connectTimeout() time.Duration {
	if c.CollabConnectTimeout > 0 {
		return c.CollabConnectTimeout
	}
	return DefaultConnectTimeout
}

func (c *Config) autoSaveInterval() time.Duration {
	if c.AutoSaveInterval > 0 {
		return c.AutoSaveInterval
	}
	return DefaultAutoSaveInterval
}

func (c *Config) kernelMode() KernelMode {
	if c.KernelMode != "" {
		return c.KernelMode
	}
	if c.BackendKernelURL != "" {
		return KernelBackend
	}
	return KernelPyodide
}

func (c *Config) logger() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return zap.NewNop()
}

// wsBaseURL normalizes the configured server URL to ws(s).
func (c *Config) wsBaseURL() string {
	return strings.TrimRight(toWS(c.CollabServerURL), "/")
}

// httpBaseURL normalizes the configured server URL to http(s), for the
// bootstrap snapshot fetch.
func (c *Config) httpBaseURL() string {
	return strings.TrimRight(toHTTP(c.CollabServerURL), "/")
}

func toWS(u string) string {
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	default:
		return u
	}
}

func toHTTP(u string) string {
	switch {
	case strings.HasPrefix(u, "wss://"):
		return "https://" + strings.TrimPrefix(u, "wss://")
	case strings.HasPrefix(u, "ws://"):
		return "http://" + strings.TrimPrefix(u, "ws://")
	default:
		return u
	}
}
